package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vitalmesh/internal/news2"
	"vitalmesh/internal/vitals"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var baseTime = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func event(id, node string, total int, offset time.Duration) ScoreEvent {
	return ScoreEvent{
		EventID:    id,
		PatientID:  "P1",
		NodeID:     node,
		Kind:       KindCalculated,
		ObservedAt: baseTime.Add(offset),
		VitalSigns: vitals.VitalSigns{
			RespiratoryRate:  18,
			OxygenSaturation: 96,
			Temperature:      37.1,
			SystolicBP:       125,
			HeartRate:        72,
			Consciousness:    vitals.ConsciousnessAlert,
		},
		Components:   news2.Components{},
		TotalScore:   total,
		ClinicalRisk: news2.RiskForScore(total),
	}
}

func TestStore_InsertEventIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := event("e1", "node-1", 2, 0)
	inserted, err := store.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported inserted=false")
	}

	// Redelivery of the same event id must not create a second row.
	e.TotalScore = 9
	inserted, err = store.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("InsertEvent (duplicate): %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported inserted=true")
	}

	got, err := store.QueryEvents(ctx, EventFilter{PatientID: "P1"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].TotalScore != 2 {
		t.Errorf("TotalScore = %d, want original 2 (append-only)", got[0].TotalScore)
	}
}

func TestStore_EventsInWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, e := range []ScoreEvent{
		event("e1", "node-1", 2, 0),
		event("e2", "node-2", 3, 2*time.Second),
		event("e3", "node-3", 8, -2*time.Minute),
	} {
		if _, err := store.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent(%s): %v", e.EventID, err)
		}
	}

	got, err := store.EventsInWindow(ctx, "P1", baseTime.Add(-30*time.Second), baseTime.Add(5*time.Second))
	if err != nil {
		t.Fatalf("EventsInWindow: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].EventID != "e1" || got[1].EventID != "e2" {
		t.Errorf("order = %s, %s; want e1, e2 (oldest first)", got[0].EventID, got[1].EventID)
	}
	if got[0].VitalSigns.HeartRate != 72 {
		t.Errorf("HeartRate = %v, want 72", got[0].VitalSigns.HeartRate)
	}
}

func TestStore_EventsInWindowMixedPrecision(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Whole-second and sub-second timestamps must order by time, not by
	// the accident of how many fractional digits they encode to.
	whole := event("e-whole", "node-1", 2, time.Second)
	frac := event("e-frac", "node-2", 3, 1500*time.Millisecond)
	for _, e := range []ScoreEvent{frac, whole} {
		if _, err := store.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent(%s): %v", e.EventID, err)
		}
	}

	got, err := store.EventsInWindow(ctx, "P1", baseTime, baseTime.Add(2*time.Second))
	if err != nil {
		t.Fatalf("EventsInWindow: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].EventID != "e-whole" || got[1].EventID != "e-frac" {
		t.Errorf("order = %s, %s; want e-whole before e-frac", got[0].EventID, got[1].EventID)
	}

	// A fractional lower bound must still include the later whole-second row.
	later, err := store.EventsInWindow(ctx, "P1", baseTime.Add(1250*time.Millisecond), baseTime.Add(2*time.Second))
	if err != nil {
		t.Fatalf("EventsInWindow (fractional bound): %v", err)
	}
	if len(later) != 1 || later[0].EventID != "e-frac" {
		t.Errorf("events = %v, want just e-frac", later)
	}
}

func TestStore_QueryEventsFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e1 := event("e1", "node-1", 2, 0)
	e2 := event("e2", "node-1", 3, time.Minute)
	e2.Kind = KindUpdated
	e3 := event("e3", "node-1", 5, 2*time.Minute)
	e3.PatientID = "P2"
	for _, e := range []ScoreEvent{e1, e2, e3} {
		if _, err := store.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent(%s): %v", e.EventID, err)
		}
	}

	byKind, err := store.QueryEvents(ctx, EventFilter{PatientID: "P1", Kind: KindUpdated})
	if err != nil {
		t.Fatalf("QueryEvents (kind): %v", err)
	}
	if len(byKind) != 1 || byKind[0].EventID != "e2" {
		t.Errorf("kind filter = %v, want just e2", byKind)
	}

	limited, err := store.QueryEvents(ctx, EventFilter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryEvents (limit): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited events = %d, want 2", len(limited))
	}
	// Newest first across patients.
	if limited[0].EventID != "e3" {
		t.Errorf("first = %s, want e3", limited[0].EventID)
	}
}

func TestStore_HasEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertEvent(ctx, event("e1", "node-1", 2, 0)); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	has, err := store.HasEvents(ctx, "P1", "node-1")
	if err != nil {
		t.Fatalf("HasEvents: %v", err)
	}
	if !has {
		t.Error("HasEvents(P1, node-1) = false, want true")
	}
	has, err = store.HasEvents(ctx, "P1", "node-2")
	if err != nil {
		t.Fatalf("HasEvents: %v", err)
	}
	if has {
		t.Error("HasEvents(P1, node-2) = true, want false")
	}
}

func TestStore_ConsensusRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c := ScoreConsensus{
		ConsensusID:    "sc1",
		PatientID:      "P1",
		NodeScores:     []ScoreEvent{event("e1", "node-1", 5, 0), event("e2", "node-2", 5, time.Second)},
		ConsensusScore: 5,
		ClinicalRisk:   news2.RiskMedium,
		ConsensusAt:    baseTime.Add(time.Second),
		Valid:          true,
		Method:         vitals.MethodMajority,
	}
	if err := store.InsertConsensus(ctx, c); err != nil {
		t.Fatalf("InsertConsensus: %v", err)
	}

	got, ok, err := store.GetConsensus(ctx, "sc1")
	if err != nil {
		t.Fatalf("GetConsensus: %v", err)
	}
	if !ok {
		t.Fatal("GetConsensus: not found")
	}
	if got.ConsensusScore != 5 || got.Method != vitals.MethodMajority || !got.Valid {
		t.Errorf("got %+v, want score 5 majority valid", got)
	}
	if len(got.NodeScores) != 2 || got.NodeScores[0].EventID != "e1" {
		t.Errorf("NodeScores = %v, want e1 and e2", got.NodeScores)
	}
	if !got.ConsensusAt.Equal(baseTime.Add(time.Second)) {
		t.Errorf("ConsensusAt = %v, want %v", got.ConsensusAt, baseTime.Add(time.Second))
	}

	_, ok, err = store.GetConsensus(ctx, "missing")
	if err != nil {
		t.Fatalf("GetConsensus (missing): %v", err)
	}
	if ok {
		t.Error("GetConsensus(missing) reported found")
	}
}

func TestStore_ConsensusHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := ScoreConsensus{
			ConsensusID:    "sc" + string(rune('1'+i)),
			PatientID:      "P1",
			NodeScores:     []ScoreEvent{event("e"+string(rune('1'+i)), "node-1", i, 0)},
			ConsensusScore: i,
			ClinicalRisk:   news2.RiskForScore(i),
			ConsensusAt:    baseTime.Add(time.Duration(i) * time.Minute),
			Valid:          true,
			Method:         vitals.MethodSingle,
		}
		if err := store.InsertConsensus(ctx, c); err != nil {
			t.Fatalf("InsertConsensus: %v", err)
		}
	}

	got, err := store.ConsensusHistory(ctx, "P1", baseTime.Add(30*time.Second), time.Time{}, 0)
	if err != nil {
		t.Fatalf("ConsensusHistory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2 after cutoff", len(got))
	}
	if got[0].ConsensusID != "sc3" {
		t.Errorf("first = %s, want sc3 (newest first)", got[0].ConsensusID)
	}

	limited, err := store.ConsensusHistory(ctx, "P1", time.Time{}, time.Time{}, 1)
	if err != nil {
		t.Fatalf("ConsensusHistory (limit): %v", err)
	}
	if len(limited) != 1 || limited[0].ConsensusID != "sc3" {
		t.Errorf("limited = %v, want just sc3", limited)
	}
}

func TestStore_Counts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertEvent(ctx, event("e1", "node-1", 2, 0)); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := store.InsertConsensus(ctx, ScoreConsensus{
		ConsensusID: "sc1", PatientID: "P1",
		NodeScores:  []ScoreEvent{event("e1", "node-1", 2, 0)},
		ClinicalRisk: news2.RiskLowMedium, ConsensusAt: baseTime,
		Valid: true, Method: vitals.MethodSingle, ConsensusScore: 2,
	}); err != nil {
		t.Fatalf("InsertConsensus: %v", err)
	}

	events, err := store.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if events != 1 {
		t.Errorf("CountEvents = %d, want 1", events)
	}
	records, err := store.CountConsensus(ctx)
	if err != nil {
		t.Fatalf("CountConsensus: %v", err)
	}
	if records != 1 {
		t.Errorf("CountConsensus = %d, want 1", records)
	}
}
