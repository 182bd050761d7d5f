package alert

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func storedAlert(id string, createdAt time.Time) Alert {
	return Alert{
		AlertID:       id,
		PatientID:     "P1",
		SourceService: SourceScoring,
		Type:          TypeUrgent,
		Severity:      SeverityMedium,
		Priority:      65,
		Message:       "score elevated",
		Score:         5,
		ObservedAt:    createdAt,
		Status:        StatusNew,
		CreatedAt:     createdAt,
	}
}

func TestStore_ListAlertsTimeRangeAndOffset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		a := storedAlert(id, baseTime.Add(time.Duration(i)*time.Hour))
		if _, err := store.InsertAlert(ctx, a); err != nil {
			t.Fatalf("InsertAlert(%s): %v", id, err)
		}
	}

	ranged, err := store.ListAlerts(ctx, Filter{
		From: baseTime.Add(time.Hour),
		To:   baseTime.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("ListAlerts (range): %v", err)
	}
	if len(ranged) != 2 || ranged[0].AlertID != "a3" || ranged[1].AlertID != "a2" {
		t.Errorf("ranged alerts = %v, want [a3 a2]", alertIDs(ranged))
	}

	paged, err := store.ListAlerts(ctx, Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListAlerts (paged): %v", err)
	}
	if len(paged) != 2 || paged[0].AlertID != "a3" || paged[1].AlertID != "a2" {
		t.Errorf("paged alerts = %v, want [a3 a2]", alertIDs(paged))
	}

	// Offset without a limit still skips the newest rows.
	skipped, err := store.ListAlerts(ctx, Filter{Offset: 3})
	if err != nil {
		t.Fatalf("ListAlerts (offset only): %v", err)
	}
	if len(skipped) != 1 || skipped[0].AlertID != "a1" {
		t.Errorf("skipped alerts = %v, want [a1]", alertIDs(skipped))
	}
}

func alertIDs(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.AlertID
	}
	return out
}

func TestStore_SubscriptionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := Subscription{
		SubscriptionID: "s1",
		SubscriberType: SubscriberDepartment,
		SubscriberID:   "icu",
		PatientID:      "P1",
		Types:          []Type{TypeCritical, TypeSensorCritical},
		MinSeverity:    SeverityHigh,
		Channels: []SubscriptionChannel{
			{Kind: ChannelEmail, Contact: "icu@example.org", Enabled: true},
			{Kind: ChannelLog, Enabled: false},
		},
		Active:    true,
		CreatedAt: baseTime,
	}
	if err := store.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	got, ok, err := store.GetSubscription(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if !ok {
		t.Fatal("subscription not found after upsert")
	}
	if got.SubscriberType != SubscriberDepartment || got.SubscriberID != "icu" || got.PatientID != "P1" {
		t.Errorf("subscriber fields = %+v, want department icu scoped to P1", got)
	}
	if got.MinSeverity != SeverityHigh || len(got.Types) != 2 {
		t.Errorf("filter fields = %+v, want HIGH floor and two types", got)
	}
	if len(got.Channels) != 2 || got.Channels[0].Contact != "icu@example.org" || got.Channels[1].Enabled {
		t.Errorf("channels = %+v, want email enabled and log disabled", got.Channels)
	}
}

func TestStore_EscalationSubscriptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	subs := []Subscription{
		{SubscriptionID: "global-dept", SubscriberType: SubscriberDepartment, SubscriberID: "icu", MinSeverity: SeverityHigh,
			Channels: logChannel(), Active: true, CreatedAt: baseTime},
		{SubscriptionID: "scoped-dept", SubscriberType: SubscriberDepartment, SubscriberID: "ward-a", PatientID: "P1", MinSeverity: SeverityHigh,
			Channels: logChannel(), Active: true, CreatedAt: baseTime},
		{SubscriptionID: "other-patient", SubscriberType: SubscriberDepartment, SubscriberID: "ward-b", PatientID: "P9", MinSeverity: SeverityHigh,
			Channels: logChannel(), Active: true, CreatedAt: baseTime},
		{SubscriptionID: "low-floor", SubscriberType: SubscriberDepartment, SubscriberID: "ward-c", MinSeverity: SeverityLow,
			Channels: logChannel(), Active: true, CreatedAt: baseTime},
		{SubscriptionID: "staff", SubscriberType: SubscriberStaff, SubscriberID: "nurse-7", MinSeverity: SeverityHigh,
			Channels: logChannel(), Active: true, CreatedAt: baseTime},
		{SubscriptionID: "inactive-dept", SubscriberType: SubscriberDepartment, SubscriberID: "night", MinSeverity: SeverityHigh,
			Channels: logChannel(), Active: false, CreatedAt: baseTime},
	}
	for _, sub := range subs {
		if err := store.UpsertSubscription(ctx, sub); err != nil {
			t.Fatalf("UpsertSubscription(%s): %v", sub.SubscriptionID, err)
		}
	}

	tier, err := store.EscalationSubscriptions(ctx, "P1")
	if err != nil {
		t.Fatalf("EscalationSubscriptions: %v", err)
	}
	got := map[string]bool{}
	for _, sub := range tier {
		got[sub.SubscriptionID] = true
	}
	if len(tier) != 2 || !got["global-dept"] || !got["scoped-dept"] {
		t.Errorf("escalation tier = %v, want global-dept and scoped-dept", got)
	}
}
