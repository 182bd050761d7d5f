// Package scoring is the command side of the pipeline: it turns a complete
// vital-sign vector into an immutable score event, reconciles the per-node
// events for the same patient into a score consensus, and feeds the result
// to the bus and the read model projection.
package scoring

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vitalmesh/internal/bus"
	"vitalmesh/internal/consensus"
	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/fault"
	"vitalmesh/internal/news2"
	"vitalmesh/internal/vitals"
)

// CalculateCommand requests one NEWS2 calculation for a patient as seen by
// one node.
type CalculateCommand struct {
	PatientID  string            `json:"patientId"`
	NodeID     string            `json:"nodeId"`
	VitalSigns vitals.VitalSigns `json:"vitalSigns"`
	ObservedAt time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields required before the command may be executed.
func (c CalculateCommand) Validate() error {
	if c.PatientID == "" {
		return fault.Invalid("patientId is required")
	}
	if c.NodeID == "" {
		return fault.Invalid("nodeId is required")
	}
	return c.VitalSigns.Validate()
}

// Applier is the read model projection fed after each consensus.
type Applier interface {
	Apply(ctx context.Context, sc eventstore.ScoreConsensus) error
}

// Engine executes calculate commands against the event store.
type Engine struct {
	Store     *eventstore.Store
	Bus       bus.Bus
	Projector Applier
	Clock     vitals.Clock

	tracer trace.Tracer
}

// NewEngine wires an engine over its collaborators. Bus and Projector may be
// nil in partial deployments; persistence is the only hard dependency.
func NewEngine(store *eventstore.Store, b bus.Bus, projector Applier, clock vitals.Clock) *Engine {
	return &Engine{
		Store:     store,
		Bus:       b,
		Projector: projector,
		Clock:     clock,
		tracer:    otel.Tracer("vitalmesh/scoring"),
	}
}

// Calculate scores the command's vitals, appends the score event, and runs
// score consensus over the surrounding window. The event and consensus are
// both persisted before anything is published; publish and projection
// failures are logged and never fail the command.
func (e *Engine) Calculate(ctx context.Context, cmd CalculateCommand) (eventstore.ScoreEvent, eventstore.ScoreConsensus, error) {
	ctx, span := e.tracer.Start(ctx, "scoring.calculate",
		trace.WithAttributes(attribute.String("patient.id", cmd.PatientID)))
	defer span.End()

	if err := cmd.Validate(); err != nil {
		return eventstore.ScoreEvent{}, eventstore.ScoreConsensus{}, err
	}
	result, err := news2.Score(cmd.VitalSigns)
	if err != nil {
		return eventstore.ScoreEvent{}, eventstore.ScoreConsensus{}, err
	}

	observedAt := cmd.ObservedAt
	if observedAt.IsZero() {
		observedAt = e.Clock.Now()
	}

	kind := eventstore.KindCalculated
	seen, err := e.Store.HasEvents(ctx, cmd.PatientID, cmd.NodeID)
	if err != nil {
		return eventstore.ScoreEvent{}, eventstore.ScoreConsensus{}, fault.Storage("check prior score events", err)
	}
	if seen {
		kind = eventstore.KindUpdated
	}

	event := eventstore.ScoreEvent{
		EventID:      uuid.NewString(),
		PatientID:    cmd.PatientID,
		NodeID:       cmd.NodeID,
		Kind:         kind,
		ObservedAt:   observedAt,
		VitalSigns:   cmd.VitalSigns,
		Components:   result.Components,
		TotalScore:   result.Total,
		ClinicalRisk: result.Risk,
		Metadata:     cmd.Metadata,
	}
	if _, err := e.Store.InsertEvent(ctx, event); err != nil {
		return eventstore.ScoreEvent{}, eventstore.ScoreConsensus{}, fault.Storage("append score event", err)
	}
	e.publish(ctx, bus.KeyScoreCalculated, event.EventID, event)

	sc, err := e.formConsensus(ctx, event)
	if err != nil {
		return eventstore.ScoreEvent{}, eventstore.ScoreConsensus{}, err
	}
	return event, sc, nil
}

// Absorb folds a score event produced elsewhere into the local store and, if
// it was not already known, reruns consensus for its window. Redeliveries and
// echoes of locally published events are absorbed silently.
func (e *Engine) Absorb(ctx context.Context, event eventstore.ScoreEvent) error {
	if event.EventID == "" || event.PatientID == "" || event.NodeID == "" {
		return fault.Invalid("score event requires eventId, patientId and nodeId")
	}
	if !event.Kind.Valid() {
		return fault.Invalid("unknown event kind %q", event.Kind)
	}

	inserted, err := e.Store.InsertEvent(ctx, event)
	if err != nil {
		return fault.Storage("absorb score event", err)
	}
	if !inserted {
		return nil
	}
	_, err = e.formConsensus(ctx, event)
	return err
}

// formConsensus reduces the latest-per-node score totals in the window
// around the triggering event, persists the consensus, publishes it, and
// projects it into the read model.
func (e *Engine) formConsensus(ctx context.Context, event eventstore.ScoreEvent) (eventstore.ScoreConsensus, error) {
	from, to := consensus.Window(event.ObservedAt)
	events, err := e.Store.EventsInWindow(ctx, event.PatientID, from, to)
	if err != nil {
		return eventstore.ScoreConsensus{}, fault.Storage("query score event window", err)
	}

	obs := make([]consensus.Observation, 0, len(events))
	byNode := make(map[string]eventstore.ScoreEvent, len(events))
	for _, ev := range events {
		obs = append(obs, consensus.Observation{
			NodeID:     ev.NodeID,
			Value:      float64(ev.TotalScore),
			ObservedAt: ev.ObservedAt,
		})
		if cur, ok := byNode[ev.NodeID]; !ok || ev.ObservedAt.After(cur.ObservedAt) {
			byNode[ev.NodeID] = ev
		}
	}

	outcome := consensus.Reduce(obs, consensus.Scores())
	score := int(math.Round(outcome.Value))

	nodeScores := make([]eventstore.ScoreEvent, 0, len(outcome.Participants))
	for _, p := range outcome.Participants {
		if ev, ok := byNode[p.NodeID]; ok {
			nodeScores = append(nodeScores, ev)
		}
	}

	sc := eventstore.ScoreConsensus{
		ConsensusID:    uuid.NewString(),
		PatientID:      event.PatientID,
		NodeScores:     nodeScores,
		ConsensusScore: score,
		ClinicalRisk:   news2.RiskForScore(score),
		ConsensusAt:    outcome.At,
		Valid:          outcome.Valid,
		Method:         outcome.Method,
	}
	if err := e.Store.InsertConsensus(ctx, sc); err != nil {
		return eventstore.ScoreConsensus{}, fault.Storage("persist score consensus", err)
	}
	e.publish(ctx, bus.KeyScoreConsensus, sc.ConsensusID, sc)

	if e.Projector != nil {
		if err := e.Projector.Apply(ctx, sc); err != nil {
			// The consensus is durable and published; the subscriber path
			// re-applies it.
			slog.Error("read model projection failed",
				"consensusId", sc.ConsensusID,
				"patientId", sc.PatientID,
				"error", err)
		}
	}
	return sc, nil
}

func (e *Engine) publish(ctx context.Context, key, eventID string, body any) {
	if e.Bus == nil {
		return
	}
	if err := e.Bus.Publish(ctx, key, eventID, body); err != nil {
		slog.Warn("publish failed", "key", key, "eventId", eventID, "error", err)
	}
}
