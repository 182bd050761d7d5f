package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"vitalmesh/internal/bus"
	"vitalmesh/internal/check"
	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/fault"
)

// Worker consumes score consensus messages off the bus and feeds them to
// the alert service.
type Worker struct {
	Service *Service
	Bus     bus.Bus
}

// NewWorker builds a worker over the service and bus.
func NewWorker(service *Service, b bus.Bus) *Worker {
	check.Assert(service != nil, "alert.NewWorker: service must not be nil")
	check.Assert(b != nil, "alert.NewWorker: bus must not be nil")
	return &Worker{Service: service, Bus: b}
}

// Run subscribes to the score-consensus key until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("alert consensus worker starting", "key", bus.KeyScoreConsensus)
	return w.Bus.Subscribe(ctx, bus.KeyScoreConsensus, w.handle)
}

func (w *Worker) handle(ctx context.Context, env bus.Envelope) error {
	var sc eventstore.ScoreConsensus
	if err := json.Unmarshal(env.Body, &sc); err != nil {
		// Undecodable payloads never become decodable; drop, don't requeue.
		return fault.Invalid("decode score consensus %s: %v", env.EventID, err)
	}
	_, err := w.Service.HandleConsensus(ctx, sc)
	return err
}

// Escalation cadence: high-severity alerts still unacknowledged after the
// grace period are escalated automatically.
const (
	EscalateAfter    = 15 * time.Minute
	escalateInterval = time.Minute
)

// Escalator sweeps for overdue high-severity alerts on a fixed cadence.
type Escalator struct {
	Service *Service
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (e *Escalator) Run(ctx context.Context) error {
	e.sweep(ctx)

	ticker := time.NewTicker(escalateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Escalator) sweep(ctx context.Context) {
	cutoff := e.Service.Clock.Now().Add(-EscalateAfter)
	candidates, err := e.Service.Store.EscalationCandidates(ctx, cutoff)
	if err != nil {
		slog.Error("escalation sweep failed", "error", err)
		return
	}
	for _, a := range candidates {
		if _, err := e.Service.Escalate(ctx, a.AlertID); err != nil {
			// A parallel acknowledge can win the race; that's fine.
			if fault.IsTransition(err) {
				continue
			}
			slog.Error("escalate alert failed", "alertId", a.AlertID, "error", err)
			continue
		}
		slog.Warn("alert escalated: unacknowledged past grace period",
			"alertId", a.AlertID,
			"patientId", a.PatientID,
			"createdAt", a.CreatedAt)
	}
}
