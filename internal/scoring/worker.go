package scoring

import (
	"context"
	"encoding/json"
	"log/slog"

	"vitalmesh/internal/bus"
	"vitalmesh/internal/check"
	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/fault"
)

// Worker folds score events published by peer nodes into the local store so
// every node's consensus sees the full window. Local events echo back on the
// same key; Absorb drops them on the event id.
type Worker struct {
	Engine *Engine
	Bus    bus.Bus
}

// NewWorker builds a worker over the engine and bus.
func NewWorker(engine *Engine, b bus.Bus) *Worker {
	check.Assert(engine != nil, "scoring.NewWorker: engine must not be nil")
	check.Assert(b != nil, "scoring.NewWorker: bus must not be nil")
	return &Worker{Engine: engine, Bus: b}
}

// Run subscribes to the calculated-score key until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("score event worker starting", "key", bus.KeyScoreCalculated)
	return w.Bus.Subscribe(ctx, bus.KeyScoreCalculated, w.handle)
}

func (w *Worker) handle(ctx context.Context, env bus.Envelope) error {
	var event eventstore.ScoreEvent
	if err := json.Unmarshal(env.Body, &event); err != nil {
		// Undecodable payloads never become decodable; drop, don't requeue.
		return fault.Invalid("decode score event %s: %v", env.EventID, err)
	}
	return w.Engine.Absorb(ctx, event)
}
