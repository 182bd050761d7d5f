// Package ingest collects per-node sensor readings, forms per-sensor
// consensus over short look-back windows, and triggers NEWS2 scoring when a
// patient's vital-sign vector becomes complete.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vitalmesh/internal/check"
	"vitalmesh/internal/consensus"
	"vitalmesh/internal/fault"
	"vitalmesh/internal/vitals"
)

// ScoreRequest is the command sent downstream when a patient's vital vector
// completes.
type ScoreRequest struct {
	PatientID  string            `json:"patientId"`
	NodeID     string            `json:"nodeId"`
	VitalSigns vitals.VitalSigns `json:"vitalSigns"`
	ObservedAt time.Time         `json:"timestamp"`
}

// ScoreRequester triggers a NEWS2 calculation on the scoring service.
type ScoreRequester interface {
	RequestScore(ctx context.Context, req ScoreRequest) error
}

// Engine is the sensor-value consensus engine. Every fresh reading is
// persisted, then a consensus is reduced over the look-back window of
// readings for the same (patient, sensorType) and persisted in turn. When
// the new consensus is valid and the patient's vital vector is complete,
// scoring is triggered downstream.
type Engine struct {
	Store  *Store
	Scorer ScoreRequester // injected: downstream scoring trigger
	Clock  vitals.Clock
}

func (e *Engine) clock() vitals.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return vitals.RealClock{}
}

// Ingest runs the full per-reading pipeline. A storage failure on the
// consensus record aborts before any downstream effect; the reading itself
// stays persisted and is reconsidered when the next reading arrives.
func (e *Engine) Ingest(ctx context.Context, r vitals.SensorReading) (vitals.SensorConsensus, error) {
	check.Assert(e.Store != nil, "ingest.Engine: Store must not be nil")

	if err := r.Validate(); err != nil {
		return vitals.SensorConsensus{}, err
	}
	if err := e.Store.InsertReading(ctx, r); err != nil {
		return vitals.SensorConsensus{}, fault.Storage("persist reading", err)
	}

	cons, err := e.formConsensus(ctx, r)
	if err != nil {
		return vitals.SensorConsensus{}, err
	}

	if cons.Valid {
		e.maybeTriggerScoring(ctx, r)
	}
	return cons, nil
}

func (e *Engine) formConsensus(ctx context.Context, r vitals.SensorReading) (vitals.SensorConsensus, error) {
	from, to := consensus.Window(r.ObservedAt)
	window, err := e.Store.ReadingsInWindow(ctx, r.PatientID, r.SensorType, from, to)
	if err != nil {
		return vitals.SensorConsensus{}, fault.Storage("load consensus window", err)
	}

	obs := make([]consensus.Observation, 0, len(window))
	for _, w := range window {
		obs = append(obs, consensus.Observation{NodeID: w.NodeID, Value: w.Value, ObservedAt: w.ObservedAt})
	}
	if len(obs) == 0 {
		// The reading we just inserted must be in its own window.
		obs = append(obs, consensus.Observation{NodeID: r.NodeID, Value: r.Value, ObservedAt: r.ObservedAt})
	}

	outcome := consensus.Reduce(obs, consensus.SensorValues())
	cons := vitals.SensorConsensus{
		ID:             uuid.NewString(),
		PatientID:      r.PatientID,
		SensorType:     r.SensorType,
		Participants:   toParticipants(outcome.Participants),
		ConsensusValue: outcome.Value,
		ConsensusAt:    outcome.At,
		Valid:          outcome.Valid,
		Method:         outcome.Method,
	}
	if err := e.Store.InsertConsensus(ctx, cons); err != nil {
		return vitals.SensorConsensus{}, fault.Storage("persist sensor consensus", err)
	}
	slog.Debug("sensor consensus formed",
		"patient", cons.PatientID,
		"sensor", cons.SensorType,
		"method", cons.Method,
		"valid", cons.Valid,
		"participants", len(cons.Participants),
	)
	return cons, nil
}

// maybeTriggerScoring checks vital completeness and fires the downstream
// calculation. Trigger failures are logged, not surfaced: the pipeline is
// self-healing because the next reading retries.
func (e *Engine) maybeTriggerScoring(ctx context.Context, r vitals.SensorReading) {
	if e.Scorer == nil {
		return
	}
	detector := Completeness{Store: e.Store, Clock: e.clock()}
	vs, at, complete, err := detector.Assemble(ctx, r.PatientID)
	if err != nil {
		slog.Warn("vital completeness check failed", "patient", r.PatientID, "err", err)
		return
	}
	if !complete {
		return
	}
	req := ScoreRequest{PatientID: r.PatientID, NodeID: r.NodeID, VitalSigns: vs, ObservedAt: at}
	if err := e.Scorer.RequestScore(ctx, req); err != nil {
		slog.Warn("scoring trigger failed", "patient", r.PatientID, "node", r.NodeID, "err", err)
	}
}

func toParticipants(obs []consensus.Observation) []vitals.Participant {
	out := make([]vitals.Participant, len(obs))
	for i, o := range obs {
		out[i] = vitals.Participant{NodeID: o.NodeID, Value: o.Value, ObservedAt: o.ObservedAt}
	}
	return out
}
