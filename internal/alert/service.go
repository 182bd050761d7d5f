package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vitalmesh/internal/bus"
	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/fault"
	"vitalmesh/internal/vitals"
)

// SourceScoring marks alerts raised from score consensus records.
const SourceScoring = "ews-scoring"

// EscalationPriorityBump is added to the priority when an alert escalates,
// clamped to 100.
const EscalationPriorityBump = 10

// Dispatcher delivers one alert over one subscription channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Alert, sub Subscription, ch SubscriptionChannel) error
}

// Service owns alert creation and lifecycle.
type Service struct {
	Store      *Store
	Bus        bus.Bus
	Dispatcher Dispatcher
	Clock      vitals.Clock
}

// NewService wires a service over its collaborators. Bus and Dispatcher may
// be nil in partial deployments.
func NewService(store *Store, b bus.Bus, d Dispatcher, clock vitals.Clock) *Service {
	return &Service{Store: store, Bus: b, Dispatcher: d, Clock: clock}
}

// HandleConsensus classifies one score consensus and, when it crosses an
// alerting threshold, creates the alert, announces it on the bus, and fans
// it out to matching subscriptions. A consensus that was already alerted on
// is absorbed silently, so redelivery never pages twice.
func (s *Service) HandleConsensus(ctx context.Context, sc eventstore.ScoreConsensus) (*Alert, error) {
	if sc.ConsensusID == "" || sc.PatientID == "" {
		return nil, fault.Invalid("consensus requires consensusId and patientId")
	}

	typ, sev, ok := Classify(sc)
	if !ok {
		return nil, nil
	}

	ewsData, err := json.Marshal(sc)
	if err != nil {
		return nil, fault.Invalid("encode consensus payload: %v", err)
	}
	a := Alert{
		AlertID:       uuid.NewString(),
		PatientID:     sc.PatientID,
		SourceService: SourceScoring,
		Type:          typ,
		Severity:      sev,
		Priority:      Priority(sev, typ),
		Message:       Message(typ, sc),
		Score:         sc.ConsensusScore,
		ConsensusID:   sc.ConsensusID,
		ObservedAt:    sc.ConsensusAt,
		EWSData:       ewsData,
		Status:        StatusNew,
		CreatedAt:     s.Clock.Now(),
	}
	inserted, err := s.Store.InsertAlert(ctx, a)
	if err != nil {
		return nil, fault.Storage("create alert", err)
	}
	if !inserted {
		slog.Debug("alert already raised for consensus", "consensusId", sc.ConsensusID)
		return nil, nil
	}
	slog.Info("alert created",
		"alertId", a.AlertID,
		"patientId", a.PatientID,
		"type", a.Type,
		"priority", a.Priority)

	if s.Bus != nil {
		if err := s.Bus.Publish(ctx, bus.KeyAlertCreated, a.AlertID, a); err != nil {
			slog.Warn("publish alert failed", "alertId", a.AlertID, "error", err)
		}
	}
	s.notify(ctx, a)
	return &a, nil
}

// notify fans the alert out to every matching active subscription, one
// dispatch per enabled channel. Delivery failures are per-channel; one
// broken webhook never blocks the rest.
func (s *Service) notify(ctx context.Context, a Alert) {
	if s.Dispatcher == nil {
		return
	}
	subs, err := s.Store.ListSubscriptions(ctx, true)
	if err != nil {
		slog.Error("list subscriptions failed", "alertId", a.AlertID, "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.Matches(a) {
			continue
		}
		s.dispatch(ctx, a, sub)
	}
}

func (s *Service) dispatch(ctx context.Context, a Alert, sub Subscription) {
	for _, ch := range sub.Channels {
		if !ch.Enabled {
			continue
		}
		if err := s.Dispatcher.Dispatch(ctx, a, sub, ch); err != nil {
			slog.Error("alert dispatch failed",
				"alertId", a.AlertID,
				"subscriptionId", sub.SubscriptionID,
				"channel", ch.Kind,
				"error", err)
		}
	}
}

// CreateCommand raises an alert directly, bypassing consensus
// classification. Used for sensor-sourced alerts and operator-raised
// conditions.
type CreateCommand struct {
	PatientID     string
	SourceService string
	Type          Type
	Severity      Severity
	Message       string
	ObservedAt    time.Time
	SensorData    json.RawMessage
	EWSData       json.RawMessage
}

// Create validates and raises the alert, announces it, and notifies
// matching subscriptions.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (Alert, error) {
	if cmd.PatientID == "" {
		return Alert{}, fault.Invalid("patientId is required")
	}
	if cmd.SourceService == "" {
		return Alert{}, fault.Invalid("sourceService is required")
	}
	if !cmd.Type.Valid() {
		return Alert{}, fault.Invalid("unknown alert type %q", cmd.Type)
	}
	if !cmd.Severity.Valid() {
		return Alert{}, fault.Invalid("unknown severity %q", cmd.Severity)
	}
	if cmd.Message == "" {
		return Alert{}, fault.Invalid("message is required")
	}

	now := s.Clock.Now()
	observedAt := cmd.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}
	a := Alert{
		AlertID:       uuid.NewString(),
		PatientID:     cmd.PatientID,
		SourceService: cmd.SourceService,
		Type:          cmd.Type,
		Severity:      cmd.Severity,
		Priority:      Priority(cmd.Severity, cmd.Type),
		Message:       cmd.Message,
		ObservedAt:    observedAt,
		SensorData:    cmd.SensorData,
		EWSData:       cmd.EWSData,
		Status:        StatusNew,
		CreatedAt:     now,
	}
	if _, err := s.Store.InsertAlert(ctx, a); err != nil {
		return Alert{}, fault.Storage("create alert", err)
	}
	slog.Info("alert created",
		"alertId", a.AlertID,
		"patientId", a.PatientID,
		"type", a.Type,
		"priority", a.Priority)
	if s.Bus != nil {
		if err := s.Bus.Publish(ctx, bus.KeyAlertCreated, a.AlertID, a); err != nil {
			slog.Warn("publish alert failed", "alertId", a.AlertID, "error", err)
		}
	}
	s.notify(ctx, a)
	return a, nil
}

// Acknowledge moves an alert to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, alertID, by string) (Alert, error) {
	return s.lifecycle(ctx, alertID, StatusAcknowledged, func(a *Alert, now time.Time) {
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = by
	})
}

// Resolve moves an alert to RESOLVED, its terminal state.
func (s *Service) Resolve(ctx context.Context, alertID, by string) (Alert, error) {
	return s.lifecycle(ctx, alertID, StatusResolved, func(a *Alert, now time.Time) {
		a.ResolvedAt = &now
		a.ResolvedBy = by
	})
}

// Escalate moves an alert to ESCALATED, bumps its priority, and emits a
// fresh round of notifications to the escalation-tier subscriptions.
func (s *Service) Escalate(ctx context.Context, alertID string) (Alert, error) {
	a, err := s.lifecycle(ctx, alertID, StatusEscalated, func(a *Alert, now time.Time) {
		a.EscalatedAt = &now
		a.Priority += EscalationPriorityBump
		if a.Priority > 100 {
			a.Priority = 100
		}
	})
	if err != nil {
		return Alert{}, err
	}
	s.notifyEscalation(ctx, a)
	return a, nil
}

// notifyEscalation fans an escalated alert out to the escalation tier.
func (s *Service) notifyEscalation(ctx context.Context, a Alert) {
	if s.Dispatcher == nil {
		return
	}
	subs, err := s.Store.EscalationSubscriptions(ctx, a.PatientID)
	if err != nil {
		slog.Error("list escalation subscriptions failed", "alertId", a.AlertID, "error", err)
		return
	}
	for _, sub := range subs {
		s.dispatch(ctx, a, sub)
	}
}

func (s *Service) lifecycle(ctx context.Context, alertID string, next Status, apply func(a *Alert, now time.Time)) (Alert, error) {
	a, ok, err := s.Store.GetAlert(ctx, alertID)
	if err != nil {
		return Alert{}, fault.Storage("load alert", err)
	}
	if !ok {
		return Alert{}, fault.NotFound("alert %s not found", alertID)
	}
	if err := a.Status.Transition(next); err != nil {
		return Alert{}, err
	}
	a.Status = next
	apply(&a, s.Clock.Now())
	if err := s.Store.UpdateLifecycle(ctx, a); err != nil {
		return Alert{}, fault.Storage("update alert", err)
	}
	slog.Info("alert status changed", "alertId", a.AlertID, "status", a.Status)
	return a, nil
}
