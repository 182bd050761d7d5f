// Package alert turns score consensus records into prioritized clinical
// alerts, tracks their acknowledgement lifecycle, and fans them out to
// subscribed notification targets.
package alert

import (
	"encoding/json"
	"time"

	"vitalmesh/internal/fault"
)

// Type names the clinical condition an alert reports.
type Type string

const (
	TypeCritical          Type = "EWS_CRITICAL"
	TypeUrgent            Type = "EWS_URGENT"
	TypeElevated          Type = "EWS_ELEVATED"
	TypeDataInconsistency Type = "EWS_DATA_INCONSISTENCY"
	TypeSensorCritical    Type = "SENSOR_CRITICAL"
	TypeSensorWarning     Type = "SENSOR_WARNING"
)

// Valid reports whether t is a recognised alert type.
func (t Type) Valid() bool {
	switch t {
	case TypeCritical, TypeUrgent, TypeElevated, TypeDataInconsistency, TypeSensorCritical, TypeSensorWarning:
		return true
	}
	return false
}

// Severity is the coarse urgency band.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Valid reports whether s is a recognised severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Status is the alert lifecycle state.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
	StatusEscalated    Status = "ESCALATED"
)

// Transition validates moving from s to next. Resolved is terminal;
// everything else may resolve, and escalated alerts may still be
// acknowledged.
func (s Status) Transition(next Status) error {
	allowed := map[Status][]Status{
		StatusNew:          {StatusAcknowledged, StatusResolved, StatusEscalated},
		StatusAcknowledged: {StatusResolved, StatusEscalated},
		StatusEscalated:    {StatusAcknowledged, StatusResolved},
		StatusResolved:     {},
	}
	for _, a := range allowed[s] {
		if a == next {
			return nil
		}
	}
	return fault.Transition("alert status cannot move from %s to %s", s, next)
}

// Alert is one prioritized clinical alert. ConsensusID ties it back to the
// score consensus that raised it and deduplicates redeliveries. SensorData
// and EWSData carry the payload that triggered the alert, opaque to the
// alert service itself.
type Alert struct {
	AlertID        string          `json:"alertId"`
	PatientID      string          `json:"patientId"`
	SourceService  string          `json:"sourceService"`
	Type           Type            `json:"alertType"`
	Severity       Severity        `json:"severity"`
	Priority       int             `json:"priority"`
	Message        string          `json:"message"`
	Score          int             `json:"score"`
	ConsensusID    string          `json:"consensusId,omitempty"`
	ObservedAt     time.Time       `json:"observedAt"`
	SensorData     json.RawMessage `json:"sensorData,omitempty"`
	EWSData        json.RawMessage `json:"ewsData,omitempty"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string          `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy     string          `json:"resolvedBy,omitempty"`
	EscalatedAt    *time.Time      `json:"escalatedAt,omitempty"`
}

// Channel is the delivery mechanism for a subscription channel entry.
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelWebhook Channel = "WEBHOOK"
	ChannelLog     Channel = "LOG"
)

// Valid reports whether c is a recognised channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook, ChannelLog:
		return true
	}
	return false
}

// SubscriberType is the tier of the subscribing party. Department
// subscriptions additionally serve as the escalation tier.
type SubscriberType string

const (
	SubscriberStaff      SubscriberType = "STAFF"
	SubscriberDepartment SubscriberType = "DEPARTMENT"
	SubscriberRelative   SubscriberType = "PATIENT_RELATIVE"
)

// Valid reports whether t is a recognised subscriber type.
func (t SubscriberType) Valid() bool {
	switch t {
	case SubscriberStaff, SubscriberDepartment, SubscriberRelative:
		return true
	}
	return false
}

// SubscriptionChannel is one delivery route of a subscription. Disabled
// channels are kept on the record but receive nothing.
type SubscriptionChannel struct {
	Kind    Channel `json:"kind"`
	Contact string  `json:"contact"`
	Enabled bool    `json:"enabled"`
}

// Subscription routes matching alerts to a subscriber's channels. An empty
// PatientID matches any patient; empty Types match every alert type.
type Subscription struct {
	SubscriptionID string                `json:"subscriptionId"`
	SubscriberType SubscriberType        `json:"subscriberType"`
	SubscriberID   string                `json:"subscriberId"`
	PatientID      string                `json:"patientId,omitempty"`
	Types          []Type                `json:"alertTypes,omitempty"`
	MinSeverity    Severity              `json:"minSeverity"`
	Channels       []SubscriptionChannel `json:"channels"`
	Active         bool                  `json:"active"`
	CreatedAt      time.Time             `json:"createdAt"`
}

// Validate checks the fields required before a subscription may be stored.
func (s Subscription) Validate() error {
	if !s.SubscriberType.Valid() {
		return fault.Invalid("unknown subscriberType %q", s.SubscriberType)
	}
	if s.SubscriberID == "" {
		return fault.Invalid("subscriberId is required")
	}
	if !s.MinSeverity.Valid() {
		return fault.Invalid("unknown minSeverity %q", s.MinSeverity)
	}
	if len(s.Channels) == 0 {
		return fault.Invalid("subscription requires at least one channel")
	}
	for _, ch := range s.Channels {
		if !ch.Kind.Valid() {
			return fault.Invalid("unknown channel %q", ch.Kind)
		}
		if ch.Kind != ChannelLog && ch.Contact == "" {
			return fault.Invalid("contact is required for channel %s", ch.Kind)
		}
	}
	for _, t := range s.Types {
		if !t.Valid() {
			return fault.Invalid("unknown alert type %q", t)
		}
	}
	return nil
}

// Matches reports whether the subscription wants the alert: it must be
// active, scoped to the alert's patient or global, pass the severity floor,
// and accept the alert type.
func (s Subscription) Matches(a Alert) bool {
	if !s.Active {
		return false
	}
	if s.PatientID != "" && s.PatientID != a.PatientID {
		return false
	}
	if !severityMatches(a.Severity, s.MinSeverity) {
		return false
	}
	if len(s.Types) > 0 && !containsType(s.Types, a.Type) {
		return false
	}
	return true
}

// severityMatches applies the severity floor: HIGH alerts reach everyone,
// MEDIUM alerts skip HIGH-only subscribers, LOW alerts reach only
// LOW-threshold subscribers.
func severityMatches(alertSev, min Severity) bool {
	switch alertSev {
	case SeverityHigh:
		return true
	case SeverityMedium:
		return min == SeverityMedium || min == SeverityLow
	case SeverityLow:
		return min == SeverityLow
	}
	return false
}

func containsType(ts []Type, t Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}
