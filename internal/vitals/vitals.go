// Package vitals holds the domain types shared across the pipeline:
// sensor readings as reported by edge nodes, the per-sensor consensus
// record, and the assembled vital-sign vector that feeds scoring.
package vitals

import (
	"time"

	"vitalmesh/internal/fault"
)

// SensorType identifies one of the six monitored vital-sign sources.
type SensorType string

const (
	SensorRespRate      SensorType = "respRate"
	SensorSpO2          SensorType = "spo2"
	SensorTemperature   SensorType = "temperature"
	SensorBPSystolic    SensorType = "bpSystolic"
	SensorHeartRate     SensorType = "heartRate"
	SensorConsciousness SensorType = "consciousness"
)

// SensorTypes lists every recognised sensor type, in scoring order.
var SensorTypes = []SensorType{
	SensorRespRate,
	SensorSpO2,
	SensorTemperature,
	SensorBPSystolic,
	SensorHeartRate,
	SensorConsciousness,
}

// Valid reports whether t is a recognised sensor type.
func (t SensorType) Valid() bool {
	switch t {
	case SensorRespRate, SensorSpO2, SensorTemperature, SensorBPSystolic, SensorHeartRate, SensorConsciousness:
		return true
	}
	return false
}

// VitalName returns the vital-sign field name the sensor type feeds.
func (t SensorType) VitalName() string {
	switch t {
	case SensorRespRate:
		return "respiratoryRate"
	case SensorSpO2:
		return "oxygenSaturation"
	case SensorBPSystolic:
		return "systolicBP"
	default:
		return string(t)
	}
}

// AVPU is the consciousness scale: Alert, responds to Voice, responds to
// Pain, Unresponsive.
type AVPU string

const (
	ConsciousnessAlert        AVPU = "Alert"
	ConsciousnessVoice        AVPU = "Voice"
	ConsciousnessPain         AVPU = "Pain"
	ConsciousnessUnresponsive AVPU = "Unresponsive"
)

// Valid reports whether a is a recognised AVPU level.
func (a AVPU) Valid() bool {
	switch a {
	case ConsciousnessAlert, ConsciousnessVoice, ConsciousnessPain, ConsciousnessUnresponsive:
		return true
	}
	return false
}

// AVPUFromCode maps the wire encoding (0-3) to the AVPU scale.
func AVPUFromCode(code int) (AVPU, error) {
	switch code {
	case 0:
		return ConsciousnessAlert, nil
	case 1:
		return ConsciousnessVoice, nil
	case 2:
		return ConsciousnessPain, nil
	case 3:
		return ConsciousnessUnresponsive, nil
	}
	return "", fault.Invalid("consciousness code %d out of range 0-3", code)
}

// Code returns the wire encoding of the AVPU level.
func (a AVPU) Code() int {
	switch a {
	case ConsciousnessVoice:
		return 1
	case ConsciousnessPain:
		return 2
	case ConsciousnessUnresponsive:
		return 3
	default:
		return 0
	}
}

// SensorReading is one observation from one edge node. Immutable once
// created.
type SensorReading struct {
	PatientID  string            `json:"patientId"`
	SensorType SensorType        `json:"sensorType"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	ObservedAt time.Time         `json:"timestamp"`
	NodeID     string            `json:"nodeId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields required before a reading may enter the
// pipeline.
func (r SensorReading) Validate() error {
	if r.PatientID == "" {
		return fault.Invalid("patientId is required")
	}
	if r.SensorType == "" {
		return fault.Invalid("sensorType is required")
	}
	if !r.SensorType.Valid() {
		return fault.Invalid("unknown sensorType %q", r.SensorType)
	}
	if r.ObservedAt.IsZero() {
		return fault.Invalid("timestamp is required")
	}
	if r.NodeID == "" {
		return fault.Invalid("nodeId is required")
	}
	if r.SensorType == SensorConsciousness {
		if _, err := AVPUFromCode(int(r.Value)); err != nil {
			return err
		}
	}
	return nil
}

// Participant records one node's contribution to a consensus.
type Participant struct {
	NodeID     string    `json:"nodeId"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observedAt"`
}

// ConsensusMethod names how a consensus value was derived. MethodNone is
// explicitly representable: it marks a failed quorum, not a missing record.
type ConsensusMethod string

const (
	MethodSingle   ConsensusMethod = "single"
	MethodMajority ConsensusMethod = "majority"
	MethodAverage  ConsensusMethod = "average"
	MethodLatest   ConsensusMethod = "latest"
	MethodNone     ConsensusMethod = "none"
)

// SensorConsensus is the agreed value for one (patient, sensorType) over a
// window. ConsensusValue is always set, even when Valid is false; downstream
// decides whether to use it.
type SensorConsensus struct {
	ID             string          `json:"id"`
	PatientID      string          `json:"patientId"`
	SensorType     SensorType      `json:"sensorType"`
	Participants   []Participant   `json:"participatingReadings"`
	ConsensusValue float64         `json:"consensusValue"`
	ConsensusAt    time.Time       `json:"consensusAt"`
	Valid          bool            `json:"valid"`
	Method         ConsensusMethod `json:"method"`
}

// VitalSigns is the full six-vital vector required for a NEWS2 calculation.
type VitalSigns struct {
	RespiratoryRate  float64 `json:"respiratoryRate"`
	OxygenSaturation float64 `json:"oxygenSaturation"`
	Temperature      float64 `json:"temperature"`
	SystolicBP       float64 `json:"systolicBP"`
	HeartRate        float64 `json:"heartRate"`
	Consciousness    AVPU    `json:"consciousness"`
}

// Validate checks presence of every vital and a recognised consciousness
// level. Zero is a legal measurement for none of the numeric vitals, so a
// zero field means the vital is missing.
func (v VitalSigns) Validate() error {
	if v.RespiratoryRate == 0 {
		return fault.Invalid("respiratoryRate is required")
	}
	if v.OxygenSaturation == 0 {
		return fault.Invalid("oxygenSaturation is required")
	}
	if v.Temperature == 0 {
		return fault.Invalid("temperature is required")
	}
	if v.SystolicBP == 0 {
		return fault.Invalid("systolicBP is required")
	}
	if v.HeartRate == 0 {
		return fault.Invalid("heartRate is required")
	}
	if v.Consciousness == "" {
		return fault.Invalid("consciousness is required")
	}
	if !v.Consciousness.Valid() {
		return fault.Invalid("unknown consciousness level %q", v.Consciousness)
	}
	return nil
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock implementation of Clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }
