// Package news2 computes the National Early Warning Score 2 from a full
// vital-sign vector. Scoring is pure and deterministic; the banding table is
// the published NEWS2 chart and is not configurable.
package news2

import (
	"math"

	"vitalmesh/internal/fault"
	"vitalmesh/internal/vitals"
)

// Risk is the categorical clinical risk derived from the total score.
type Risk string

const (
	RiskLow       Risk = "Low"
	RiskLowMedium Risk = "Low-Medium"
	RiskMedium    Risk = "Medium"
	RiskHigh      Risk = "High"
)

// RiskForScore maps a total score to its clinical risk band.
func RiskForScore(total int) Risk {
	switch {
	case total >= 7:
		return RiskHigh
	case total >= 5:
		return RiskMedium
	case total >= 1:
		return RiskLowMedium
	default:
		return RiskLow
	}
}

// Components holds the per-vital integer scores.
type Components struct {
	RespiratoryRate  int `json:"respiratoryRate"`
	OxygenSaturation int `json:"oxygenSaturation"`
	Temperature      int `json:"temperature"`
	SystolicBP       int `json:"systolicBP"`
	HeartRate        int `json:"heartRate"`
	Consciousness    int `json:"consciousness"`
}

// Result is the outcome of one NEWS2 calculation.
type Result struct {
	Components Components `json:"scoreComponents"`
	Total      int        `json:"totalScore"`
	Risk       Risk       `json:"clinicalRisk"`
}

// Plausibility bounds. Values outside these are sensor faults or encoding
// mistakes, not extreme physiology, and must not be scored.
const (
	minRespRate = 1
	maxRespRate = 80
	maxSpO2     = 100
	minTemp     = 25.0
	maxTemp     = 45.0
	minBP       = 1
	maxBP       = 300
	minHR       = 1
	maxHR       = 300
)

// Score computes the NEWS2 result for v. It returns a validation error when
// a vital is missing, the consciousness level is unrecognised, or a value
// falls outside every band; out-of-band values are never silently scored 0.
func Score(v vitals.VitalSigns) (Result, error) {
	if err := v.Validate(); err != nil {
		return Result{}, err
	}

	var c Components
	var err error
	if c.RespiratoryRate, err = scoreRespRate(v.RespiratoryRate); err != nil {
		return Result{}, err
	}
	if c.OxygenSaturation, err = scoreSpO2(v.OxygenSaturation); err != nil {
		return Result{}, err
	}
	if c.Temperature, err = scoreTemperature(v.Temperature); err != nil {
		return Result{}, err
	}
	if c.SystolicBP, err = scoreSystolicBP(v.SystolicBP); err != nil {
		return Result{}, err
	}
	if c.HeartRate, err = scoreHeartRate(v.HeartRate); err != nil {
		return Result{}, err
	}
	if c.Consciousness, err = scoreConsciousness(v.Consciousness); err != nil {
		return Result{}, err
	}

	total := c.RespiratoryRate + c.OxygenSaturation + c.Temperature +
		c.SystolicBP + c.HeartRate + c.Consciousness
	return Result{Components: c, Total: total, Risk: RiskForScore(total)}, nil
}

func scoreRespRate(v float64) (int, error) {
	if !plausible(v, minRespRate, maxRespRate) {
		return 0, fault.Invalid("respiratoryRate %.1f outside every band", v)
	}
	switch {
	case v <= 8:
		return 3, nil
	case v <= 11:
		return 1, nil
	case v <= 20:
		return 0, nil
	case v <= 24:
		return 2, nil
	default:
		return 3, nil
	}
}

func scoreSpO2(v float64) (int, error) {
	if !plausible(v, 1, maxSpO2) {
		return 0, fault.Invalid("oxygenSaturation %.1f outside every band", v)
	}
	switch {
	case v <= 91:
		return 3, nil
	case v <= 93:
		return 2, nil
	case v <= 95:
		return 1, nil
	default:
		return 0, nil
	}
}

// Temperature bands are inclusive on both ends; readings between bands
// (e.g. 35.05) indicate a sensor reporting beyond clinical precision and
// are rejected rather than rounded.
func scoreTemperature(v float64) (int, error) {
	if !plausible(v, minTemp, maxTemp) {
		return 0, fault.Invalid("temperature %.2f outside every band", v)
	}
	switch {
	case v <= 35.0:
		return 3, nil
	case inBand(v, 35.1, 36.0):
		return 1, nil
	case inBand(v, 36.1, 38.0):
		return 0, nil
	case inBand(v, 38.1, 39.0):
		return 1, nil
	case v >= 39.1:
		return 2, nil
	default:
		return 0, fault.Invalid("temperature %.2f outside every band", v)
	}
}

func scoreSystolicBP(v float64) (int, error) {
	if !plausible(v, minBP, maxBP) {
		return 0, fault.Invalid("systolicBP %.1f outside every band", v)
	}
	switch {
	case v <= 90:
		return 3, nil
	case v <= 100:
		return 2, nil
	case v <= 110:
		return 1, nil
	case v <= 219:
		return 0, nil
	default:
		return 3, nil
	}
}

func scoreHeartRate(v float64) (int, error) {
	if !plausible(v, minHR, maxHR) {
		return 0, fault.Invalid("heartRate %.1f outside every band", v)
	}
	switch {
	case v <= 40:
		return 3, nil
	case v <= 50:
		return 1, nil
	case v <= 90:
		return 0, nil
	case v <= 110:
		return 1, nil
	case v <= 130:
		return 2, nil
	default:
		return 3, nil
	}
}

func scoreConsciousness(a vitals.AVPU) (int, error) {
	switch a {
	case vitals.ConsciousnessAlert:
		return 0, nil
	case vitals.ConsciousnessVoice, vitals.ConsciousnessPain, vitals.ConsciousnessUnresponsive:
		return 3, nil
	}
	return 0, fault.Invalid("unknown consciousness level %q", a)
}

func plausible(v, lo, hi float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= lo && v <= hi
}

// inBand reports lo <= v <= hi with a half-ulp of slack so one-decimal
// clinical values survive float representation.
func inBand(v, lo, hi float64) bool {
	const eps = 1e-9
	return v >= lo-eps && v <= hi+eps
}
