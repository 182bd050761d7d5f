package alert

import (
	"fmt"

	"vitalmesh/internal/eventstore"
)

// Classify maps a score consensus to an alert type and severity. Scores
// below 3 with a valid consensus raise nothing; an invalid consensus always
// raises a data-inconsistency alert regardless of its displayed score,
// because nodes that disagree about a patient is itself a clinical signal.
func Classify(sc eventstore.ScoreConsensus) (Type, Severity, bool) {
	if !sc.Valid {
		return TypeDataInconsistency, SeverityMedium, true
	}
	switch {
	case sc.ConsensusScore >= 7:
		return TypeCritical, SeverityHigh, true
	case sc.ConsensusScore >= 5:
		return TypeUrgent, SeverityMedium, true
	case sc.ConsensusScore >= 3:
		return TypeElevated, SeverityLow, true
	}
	return "", "", false
}

// Severity base weights and per-type adjustments for the priority score.
const (
	basePriorityHigh    = 80
	basePriorityMedium  = 50
	basePriorityLow     = 30
	basePriorityDefault = 10
)

var typePriorityBonus = map[Type]int{
	TypeCritical:       20,
	TypeUrgent:         15,
	TypeElevated:       10,
	TypeSensorCritical: 18,
	TypeSensorWarning:  8,
}

// Priority computes the 1-100 dispatch priority from severity and type.
func Priority(sev Severity, t Type) int {
	base := basePriorityDefault
	switch sev {
	case SeverityHigh:
		base = basePriorityHigh
	case SeverityMedium:
		base = basePriorityMedium
	case SeverityLow:
		base = basePriorityLow
	}
	p := base + typePriorityBonus[t]
	if p > 100 {
		p = 100
	}
	if p < 1 {
		p = 1
	}
	return p
}

// Message renders the human-readable alert text.
func Message(t Type, sc eventstore.ScoreConsensus) string {
	switch t {
	case TypeCritical:
		return fmt.Sprintf("NEWS2 score %d for patient %s: urgent clinical review required", sc.ConsensusScore, sc.PatientID)
	case TypeUrgent:
		return fmt.Sprintf("NEWS2 score %d for patient %s: prompt clinical review required", sc.ConsensusScore, sc.PatientID)
	case TypeElevated:
		return fmt.Sprintf("NEWS2 score %d for patient %s: increased monitoring recommended", sc.ConsensusScore, sc.PatientID)
	case TypeDataInconsistency:
		return fmt.Sprintf("nodes disagree on NEWS2 score for patient %s (reported %d, method %s): verify sensors", sc.PatientID, sc.ConsensusScore, sc.Method)
	}
	return fmt.Sprintf("alert for patient %s", sc.PatientID)
}
