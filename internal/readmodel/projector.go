package readmodel

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/fault"
)

// Projector folds score consensus records into the read model. Applications
// are serialized per patient; records for different patients proceed
// concurrently.
type Projector struct {
	Store *Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProjector builds a projector over the given store.
func NewProjector(store *Store) *Projector {
	return &Projector{Store: store, locks: make(map[string]*sync.Mutex)}
}

func (p *Projector) patientLock(patientID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[patientID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[patientID] = l
	}
	return l
}

// Apply folds one consensus into the patient's record.
//
// Every application appends to the score history. The headline fields
// (current score, risk, last updated) only move forward: a consensus older
// than the record's last update enriches history without rolling the
// headline back. Vital signs and components are taken from the consensus
// participants only when the consensus is valid; an invalid consensus
// surfaces its score for display but never overwrites the last trusted
// vitals.
func (p *Projector) Apply(ctx context.Context, sc eventstore.ScoreConsensus) error {
	if sc.ConsensusID == "" || sc.PatientID == "" {
		return fault.Invalid("consensus requires consensusId and patientId")
	}

	lock := p.patientLock(sc.PatientID)
	lock.Lock()
	defer lock.Unlock()

	applied, err := p.Store.Apply(ctx, sc.ConsensusID, sc.PatientID, func(m *PatientReadModel, exists bool) error {
		m.History = append(m.History, HistoryEntry{
			Timestamp:    sc.ConsensusAt,
			Score:        sc.ConsensusScore,
			ClinicalRisk: sc.ClinicalRisk,
		})
		sort.Slice(m.History, func(i, j int) bool {
			return m.History[i].Timestamp.Before(m.History[j].Timestamp)
		})
		if len(m.History) > MaxHistory {
			m.History = m.History[len(m.History)-MaxHistory:]
		}

		if exists && sc.ConsensusAt.Before(m.LastUpdated) {
			return nil
		}

		m.CurrentScore = sc.ConsensusScore
		m.ClinicalRisk = sc.ClinicalRisk
		m.LastUpdated = sc.ConsensusAt

		if sc.Valid {
			if e, ok := authoritativeEvent(sc); ok {
				v := e.VitalSigns
				c := e.Components
				m.VitalSigns = &v
				m.Components = &c
			}
		}
		return nil
	})
	if err != nil {
		return fault.Storage("apply consensus to read model", err)
	}
	if !applied {
		slog.Debug("consensus already applied to read model",
			"consensusId", sc.ConsensusID,
			"patientId", sc.PatientID)
	}
	return nil
}

// authoritativeEvent picks the participant whose snapshot backs the read
// model's vitals: the first event whose total matches the consensus score,
// falling back to the earliest participant when the consensus value is an
// average no single node produced.
func authoritativeEvent(sc eventstore.ScoreConsensus) (eventstore.ScoreEvent, bool) {
	if len(sc.NodeScores) == 0 {
		return eventstore.ScoreEvent{}, false
	}
	for _, e := range sc.NodeScores {
		if e.TotalScore == sc.ConsensusScore {
			return e, true
		}
	}
	earliest := sc.NodeScores[0]
	for _, e := range sc.NodeScores[1:] {
		if e.ObservedAt.Before(earliest.ObservedAt) {
			earliest = e
		}
	}
	return earliest, true
}
