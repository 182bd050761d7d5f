// Package consensus implements the windowed fan-in quorum shared by the
// sensor-value and score tiers. Both tiers feed the latest observation per
// node from a bounded look-back window into Reduce and persist the outcome;
// the tiers differ only in their agreement tolerance (relative 20% for
// sensor values, absolute 1 point for scores).
//
// The reduction is intentionally not a stream fold: windows are rebuilt from
// persisted state on every triggering event, which makes the pipeline
// tolerant of reordering and duplicate delivery.
package consensus

import (
	"math"
	"sort"
	"time"

	"vitalmesh/internal/check"
	"vitalmesh/internal/vitals"
)

const (
	// WindowBehind is how far the window reaches back from the triggering
	// observation's timestamp.
	WindowBehind = 30 * time.Second
	// WindowAhead is the grace for clock skew between edge nodes.
	WindowAhead = 5 * time.Second
	// AgreementSpan is the maximum spread of participating timestamps for
	// the majority/average paths; a wider spread falls back to latest.
	AgreementSpan = 5 * time.Second

	// SensorTolerance is the relative deviation bound for the sensor-value
	// average fallback.
	SensorTolerance = 0.20
	// ScoreTolerance is the absolute deviation bound for the score tier.
	ScoreTolerance = 1.0
)

// Observation is one node's contribution to a reduction.
type Observation struct {
	NodeID     string
	Value      float64
	ObservedAt time.Time
}

// Tolerance configures the average-fallback agreement check.
type Tolerance struct {
	// Bound is the maximum allowed deviation from the mean.
	Bound float64
	// Absolute selects |v-avg| <= Bound; otherwise |v-avg|/avg <= Bound.
	Absolute bool
}

// SensorValues is the tolerance used for raw sensor readings.
func SensorValues() Tolerance { return Tolerance{Bound: SensorTolerance} }

// Scores is the tolerance used for per-node NEWS2 totals.
func Scores() Tolerance { return Tolerance{Bound: ScoreTolerance, Absolute: true} }

// Outcome is the result of one reduction. Value is always set, even when
// Valid is false.
type Outcome struct {
	Value        float64
	At           time.Time
	Valid        bool
	Method       vitals.ConsensusMethod
	Participants []Observation
}

// Window returns the consensus window [at-WindowBehind, at+WindowAhead]
// around a triggering observation timestamp. Windows are computed from
// stored timestamps, never wall-clock.
func Window(at time.Time) (from, to time.Time) {
	return at.Add(-WindowBehind), at.Add(WindowAhead)
}

// LatestPerNode keeps only the most recent observation per node. The result
// is sorted by observation time ascending, node id breaking ties so the
// order is stable under reordered input.
func LatestPerNode(obs []Observation) []Observation {
	latest := make(map[string]Observation, len(obs))
	for _, o := range obs {
		if cur, ok := latest[o.NodeID]; !ok || o.ObservedAt.After(cur.ObservedAt) {
			latest[o.NodeID] = o
		}
	}
	out := make([]Observation, 0, len(latest))
	for _, o := range latest {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].ObservedAt.Before(out[j].ObservedAt)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Reduce runs the quorum algorithm over the latest-per-node observations.
//
//  1. One participant: its value, method single, valid.
//  2. Timestamp spread beyond AgreementSpan: the latest observation's value
//     and timestamp, method latest, valid. Stale points never form quorum.
//  3. A value held by more than half the participants: that value, method
//     majority, valid, timestamped at the latest observation within the
//     majority group.
//  4. Otherwise the mean: method average and valid when every value is
//     within tol of the mean, method none and invalid when not. The mean is
//     still reported for display; the valid flag keeps it out of
//     authoritative state.
func Reduce(obs []Observation, tol Tolerance) Outcome {
	check.Assert(len(obs) > 0, "consensus.Reduce: at least one observation required")

	participants := LatestPerNode(obs)
	if len(participants) == 1 {
		only := participants[0]
		return Outcome{
			Value:        only.Value,
			At:           only.ObservedAt,
			Valid:        true,
			Method:       vitals.MethodSingle,
			Participants: participants,
		}
	}

	newest := participants[len(participants)-1]
	oldest := participants[0]
	if newest.ObservedAt.Sub(oldest.ObservedAt) > AgreementSpan {
		return Outcome{
			Value:        newest.Value,
			At:           newest.ObservedAt,
			Valid:        true,
			Method:       vitals.MethodLatest,
			Participants: participants,
		}
	}

	if group, ok := majorityGroup(participants); ok {
		latestInGroup := group[0]
		for _, o := range group[1:] {
			if o.ObservedAt.After(latestInGroup.ObservedAt) {
				latestInGroup = o
			}
		}
		return Outcome{
			Value:        latestInGroup.Value,
			At:           latestInGroup.ObservedAt,
			Valid:        true,
			Method:       vitals.MethodMajority,
			Participants: participants,
		}
	}

	avg := mean(participants)
	outcome := Outcome{
		Value:        avg,
		At:           newest.ObservedAt,
		Participants: participants,
	}
	if withinTolerance(participants, avg, tol) {
		outcome.Valid = true
		outcome.Method = vitals.MethodAverage
	} else {
		outcome.Valid = false
		outcome.Method = vitals.MethodNone
	}
	return outcome
}

// majorityGroup finds the largest exact-value group and reports whether it
// holds a strict majority.
func majorityGroup(obs []Observation) ([]Observation, bool) {
	groups := make(map[float64][]Observation)
	for _, o := range obs {
		groups[o.Value] = append(groups[o.Value], o)
	}
	var best []Observation
	for _, g := range groups {
		if len(g) > len(best) {
			best = g
		}
	}
	if 2*len(best) > len(obs) {
		return best, true
	}
	return nil, false
}

func mean(obs []Observation) float64 {
	var sum float64
	for _, o := range obs {
		sum += o.Value
	}
	return sum / float64(len(obs))
}

func withinTolerance(obs []Observation, avg float64, tol Tolerance) bool {
	for _, o := range obs {
		dev := math.Abs(o.Value - avg)
		if tol.Absolute {
			if dev > tol.Bound {
				return false
			}
			continue
		}
		if avg == 0 {
			if dev != 0 {
				return false
			}
			continue
		}
		if dev/math.Abs(avg) > tol.Bound {
			return false
		}
	}
	return true
}
