// Package ntp watches the local clock offset against an NTP pool. Consensus
// windows are computed from stored timestamps, so skew never rejects a
// reading, but an edge node drifting past the window grace is worth
// surfacing on the health endpoint before its readings start falling back
// to the latest-value path.
package ntp

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"vitalmesh/internal/check"
	"vitalmesh/internal/vitals"
)

const (
	defaultPool     = "pool.ntp.org"
	defaultInterval = 60 * time.Second
	// defaultThreshold matches the consensus window grace: beyond this the
	// node's readings stop being treated as contemporaneous by peers.
	defaultThreshold = 5 * time.Second
)

// Phase is the checker's health state.
type Phase uint8

const (
	PhaseUnchecked Phase = iota + 1
	PhaseHealthy
	PhaseSkewed
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseUnchecked:
		return "unchecked"
	case PhaseHealthy:
		return "healthy"
	case PhaseSkewed:
		return "skewed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is one check result.
type Status struct {
	Offset    time.Duration `json:"offset"`
	Phase     Phase         `json:"-"`
	PhaseName string        `json:"phase"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Checker polls the pool on an interval and caches the last status.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     vitals.Clock

	// CheckFunc overrides the NTP query in tests.
	CheckFunc func() Status
}

// NewChecker builds a checker with the default pool and cadence.
func NewChecker(clock vitals.Clock) *Checker {
	check.Assert(clock != nil, "ntp.NewChecker: clock must not be nil")
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		status:    Status{Phase: PhaseUnchecked, PhaseName: PhaseUnchecked.String()},
		clock:     clock,
	}
}

// Run checks immediately and then on every interval tick until ctx is
// cancelled.
func (n *Checker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *Checker) check() {
	if n.CheckFunc != nil {
		n.mu.Lock()
		n.status = n.CheckFunc()
		n.status.PhaseName = n.status.Phase.String()
		n.mu.Unlock()
		return
	}

	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), Phase: PhaseError, PhaseName: PhaseError.String(), CheckedAt: now}
		return
	}

	phase := PhaseSkewed
	if resp.ClockOffset.Abs() < n.threshold {
		phase = PhaseHealthy
	}
	n.status = Status{Offset: resp.ClockOffset, Phase: phase, PhaseName: phase.String(), CheckedAt: now}
}

// Status returns the last check result.
func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
