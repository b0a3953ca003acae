package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSinkUnavailable is returned by a guarded sink while its breaker is open.
var ErrSinkUnavailable = errors.New("archive: sink unavailable")

// breakerState is the operating mode of a [GuardedSink].
type breakerState int

const (
	// stateClosed forwards every call.
	stateClosed breakerState = iota
	// stateOpen rejects calls until the cooldown has passed.
	stateOpen
	// stateHalfOpen lets a single trial call through.
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GuardConfig tunes [Guard].
type GuardConfig struct {
	// MaxFailures is the number of consecutive failed stores that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before a trial call is allowed.
	// Default: 1m.
	Cooldown time.Duration

	// Now replaces the time source. Intended for tests.
	Now func() time.Time
}

// GuardedSink forwards to an inner [Sink] through a three-state circuit
// breaker: closed, then open after MaxFailures consecutive errors, then
// half-open once Cooldown has passed, where one trial call decides whether to
// close again or re-open. It is safe for concurrent use.
type GuardedSink struct {
	inner       Sink
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
	trialActive bool
}

var _ Sink = (*GuardedSink)(nil)

// Guard wraps inner with a circuit breaker.
func Guard(inner Sink, cfg GuardConfig) *GuardedSink {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GuardedSink{
		inner:       inner,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
	}
}

// Store forwards t to the inner sink unless the breaker is open.
func (g *GuardedSink) Store(ctx context.Context, t Transcript) error {
	trial, err := g.admit()
	if err != nil {
		return err
	}

	err = g.inner.Store(ctx, t)

	g.mu.Lock()
	defer g.mu.Unlock()
	if trial {
		g.trialActive = false
	}
	if err != nil {
		g.recordFailureLocked(trial)
		return err
	}
	if g.state != stateClosed {
		slog.Info("archive: sink recovered, breaker closed")
	}
	g.state = stateClosed
	g.failures = 0
	return nil
}

// admit decides whether a call may proceed and whether it is the half-open
// trial.
func (g *GuardedSink) admit() (trial bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case stateOpen:
		if g.now().Sub(g.openedAt) < g.cooldown {
			return false, ErrSinkUnavailable
		}
		g.state = stateHalfOpen
		fallthrough
	case stateHalfOpen:
		if g.trialActive {
			return false, ErrSinkUnavailable
		}
		g.trialActive = true
		return true, nil
	}
	return false, nil
}

// recordFailureLocked must be called with g.mu held.
func (g *GuardedSink) recordFailureLocked(trial bool) {
	g.failures++
	if trial || g.failures >= g.maxFailures {
		if g.state != stateOpen {
			slog.Warn("archive: sink failing, breaker opened",
				"consecutive_failures", g.failures, "cooldown", g.cooldown)
		}
		g.state = stateOpen
		g.openedAt = g.now()
	}
}

// State reports the breaker state as "closed", "open" or "half-open".
func (g *GuardedSink) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateOpen && g.now().Sub(g.openedAt) >= g.cooldown {
		return stateHalfOpen.String()
	}
	return g.state.String()
}

// Recent forwards to the inner sink when it implements [Lister].
func (g *GuardedSink) Recent(ctx context.Context, limit int) ([]Transcript, error) {
	l, ok := g.inner.(Lister)
	if !ok {
		return nil, errors.New("archive: sink does not support listing")
	}
	return l.Recent(ctx, limit)
}
