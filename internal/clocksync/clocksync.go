// Package clocksync gates timestamped publishing on a plausible wall
// clock. Boards without a battery-backed RTC boot at the epoch; the
// [Gate] polls a time [Source] until its year is at least
// [MinValidYear] or a bounded number of attempts is used up. Giving up
// is not fatal: callers continue with whatever the clock says.
package clocksync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MinValidYear is the first year accepted as a synchronized clock.
const MinValidYear = 2020

// Defaults for [Gate.AwaitSynced].
const (
	DefaultMaxAttempts = 10
	DefaultInterval    = 2 * time.Second
)

// State is the clock synchronization state.
type State int

// Clock states. Synced and SyncAbandoned are terminal.
const (
	Unsynced State = iota
	Synced
	SyncAbandoned
)

func (s State) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Synced:
		return "synced"
	case SyncAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Synced || s == SyncAbandoned
}

// Next is the pure transition function: given the state before the
// attempt-th poll (1-based) and the time that poll observed, it
// returns the state after it.
func Next(s State, attempt, maxAttempts int, now time.Time) State {
	if s.Terminal() {
		return s
	}
	if now.Year() >= MinValidYear {
		return Synced
	}
	if attempt >= maxAttempts {
		return SyncAbandoned
	}
	return Unsynced
}

// Source supplies wall-clock time.
type Source interface {
	// Start begins synchronization. It must not block for long.
	Start(ctx context.Context) error
	// Now returns the source's current best estimate of the time.
	Now() time.Time
}

// SourceFunc adapts a clock function to a [Source] with nothing to
// start.
type SourceFunc func() time.Time

// Start is a no-op.
func (f SourceFunc) Start(context.Context) error { return nil }

// Now calls f.
func (f SourceFunc) Now() time.Time { return f() }

// SystemSource trusts the operating system clock, which is expected to
// be disciplined by an external daemon such as systemd-timesyncd.
var SystemSource Source = SourceFunc(time.Now)

// Gate tracks whether the clock has been accepted.
type Gate struct {
	src    Source
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
}

// NewGate creates an Unsynced gate over src. It panics if src is nil.
func NewGate(src Source, logger *slog.Logger) *Gate {
	if src == nil {
		panic("clocksync: NewGate source must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{src: src, logger: logger}
}

// Start starts the underlying source.
func (g *Gate) Start(ctx context.Context) error {
	return g.src.Start(ctx)
}

// AwaitSynced polls the source up to maxAttempts times, interval
// apart, and returns Synced as soon as the year is plausible or
// SyncAbandoned once every attempt has failed. It returns Unsynced
// with ctx's error if ctx ends first. Non-positive arguments fall back
// to [DefaultMaxAttempts] and [DefaultInterval].
func (g *Gate) AwaitSynced(ctx context.Context, maxAttempts int, interval time.Duration) (State, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	if st := g.State(); st.Terminal() {
		return st, nil
	}

	for attempt := 1; ; attempt++ {
		now := g.src.Now()

		g.mu.Lock()
		g.attempts = attempt
		g.state = Next(g.state, attempt, maxAttempts, now)
		st := g.state
		g.mu.Unlock()

		switch st {
		case Synced:
			g.logger.Info("clock synchronized",
				"time", now.Format(time.RFC3339),
				"attempts", attempt,
			)
			return st, nil
		case SyncAbandoned:
			g.logger.Warn("clock not synchronized, publishing unsynchronized timestamps",
				"time", now.Format(time.RFC3339),
				"attempts", attempt,
			)
			return st, nil
		}

		g.logger.Debug("waiting for clock sync",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"year", now.Year(),
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Unsynced, ctx.Err()
		case <-timer.C:
		}
	}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Attempts returns how many polls the last AwaitSynced made.
func (g *Gate) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// Now returns the source's time.
func (g *Gate) Now() time.Time {
	return g.src.Now()
}
