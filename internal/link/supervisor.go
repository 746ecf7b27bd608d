package link

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Driver brings the physical link up. Connect issues one connection
// attempt; the outcome is reported back later as an event.
type Driver interface {
	Connect(ctx context.Context) error
}

// Supervisor owns the link [State] and drives reconnects.
type Supervisor struct {
	driver Driver
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	reconnects int
	since      time.Time

	readyOnce sync.Once
	ready     chan struct{}
}

// NewSupervisor creates a supervisor in the Disconnected state. It
// panics if driver is nil.
func NewSupervisor(driver Driver, logger *slog.Logger) *Supervisor {
	if driver == nil {
		panic("link: NewSupervisor driver must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		driver: driver,
		logger: logger,
		state:  Disconnected,
		since:  time.Now(),
		ready:  make(chan struct{}),
	}
}

// Connect requests link bring-up.
func (s *Supervisor) Connect(ctx context.Context) {
	s.HandleEvent(ctx, EventStart)
}

// HandleEvent applies a driver event and runs the resulting action.
// The connect action runs synchronously on the caller's goroutine.
func (s *Supervisor) HandleEvent(ctx context.Context, ev Event) {
	s.mu.Lock()
	prev := s.state
	next, action := Next(prev, ev)
	s.state = next
	if prev != next {
		s.since = time.Now()
	}
	if ev == EventDisconnected {
		s.reconnects++
	}
	attempt := s.reconnects
	s.mu.Unlock()

	if prev != next {
		s.logger.Info("link state changed",
			"from", prev.String(),
			"to", next.String(),
			"event", ev.String(),
		)
	}

	switch action {
	case ActionConnect:
		if ev == EventDisconnected {
			s.logger.Info("link down, reconnecting", "attempt", attempt)
		}
		if err := s.driver.Connect(ctx); err != nil {
			s.logger.Warn("link connect attempt failed", "error", err)
		}
	case ActionReady:
		s.readyOnce.Do(func() {
			s.logger.Info("link ready")
			close(s.ready)
		})
	}
}

// Ready returns a channel that is closed the first time the link
// reaches Connected. It is never re-armed.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// AwaitReady blocks until the link has been Connected at least once,
// the timeout elapses, or ctx is done. A timeout <= 0 waits without
// limit. It reports whether the link became ready.
func (s *Supervisor) AwaitReady(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-s.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

// State returns the current link state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Since returns when the current state was entered.
func (s *Supervisor) Since() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}

// Reconnects returns how many disconnect events have been answered
// with a connect attempt.
func (s *Supervisor) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}
