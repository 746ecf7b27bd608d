package link

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the link can carry traffic. Return nil if
// it can.
type ProbeFunc func(ctx context.Context) error

// EventSink receives the events a [Watcher] derives from its probes.
// [Supervisor] satisfies it.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event)
}

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the second startup probe (default: 1s).
	InitialDelay time.Duration

	// MaxDelay caps startup backoff growth (default: 16s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each startup probe (default: 2.0).
	Multiplier float64

	// MaxRetries is how many startup probes run before the first
	// connect attempt is declared failed (default: 8).
	MaxRetries int

	// PollInterval is the steady-state probe interval (default: 5s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 2s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 1s, 2s, 4s, 8s, 16s (capped) startup
// probes, eight of them, then 5-second polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     16 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   8,
		PollInterval: 5 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

// withDefaults replaces zero-value fields.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a [Watcher].
type WatcherConfig struct {
	// Name identifies the link in logs (e.g., "wlan0").
	Name string

	// Probe checks the link. Must be safe for concurrent use.
	Probe ProbeFunc

	// Sink receives derived events.
	Sink EventSink

	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Watcher polls a link probe and reports transitions to its sink:
//  1. Startup: probes with exponential backoff while the initial
//     connect attempt completes. Success raises EventAddressAcquired;
//     exhausting the retries raises EventDisconnected.
//  2. Background: a probe that starts failing raises
//     EventDisconnected, and so does every poll that finds the link
//     still down, so each failed reconnect is followed by another.
//     A probe that recovers raises EventAddressAcquired.
type Watcher struct {
	config WatcherConfig
	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher goroutine that runs until ctx is cancelled or
// Stop is called. It panics if Probe or Sink is nil.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Probe == nil {
		panic("link: WatcherConfig.Probe must not be nil")
	}
	if cfg.Sink == nil {
		panic("link: WatcherConfig.Sink must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "link"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsUp reports whether the last probe succeeded.
func (w *Watcher) IsUp() bool {
	return w.up.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// LastCheck returns when the link was last probed.
func (w *Watcher) LastCheck() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCheck
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("link", w.config.Name)

	// Phase 1: startup probes with exponential backoff.
	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			w.up.Store(true)
			logger.Info("link address acquired", "after_attempts", attempt)
			w.config.Sink.HandleEvent(ctx, EventAddressAcquired)
			break
		}
		if attempt == cfg.MaxRetries {
			logger.Warn("link did not come up, retrying in background",
				"attempts", attempt,
				"error", err,
			)
			w.config.Sink.HandleEvent(ctx, EventDisconnected)
			break
		}

		logger.Debug("link probe failed, waiting",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	// Phase 2: background polling.
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			wasUp := w.up.Load()

			switch {
			case wasUp && err != nil:
				w.up.Store(false)
				logger.Warn("link lost", "error", err)
				w.config.Sink.HandleEvent(ctx, EventDisconnected)
			case !wasUp && err == nil:
				w.up.Store(true)
				logger.Info("link address acquired")
				w.config.Sink.HandleEvent(ctx, EventAddressAcquired)
			case !wasUp && err != nil:
				logger.Debug("link still down", "error", err)
				w.config.Sink.HandleEvent(ctx, EventDisconnected)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout and records the
// outcome.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	err := w.config.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
