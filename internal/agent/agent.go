// Package agent wires the link supervisor, clock gate, sensor sampler
// and history publisher into one process and sequences their startup:
//
//  1. Bring the link up and wait for the first address.
//  2. Wait, boundedly, for a plausible wall clock.
//  3. Connect the broker.
//  4. Run the sampler and the history publisher until shutdown.
//
// Later link drops are handled by the supervisor and the broker
// client's own reconnects; the tasks never observe them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/dhtagent/internal/clocksync"
	"github.com/nugget/dhtagent/internal/history"
	"github.com/nugget/dhtagent/internal/link"
	"github.com/nugget/dhtagent/internal/reading"
	"github.com/nugget/dhtagent/internal/sensor"
	"github.com/nugget/dhtagent/internal/telemetry"
)

// ErrLinkTimeout is returned by Run when the link never came up within
// the configured ready timeout.
var ErrLinkTimeout = errors.New("network link not ready")

// Broker is the MQTT surface the agent drives.
type Broker interface {
	telemetry.Publisher
	Start(ctx context.Context) error
	AwaitConnection(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config carries the timing and topic settings.
type Config struct {
	// ReadyTimeout bounds the wait for the first link address. Zero
	// waits forever.
	ReadyTimeout time.Duration
	LinkBackoff  link.BackoffConfig

	ClockEnabled    bool
	ClockAttempts   int
	ClockInterval   time.Duration
	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
	Topic           string
	HistoryTopic    string
	SettleDelay     time.Duration
	SampleInterval  time.Duration
	HistoryEnabled  bool
	HistoryCapacity int
	HistoryInterval time.Duration
	TimestampZone   *time.Location
}

// Deps are the hardware and network edges, injected so tests can run
// without a board or a broker.
type Deps struct {
	Driver link.Driver
	Probe  link.ProbeFunc
	Clock  clocksync.Source
	Sensor sensor.Sensor
	Broker Broker
}

// Status is a point-in-time view for logs.
type Status struct {
	Link       link.State
	Reconnects int
	Clock      clocksync.State
	Sampler    telemetry.SamplerStats
	History    telemetry.HistoryStats
}

// Agent owns the components of one running process.
type Agent struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	sup     *link.Supervisor
	gate    *clocksync.Gate
	store   *history.Store
	sampler *telemetry.Sampler
	hist    *telemetry.HistoryPublisher
}

// New builds an Agent. It panics if a dependency is missing.
func New(cfg Config, deps Deps, logger *slog.Logger) *Agent {
	switch {
	case deps.Driver == nil:
		panic("agent: Deps.Driver must not be nil")
	case deps.Probe == nil:
		panic("agent: Deps.Probe must not be nil")
	case deps.Sensor == nil:
		panic("agent: Deps.Sensor must not be nil")
	case deps.Broker == nil:
		panic("agent: Deps.Broker must not be nil")
	}
	if deps.Clock == nil {
		deps.Clock = clocksync.SystemSource
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = history.DefaultCapacity
	}

	a := &Agent{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		sup:    link.NewSupervisor(deps.Driver, logger),
		gate:   clocksync.NewGate(deps.Clock, logger),
	}

	codec := reading.NewCodec(cfg.TimestampZone)

	if cfg.HistoryEnabled {
		a.store = history.New(cfg.HistoryCapacity)
		a.hist = telemetry.NewHistoryPublisher(telemetry.HistoryPublisherConfig{
			Store:       a.store,
			Publisher:   deps.Broker,
			Codec:       codec,
			Topic:       cfg.HistoryTopic,
			SettleDelay: cfg.SettleDelay,
			Interval:    cfg.HistoryInterval,
			Logger:      logger,
		})
	}

	a.sampler = telemetry.NewSampler(telemetry.SamplerConfig{
		Sensor:      deps.Sensor,
		Publisher:   deps.Broker,
		Codec:       codec,
		Topic:       cfg.Topic,
		Store:       a.store,
		SettleDelay: cfg.SettleDelay,
		Interval:    cfg.SampleInterval,
		Now:         a.gate.Now,
		Logger:      logger,
	})

	return a
}

// Run starts everything and blocks until ctx is cancelled. It returns
// nil on a clean shutdown, [ErrLinkTimeout] when the link never came
// up, or the error of a component that could not start.
func (a *Agent) Run(ctx context.Context) error {
	a.sup.Connect(ctx)
	w := link.Watch(ctx, link.WatcherConfig{
		Name:    "link",
		Probe:   a.deps.Probe,
		Sink:    a.sup,
		Backoff: a.cfg.LinkBackoff,
		Logger:  a.logger,
	})
	defer w.Stop()

	if !a.sup.AwaitReady(ctx, a.cfg.ReadyTimeout) {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w after %s: %v", ErrLinkTimeout, a.cfg.ReadyTimeout, w.LastError())
	}
	a.logger.Info("network link ready")

	if a.cfg.ClockEnabled {
		if err := a.gate.Start(ctx); err != nil {
			return fmt.Errorf("start clock source: %w", err)
		}
		if _, err := a.gate.AwaitSynced(ctx, a.cfg.ClockAttempts, a.cfg.ClockInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("await clock sync: %w", err)
		}
	}

	if err := a.deps.Broker.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt: %w", err)
	}
	defer a.stopBroker()

	connCtx, connCancel := context.WithTimeout(ctx, a.connectTimeout())
	if err := a.deps.Broker.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		// Log but don't fail; the client keeps retrying in the background.
		a.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	connCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sampler.Run(gctx) })
	if a.hist != nil {
		g.Go(func() error { return a.hist.Run(gctx) })
	}
	err := g.Wait()

	a.logger.Info("agent stopped", "status", a.Status())
	return err
}

func (a *Agent) connectTimeout() time.Duration {
	if a.cfg.ConnectTimeout > 0 {
		return a.cfg.ConnectTimeout
	}
	return 30 * time.Second
}

// stopBroker publishes "offline" and disconnects with a fresh context,
// since the run context is already cancelled at this point.
func (a *Agent) stopBroker() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.deps.Broker.Stop(ctx); err != nil {
		a.logger.Error("mqtt shutdown failed", "error", err)
	}
}

// Status reports the current component states.
func (a *Agent) Status() Status {
	st := Status{
		Link:       a.sup.State(),
		Reconnects: a.sup.Reconnects(),
		Clock:      a.gate.State(),
		Sampler:    a.sampler.Stats(),
	}
	if a.hist != nil {
		st.History = a.hist.Stats()
	}
	return st
}

// LogValue renders the status as a log group.
func (s Status) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("link", s.Link.String()),
		slog.Int("reconnects", s.Reconnects),
		slog.String("clock", s.Clock.String()),
		slog.Any("sampler", s.Sampler),
		slog.Int64("history_published", s.History.Published),
		slog.Int64("history_failures", s.History.PublishFailures),
	)
}
