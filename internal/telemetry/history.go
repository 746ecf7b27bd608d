package telemetry

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/nugget/dhtagent/internal/history"
	"github.com/nugget/dhtagent/internal/reading"
)

// HistoryPublisherConfig wires a [HistoryPublisher].
type HistoryPublisherConfig struct {
	Store     *history.Store
	Publisher Publisher
	Codec     reading.Codec
	Topic     string

	SettleDelay time.Duration
	Interval    time.Duration // defaults to 60s

	Logger *slog.Logger
}

// HistoryStats counts history publish outcomes.
type HistoryStats struct {
	Published       int64
	PublishFailures int64
}

// HistoryPublisher publishes the history window periodically.
type HistoryPublisher struct {
	cfg    HistoryPublisherConfig
	logger *slog.Logger

	published, publishFailures atomic.Int64
}

// NewHistoryPublisher fills defaults. It panics if Store or Publisher
// is nil.
func NewHistoryPublisher(cfg HistoryPublisherConfig) *HistoryPublisher {
	if cfg.Store == nil {
		panic("telemetry: HistoryPublisherConfig.Store must not be nil")
	}
	if cfg.Publisher == nil {
		panic("telemetry: HistoryPublisherConfig.Publisher must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryPublisher{cfg: cfg, logger: logger.With("task", "history")}
}

// Run publishes until ctx is cancelled.
func (h *HistoryPublisher) Run(ctx context.Context) error {
	h.logger.Info("history publisher started",
		"topic", h.cfg.Topic,
		"interval", h.cfg.Interval.String(),
		"capacity", h.cfg.Store.Cap(),
	)
	runPeriodic(ctx, h.cfg.SettleDelay, h.cfg.Interval, func(ctx context.Context) {
		_ = h.PublishOnce(ctx)
	})
	h.logger.Info("history publisher stopped")
	return nil
}

// PublishOnce snapshots the store and publishes it, oldest first. An
// empty store publishes {"history":[]}.
func (h *HistoryPublisher) PublishOnce(ctx context.Context) error {
	readings := slices.Collect(h.cfg.Store.Snapshot())

	payload, err := h.cfg.Codec.EncodeHistory(readings)
	if err != nil {
		h.publishFailures.Add(1)
		h.logger.Error("encode history", "error", err)
		return err
	}

	if err := h.cfg.Publisher.Publish(ctx, h.cfg.Topic, payload); err != nil {
		h.publishFailures.Add(1)
		h.logger.Warn("history dropped", "topic", h.cfg.Topic, "entries", len(readings), "error", err)
		return err
	}

	h.published.Add(1)
	h.logger.Debug("history published", "entries", len(readings))
	return nil
}

// Stats returns a snapshot of the counters.
func (h *HistoryPublisher) Stats() HistoryStats {
	return HistoryStats{
		Published:       h.published.Load(),
		PublishFailures: h.publishFailures.Load(),
	}
}
