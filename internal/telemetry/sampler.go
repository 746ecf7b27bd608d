package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/dhtagent/internal/history"
	"github.com/nugget/dhtagent/internal/reading"
	"github.com/nugget/dhtagent/internal/sensor"
)

// SamplerConfig wires a [Sampler].
type SamplerConfig struct {
	Sensor    sensor.Sensor
	Publisher Publisher
	Codec     reading.Codec
	Topic     string

	// Store receives every valid reading. Nil disables history.
	Store *history.Store

	SettleDelay time.Duration // before the first read
	Interval    time.Duration // between reads; defaults to 60s

	// Now stamps readings. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// SamplerStats counts cycle outcomes since the sampler was created.
type SamplerStats struct {
	Cycles          int64
	Published       int64
	PublishFailures int64
	Invalid         int64
	Timeouts        int64
	ChecksumErrors  int64
	NotReady        int64
	OtherErrors     int64
}

// Sampler reads the sensor on a fixed period.
type Sampler struct {
	cfg    SamplerConfig
	logger *slog.Logger

	cycles, published, publishFailures, invalid atomic.Int64
	timeouts, checksums, notReady, other        atomic.Int64
}

// NewSampler validates cfg and fills defaults. It panics if Sensor or
// Publisher is nil.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Sensor == nil {
		panic("telemetry: SamplerConfig.Sensor must not be nil")
	}
	if cfg.Publisher == nil {
		panic("telemetry: SamplerConfig.Publisher must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{cfg: cfg, logger: logger.With("task", "sampler")}
}

// Run samples until ctx is cancelled. Individual failures are logged
// and counted; they never stop the loop.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info("sampler started",
		"topic", s.cfg.Topic,
		"interval", s.cfg.Interval.String(),
		"history", s.cfg.Store != nil,
	)
	runPeriodic(ctx, s.cfg.SettleDelay, s.cfg.Interval, func(ctx context.Context) {
		_ = s.Cycle(ctx)
	})
	s.logger.Info("sampler stopped")
	return nil
}

// Cycle performs one read-validate-record-publish pass and returns
// why it stopped short, if it did. A reading is published only when
// it is valid; history insertion happens before the publish so a
// broker outage does not lose the sample.
func (s *Sampler) Cycle(ctx context.Context) error {
	s.cycles.Add(1)

	sample, err := s.cfg.Sensor.Read(ctx)
	if err != nil {
		kind := sensor.Classify(err)
		s.countSensorError(kind)
		s.logger.Warn("sensor read failed", "kind", kind.String(), "error", err)
		return fmt.Errorf("read sensor: %w", err)
	}

	r := reading.New(sample.Temperature, sample.Humidity, s.cfg.Now())
	if err := r.Validate(); err != nil {
		s.invalid.Add(1)
		s.logger.Warn("discarding invalid reading",
			"temperature", sample.Temperature,
			"humidity", sample.Humidity,
			"error", err,
		)
		return err
	}

	if s.cfg.Store != nil {
		s.cfg.Store.Insert(r)
	}

	payload, err := s.cfg.Codec.Encode(r)
	if err != nil {
		s.publishFailures.Add(1)
		s.logger.Error("encode reading", "error", err)
		return err
	}

	if err := s.cfg.Publisher.Publish(ctx, s.cfg.Topic, payload); err != nil {
		s.publishFailures.Add(1)
		s.logger.Warn("reading dropped", "topic", s.cfg.Topic, "error", err)
		return err
	}

	s.published.Add(1)
	s.logger.Debug("reading published",
		"temperature", r.Temperature,
		"humidity", r.Humidity,
		"timestamp", s.cfg.Codec.FormatTimestamp(r.Timestamp),
		"stats", s.Stats(),
	)
	return nil
}

func (s *Sampler) countSensorError(k sensor.Kind) {
	switch k {
	case sensor.KindTimeout:
		s.timeouts.Add(1)
	case sensor.KindChecksum:
		s.checksums.Add(1)
	case sensor.KindNotReady:
		s.notReady.Add(1)
	default:
		s.other.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (s *Sampler) Stats() SamplerStats {
	return SamplerStats{
		Cycles:          s.cycles.Load(),
		Published:       s.published.Load(),
		PublishFailures: s.publishFailures.Load(),
		Invalid:         s.invalid.Load(),
		Timeouts:        s.timeouts.Load(),
		ChecksumErrors:  s.checksums.Load(),
		NotReady:        s.notReady.Load(),
		OtherErrors:     s.other.Load(),
	}
}

// LogValue renders the stats as a log group.
func (st SamplerStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("cycles", st.Cycles),
		slog.Int64("published", st.Published),
		slog.Int64("publish_failures", st.PublishFailures),
		slog.Int64("invalid", st.Invalid),
		slog.Int64("timeouts", st.Timeouts),
		slog.Int64("checksum_errors", st.ChecksumErrors),
		slog.Int64("not_ready", st.NotReady),
		slog.Int64("other_errors", st.OtherErrors),
	)
}
