package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// defaultMessageHandler returns a [MessageHandler] that logs received
// messages at debug level with structured fields. Telemetry payloads
// are recognised by their JSON keys: single readings log their values
// and history payloads log how many entries they carry. Non-JSON
// payloads are logged with topic and size only.
func defaultMessageHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(payload, &msg); err == nil {
			for _, key := range []string{"timestamp", "temperature", "humidity"} {
				if v, ok := msg[key]; ok {
					fields = append(fields, key, strings.Trim(string(v), `"`))
				}
			}
			if h, ok := msg["history"]; ok {
				var entries []json.RawMessage
				if json.Unmarshal(h, &entries) == nil {
					fields = append(fields, "history_len", len(entries))
				}
			}
		}

		logger.Debug("mqtt message received", fields...)
	}
}

// messageRateLimiter caps inbound messages per interval so a chatty
// broker cannot flood the handler. Excess messages are dropped and
// reported once per interval.
type messageRateLimiter struct {
	limit    int64
	interval time.Duration
	logger   *slog.Logger

	seen    atomic.Int64
	dropped atomic.Int64
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the window every interval until ctx is done.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	seen, dropped := r.seen.Swap(0), r.dropped.Swap(0)
	if dropped == 0 {
		return
	}
	r.logger.Warn("mqtt inbound rate limit hit",
		"received", seen,
		"dropped", dropped,
		"limit", r.limit,
		"interval", r.interval.String(),
	)
}

// allow counts a message and reports whether it fits the window.
func (r *messageRateLimiter) allow() bool {
	if r.seen.Add(1) <= r.limit {
		return true
	}
	r.dropped.Add(1)
	return false
}
