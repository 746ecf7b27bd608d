package clocksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// NTPSource corrects the local clock by the offset measured against an
// NTP server. Until the first good response, Now returns the
// uncorrected local time.
type NTPSource struct {
	server  string
	logger  *slog.Logger
	timeout time.Duration
	retry   time.Duration
	refresh time.Duration

	// query is swapped out in tests.
	query func(server string, timeout time.Duration) (time.Duration, error)

	mu      sync.RWMutex
	offset  time.Duration
	synced  bool
	lastErr error
}

// NewNTPSource returns a source for server (e.g. "pool.ntp.org"). It
// retries every 2 seconds until the first response and refreshes
// hourly afterwards.
func NewNTPSource(server string, logger *slog.Logger) *NTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &NTPSource{
		server:  server,
		logger:  logger,
		timeout: 5 * time.Second,
		retry:   DefaultInterval,
		refresh: time.Hour,
		query:   queryOffset,
	}
}

// Start launches the background query loop. It returns immediately.
func (s *NTPSource) Start(ctx context.Context) error {
	if s.server == "" {
		return fmt.Errorf("ntp server not configured")
	}
	go s.run(ctx)
	return nil
}

// Now returns local time corrected by the last measured offset.
func (s *NTPSource) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.synced {
		return time.Now()
	}
	return time.Now().Add(s.offset)
}

// Offset returns the last measured clock offset and whether any query
// has succeeded.
func (s *NTPSource) Offset() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset, s.synced
}

// LastError returns the most recent query error.
func (s *NTPSource) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *NTPSource) run(ctx context.Context) {
	for {
		wait := s.retry
		if s.sync() {
			wait = s.refresh
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// sync performs one query and reports whether the source is synced.
func (s *NTPSource) sync() bool {
	offset, err := s.query(s.server, s.timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = err
	if err != nil {
		s.logger.Debug("ntp query failed", "server", s.server, "error", err)
		return s.synced
	}
	if !s.synced {
		s.logger.Info("ntp offset acquired", "server", s.server, "offset", offset.String())
	}
	s.offset = offset
	s.synced = true
	return true
}

func queryOffset(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("validate response from %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}
