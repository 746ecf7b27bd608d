package mqtt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrPublish matches every error returned by [Client.Publish].
var ErrPublish = errors.New("mqtt publish failed")

// errNotStarted is returned when publishing before Start.
var errNotStarted = errors.New("mqtt client not started")

// PublishError reports a payload that was dropped after all attempts.
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPublish) match any PublishError.
func (e *PublishError) Is(target error) bool { return target == ErrPublish }

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	// MaxAttempts is the total number of tries. Values below 1 mean a
	// single try.
	MaxAttempts int

	// MinInterval is the wait after the first failure. Defaults to 1s.
	MinInterval time.Duration

	// MaxInterval caps the wait between tries. Defaults to 30s.
	MaxInterval time.Duration

	// NoJitter disables the ±5% jitter.
	NoJitter bool
}

// Do runs task until it succeeds, the attempts are used up or ctx
// ends. It returns the number of attempts made and the last error.
func (b Backoff) Do(ctx context.Context, task func(context.Context) error) (int, error) {
	maxAttempts := max(b.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := task(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return attempt, err
		}

		timer := time.NewTimer(b.interval(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// interval returns the wait after the given failed attempt: MinInterval
// doubled per attempt, clamped to MaxInterval.
func (b Backoff) interval(attempt int) time.Duration {
	minInterval := b.MinInterval
	if minInterval <= 0 {
		minInterval = time.Second
	}
	maxInterval := b.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}

	factor := math.Pow(2, min(
		float64(attempt-1),
		math.Log2(float64(maxInterval)/float64(minInterval)),
	))
	if !b.NoJitter {
		// #nosec G404
		factor *= .95 + .1*rand.Float64()
	}
	return time.Duration(factor * float64(minInterval))
}
