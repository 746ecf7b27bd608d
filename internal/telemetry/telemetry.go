// Package telemetry runs the two periodic tasks of the agent: the
// [Sampler], which reads the sensor, records valid readings and
// publishes each one, and the [HistoryPublisher], which publishes the
// recent-history window on its own schedule. The tasks share only the
// [history.Store].
package telemetry

import (
	"context"
	"time"
)

// Publisher delivers a payload to a topic. The mqtt.Client implements
// it with bounded retries.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// runPeriodic waits settle, runs fn once, then runs it every interval
// until ctx is cancelled.
func runPeriodic(ctx context.Context, settle, interval time.Duration, fn func(context.Context)) {
	if settle > 0 {
		timer := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
