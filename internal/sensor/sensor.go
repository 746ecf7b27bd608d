// Package sensor reads temperature and humidity from a DHT-family
// sensor. A [Sensor] returns either a raw numeric pair or an error; the
// error is one of the sentinels below (possibly wrapped) so callers can
// [Classify] it without knowing the bus protocol.
package sensor

import (
	"context"
	"errors"
)

// Read failures a DHT sensor can report.
var (
	// ErrTimeout means the sensor did not answer the start signal or
	// the bit stream stopped before 40 bits arrived.
	ErrTimeout = errors.New("sensor timeout")
	// ErrChecksum means all 40 bits arrived but the parity byte did
	// not match.
	ErrChecksum = errors.New("sensor checksum mismatch")
	// ErrNotReady means the sensor was polled before its minimum
	// sampling interval elapsed.
	ErrNotReady = errors.New("sensor not ready")
)

// Sample is the raw pair produced by one successful bus transaction.
// It has not been validated; see reading.Reading.Validate.
type Sample struct {
	Temperature float32
	Humidity    float32
}

// Sensor is a temperature/humidity source.
type Sensor interface {
	// Read performs one measurement.
	Read(ctx context.Context) (Sample, error)
	// Close releases the underlying bus.
	Close() error
}

// Kind classifies a read error.
type Kind int

// Error kinds returned by [Classify].
const (
	KindNone Kind = iota
	KindTimeout
	KindChecksum
	KindNotReady
	KindOther
)

// String returns the lowercase name used in logs.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindChecksum:
		return "checksum"
	case KindNotReady:
		return "not_ready"
	default:
		return "other"
	}
}

// Classify maps a Read error onto a [Kind]. A nil error is KindNone.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrChecksum):
		return KindChecksum
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	default:
		return KindOther
	}
}
