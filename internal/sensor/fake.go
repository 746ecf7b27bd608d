package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
)

// Fake produces a slowly drifting, always-valid signal. It stands in
// for real hardware on development hosts without GPIO access.
type Fake struct {
	mu          sync.Mutex
	n           int
	temperature float32
	humidity    float32
}

// NewFake returns a Fake centred on the given values.
func NewFake(temperature, humidity float32) *Fake {
	return &Fake{temperature: temperature, humidity: humidity}
}

// Read returns the next point of the drift curve.
func (f *Fake) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	phase := float64(f.n) / 10
	f.n++
	return Sample{
		Temperature: f.temperature + float32(math.Sin(phase)),
		Humidity:    f.humidity + 2*float32(math.Cos(phase)),
	}, nil
}

// Close is a no-op.
func (f *Fake) Close() error { return nil }

// Open returns the sensor named by driver ("dht22", "dht11" or "fake")
// on the given BCM pin.
func Open(driver string, pin int, logger *slog.Logger) (Sensor, error) {
	if strings.EqualFold(strings.TrimSpace(driver), "fake") {
		return NewFake(21, 45), nil
	}
	model, err := ParseModel(driver)
	if err != nil {
		return nil, err
	}
	d, err := OpenDHT(pin, model, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s on pin %d: %w", model, pin, err)
	}
	return d, nil
}
