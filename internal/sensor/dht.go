package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"

	"github.com/nugget/dhtagent/internal/config"
)

// Model selects the DHT variant, which changes the start pulse width,
// the minimum polling interval and how the data bytes are scaled.
type Model int

// Supported sensor models.
const (
	DHT22 Model = iota
	DHT11
)

// ParseModel maps a config driver name onto a Model.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dht22", "am2302":
		return DHT22, nil
	case "dht11":
		return DHT11, nil
	default:
		return DHT22, fmt.Errorf("unknown dht model %q (valid: dht22, dht11)", s)
	}
}

func (m Model) String() string {
	if m == DHT11 {
		return "dht11"
	}
	return "dht22"
}

// startPulse is how long the host holds the line low to request a
// measurement.
func (m Model) startPulse() time.Duration {
	if m == DHT11 {
		return 20 * time.Millisecond
	}
	return 2 * time.Millisecond
}

// minInterval is the datasheet minimum time between two reads.
func (m Model) minInterval() time.Duration {
	if m == DHT11 {
		return time.Second
	}
	return 2 * time.Second
}

const (
	// frameLen is the response pulse pair plus 40 data bit pairs.
	frameLen = 82
	// maxPulseSpins bounds how many polls a single level may last
	// before the transfer is considered dead.
	maxPulseSpins = int64(time.Millisecond)
	// ackTimeout bounds the wait for the sensor to pull the line low
	// after the start signal.
	ackTimeout = 5 * time.Millisecond
)

// gpioPin is the subset of [rpio.Pin] the driver toggles.
type gpioPin interface {
	Output()
	Input()
	High()
	Low()
	PullUp()
	PullOff()
	Read() rpio.State
}

// DHT reads a DHT11/DHT22 by bit-banging a single GPIO line.
type DHT struct {
	model  Model
	pin    gpioPin
	logger *slog.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// OpenDHT maps the GPIO registers and returns a driver for the sensor
// wired to the BCM pin number. Opening fails on hosts without
// /dev/gpiomem.
func OpenDHT(pin int, model Model, logger *slog.Logger) (*DHT, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DHT{
		model:  model,
		pin:    rpio.Pin(pin),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Read performs one bus transaction. It returns [ErrNotReady] when
// called again before the model's minimum interval, [ErrTimeout] when
// the sensor stops responding and [ErrChecksum] on a corrupt frame.
func (d *DHT) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.model.minInterval() {
		return Sample{}, fmt.Errorf("%s polled %s after previous read: %w",
			d.model, now.Sub(d.last).Truncate(time.Millisecond), ErrNotReady)
	}
	d.last = now

	// The transfer is timed by spinning; a GC pause in the middle of it
	// corrupts the frame.
	gc := debug.SetGCPercent(-1)
	pulses, err := d.transact()
	debug.SetGCPercent(gc)
	if err != nil {
		return Sample{}, err
	}

	frame, err := decodeFrame(pulses)
	if err != nil {
		return Sample{}, err
	}
	s, err := decodeBytes(frame, d.model)
	if err != nil {
		d.logger.Log(ctx, config.LevelTrace, "dht frame rejected",
			"bytes", fmt.Sprintf("% x", frame[:]), "error", err)
		return Sample{}, err
	}
	return s, nil
}

// Close unmaps the GPIO registers.
func (d *DHT) Close() error {
	return rpio.Close()
}

// transact sends the start signal and records the width of every level
// the sensor drives. Widths are measured in polling iterations; only
// their relative size matters.
func (d *DHT) transact() ([]int64, error) {
	pulses := make([]int64, frameLen)

	d.pin.Output()
	d.pin.High()
	time.Sleep(50 * time.Millisecond)

	d.pin.Low()
	deadline := time.Now().Add(d.model.startPulse())
	for time.Now().Before(deadline) {
	}

	d.pin.Input()
	d.pin.PullUp()
	defer d.pin.PullOff()

	// Wait for the sensor to acknowledge by pulling the line low.
	deadline = time.Now().Add(ackTimeout)
	for d.pin.Read() == rpio.High {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no response to start signal: %w", ErrTimeout)
		}
	}

	for i := 0; i < frameLen; i += 2 {
		n := d.measure(rpio.Low)
		if n > maxPulseSpins {
			return nil, fmt.Errorf("line stuck low at pulse %d: %w", i, ErrTimeout)
		}
		pulses[i] = n

		n = d.measure(rpio.High)
		if n > maxPulseSpins {
			return nil, fmt.Errorf("line stuck high at pulse %d: %w", i+1, ErrTimeout)
		}
		pulses[i+1] = n
	}
	return pulses, nil
}

// measure counts polls while the line stays at level.
func (d *DHT) measure(level rpio.State) int64 {
	var n int64
	for d.pin.Read() == level {
		n++
		if n > maxPulseSpins {
			break
		}
	}
	return n
}

// decodeFrame turns pulse widths into the five data bytes. Index 0/1
// is the sensor's response; each bit is a fixed-width low followed by
// a high whose width encodes the value. Highs longer than the average
// low are ones.
func decodeFrame(pulses []int64) ([5]byte, error) {
	var frame [5]byte
	if len(pulses) != frameLen {
		return frame, fmt.Errorf("got %d pulses, want %d: %w", len(pulses), frameLen, ErrTimeout)
	}

	var threshold int64
	for i := 2; i < frameLen; i += 2 {
		threshold += pulses[i]
	}
	threshold /= 40

	for i := 3; i < frameLen; i += 2 {
		bi := (i - 3) / 16
		frame[bi] <<= 1
		if pulses[i] > threshold {
			frame[bi] |= 0x01
		}
	}
	return frame, nil
}

// decodeBytes validates the checksum and scales the raw bytes for the
// given model.
func decodeBytes(b [5]byte, model Model) (Sample, error) {
	if b[0]+b[1]+b[2]+b[3] != b[4] {
		return Sample{}, fmt.Errorf("sum %#02x, parity %#02x: %w", b[0]+b[1]+b[2]+b[3], b[4], ErrChecksum)
	}

	var s Sample
	switch model {
	case DHT11:
		s.Humidity = float32(b[0]) + float32(b[1])/10
		s.Temperature = float32(b[2]) + float32(b[3]&0x7F)/10
		if b[3]&0x80 != 0 {
			s.Temperature = -s.Temperature
		}
	default:
		s.Humidity = float32(uint16(b[0])<<8|uint16(b[1])) / 10
		s.Temperature = float32(uint16(b[2]&0x7F)<<8|uint16(b[3])) / 10
		if b[2]&0x80 != 0 {
			s.Temperature = -s.Temperature
		}
	}
	return s, nil
}
