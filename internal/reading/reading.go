// Package reading defines the validated temperature/humidity sample
// that flows through the agent and the JSON payloads it is published
// as. A [Reading] carries its timestamp as unix seconds so that the
// zero value of a history slot doubles as the "never written" marker.
package reading

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Validation errors returned by [Reading.Validate].
var (
	// ErrNaN means the sensor produced a non-numeric temperature or
	// humidity.
	ErrNaN = errors.New("reading is NaN")
	// ErrInf means a value was infinite and cannot be encoded as JSON.
	ErrInf = errors.New("reading is infinite")
	// ErrFaultSentinel means both values were exactly zero, which the
	// DHT family reports when the bus could not be read.
	ErrFaultSentinel = errors.New("reading is the all-zero fault sentinel")
)

// Reading is a single temperature/humidity measurement.
type Reading struct {
	Temperature float32 // degrees Celsius
	Humidity    float32 // percent relative humidity
	Timestamp   int64   // seconds since the unix epoch; 0 means unset
}

// New builds a Reading stamped with t.
func New(temperature, humidity float32, t time.Time) Reading {
	return Reading{
		Temperature: temperature,
		Humidity:    humidity,
		Timestamp:   t.Unix(),
	}
}

// Validate reports why r must not be stored or published, or nil if
// it is a legitimate measurement.
func (r Reading) Validate() error {
	if math.IsNaN(float64(r.Temperature)) || math.IsNaN(float64(r.Humidity)) {
		return ErrNaN
	}
	if math.IsInf(float64(r.Temperature), 0) || math.IsInf(float64(r.Humidity), 0) {
		return ErrInf
	}
	if r.Temperature == 0 && r.Humidity == 0 {
		return ErrFaultSentinel
	}
	return nil
}

// Valid is shorthand for Validate() == nil.
func (r Reading) Valid() bool {
	return r.Validate() == nil
}

// Time returns the timestamp as a [time.Time] in UTC.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// String renders the reading for logs.
func (r Reading) String() string {
	return fmt.Sprintf("%.2f°C %.2f%% @%d", r.Temperature, r.Humidity, r.Timestamp)
}
