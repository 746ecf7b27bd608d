package reading

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/relvacode/iso8601"
)

// TimestampLayout is the local wall-clock layout used in payloads,
// e.g. 2024-05-01T12:30:00. It carries no zone designator; consumers
// are expected to know the device's configured offset.
const TimestampLayout = "2006-01-02T15:04:05"

// Payload is the JSON shape of one reading on the wire. Numbers are
// kept as [json.Number] so they are emitted with exactly two decimals.
type Payload struct {
	Timestamp   string      `json:"timestamp"`
	Temperature json.Number `json:"temperature"`
	Humidity    json.Number `json:"humidity"`
}

// HistoryPayload wraps a snapshot of readings, oldest first.
type HistoryPayload struct {
	History []Payload `json:"history"`
}

// Codec converts readings to and from payloads in a fixed zone. The
// zero value formats in [time.Local].
type Codec struct {
	Location *time.Location
}

// NewCodec returns a Codec for loc. A nil loc means [time.Local].
func NewCodec(loc *time.Location) Codec {
	return Codec{Location: loc}
}

func (c Codec) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// FormatTimestamp renders unix seconds in the codec's zone.
func (c Codec) FormatTimestamp(ts int64) string {
	return time.Unix(ts, 0).In(c.loc()).Format(TimestampLayout)
}

// Payload converts r to its wire form.
func (c Codec) Payload(r Reading) Payload {
	return Payload{
		Timestamp:   c.FormatTimestamp(r.Timestamp),
		Temperature: twoDecimals(r.Temperature),
		Humidity:    twoDecimals(r.Humidity),
	}
}

// Encode marshals a single reading for the current-reading topic.
func (c Codec) Encode(r Reading) ([]byte, error) {
	data, err := json.Marshal(c.Payload(r))
	if err != nil {
		return nil, fmt.Errorf("marshal reading: %w", err)
	}
	return data, nil
}

// EncodeHistory marshals readings, in the order given, as a history
// object. A nil or empty slice still produces {"history":[]}.
func (c Codec) EncodeHistory(readings []Reading) ([]byte, error) {
	hp := HistoryPayload{History: make([]Payload, 0, len(readings))}
	for _, r := range readings {
		hp.History = append(hp.History, c.Payload(r))
	}
	data, err := json.Marshal(hp)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	return data, nil
}

// Decode parses a current-reading payload. The timestamp is read as
// wall-clock time in the codec's zone.
func (c Codec) Decode(data []byte) (Reading, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Reading{}, fmt.Errorf("unmarshal reading: %w", err)
	}
	return c.FromPayload(p)
}

// DecodeHistory parses a history payload.
func (c Codec) DecodeHistory(data []byte) ([]Reading, error) {
	var hp HistoryPayload
	if err := json.Unmarshal(data, &hp); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	out := make([]Reading, 0, len(hp.History))
	for i, p := range hp.History {
		r, err := c.FromPayload(p)
		if err != nil {
			return nil, fmt.Errorf("history entry %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// FromPayload converts a wire payload back into a Reading.
func (c Codec) FromPayload(p Payload) (Reading, error) {
	t, err := iso8601.ParseString(p.Timestamp)
	if err != nil {
		return Reading{}, fmt.Errorf("parse timestamp %q: %w", p.Timestamp, err)
	}
	// The layout has no zone, so the parser hands back UTC; reinterpret
	// the same wall clock in our zone.
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, c.loc())

	temp, err := p.Temperature.Float64()
	if err != nil {
		return Reading{}, fmt.Errorf("parse temperature: %w", err)
	}
	hum, err := p.Humidity.Float64()
	if err != nil {
		return Reading{}, fmt.Errorf("parse humidity: %w", err)
	}

	return Reading{
		Temperature: float32(temp),
		Humidity:    float32(hum),
		Timestamp:   local.Unix(),
	}, nil
}

func twoDecimals(v float32) json.Number {
	return json.Number(strconv.FormatFloat(float64(v), 'f', 2, 32))
}
