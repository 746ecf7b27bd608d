package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/dhtagent/internal/history"
	"github.com/nugget/dhtagent/internal/reading"
	"github.com/nugget/dhtagent/internal/sensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type result struct {
	s   sensor.Sample
	err error
}

// scriptedSensor replays results, repeating the last one.
type scriptedSensor struct {
	mu      sync.Mutex
	results []result
	reads   int
}

func (s *scriptedSensor) Read(context.Context) (sensor.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.reads, len(s.results)-1)
	s.reads++
	return s.results[i].s, s.results[i].err
}

func (s *scriptedSensor) Close() error { return nil }

type message struct {
	topic   string
	payload string
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{topic, string(payload)})
	return nil
}

func (p *recordingPublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

// stepClock returns 2024-05-01T12:30:00Z plus one minute per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 12, 29, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
}

func newTestSampler(sn sensor.Sensor, pub Publisher, store *history.Store) *Sampler {
	return NewSampler(SamplerConfig{
		Sensor:    sn,
		Publisher: pub,
		Codec:     reading.NewCodec(time.UTC),
		Topic:     "sensor/dht",
		Store:     store,
		Interval:  time.Minute,
		Now:       stepClock(),
		Logger:    discardLogger(),
	})
}

func TestSampler_CyclePublishesValidReading(t *testing.T) {
	t.Parallel()
	sn := &scriptedSensor{results: []result{{s: sensor.Sample{Temperature: 23.45, Humidity: 60.1}}}}
	pub := &recordingPublisher{}
	store := history.New(3)
	s := newTestSampler(sn, pub, store)

	if err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}

	want := []message{{
		topic:   "sensor/dht",
		payload: `{"timestamp":"2024-05-01T12:30:00","temperature":23.45,"humidity":60.10}`,
	}}
	if diff := cmp.Diff(want, pub.messages(), cmp.AllowUnexported(message{})); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	if st := s.Stats(); st.Cycles != 1 || st.Published != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestSampler_InvalidReadingsNeverStoredOrPublished(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	tests := []struct {
		name    string
		sample  sensor.Sample
		wantErr error
	}{
		{"nan temperature", sensor.Sample{Temperature: nan, Humidity: 40}, reading.ErrNaN},
		{"nan humidity", sensor.Sample{Temperature: 20, Humidity: nan}, reading.ErrNaN},
		{"zero sentinel", sensor.Sample{}, reading.ErrFaultSentinel},
		{"inf temperature", sensor.Sample{Temperature: float32(math.Inf(1)), Humidity: 40}, reading.ErrInf},
		{"inf humidity", sensor.Sample{Temperature: 20, Humidity: float32(math.Inf(-1))}, reading.ErrInf},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sn := &scriptedSensor{results: []result{{s: tt.sample}}}
			pub := &recordingPublisher{}
			store := history.New(3)
			s := newTestSampler(sn, pub, store)

			if err := s.Cycle(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Errorf("Cycle() error = %v, want %v", err, tt.wantErr)
			}
			if n := len(pub.messages()); n != 0 {
				t.Errorf("published %d messages, want 0", n)
			}
			if store.Len() != 0 {
				t.Errorf("store.Len() = %d, want 0", store.Len())
			}
			if st := s.Stats(); st.Invalid != 1 {
				t.Errorf("Stats().Invalid = %d, want 1", st.Invalid)
			}
		})
	}
}

func TestSampler_InfiniteSampleKeepsHistoryEncodable(t *testing.T) {
	t.Parallel()
	sn := &scriptedSensor{results: []result{{s: sensor.Sample{Temperature: float32(math.Inf(1)), Humidity: 50}}}}
	pub := &recordingPublisher{}
	store := history.New(3)
	s := newTestSampler(sn, pub, store)
	h := NewHistoryPublisher(HistoryPublisherConfig{
		Store:     store,
		Publisher: pub,
		Codec:     reading.NewCodec(time.UTC),
		Topic:     "sensor/dht/history",
		Logger:    discardLogger(),
	})

	if err := s.Cycle(context.Background()); !errors.Is(err, reading.ErrInf) {
		t.Fatalf("Cycle() error = %v, want ErrInf", err)
	}
	if err := h.PublishOnce(context.Background()); err != nil {
		t.Fatalf("PublishOnce() after infinite sample = %v", err)
	}
	want := []message{{topic: "sensor/dht/history", payload: `{"history":[]}`}}
	if diff := cmp.Diff(want, pub.messages(), cmp.AllowUnexported(message{})); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
}

func TestSampler_SensorErrorsClassified(t *testing.T) {
	t.Parallel()
	sn := &scriptedSensor{results: []result{
		{err: sensor.ErrTimeout},
		{err: fmt.Errorf("frame: %w", sensor.ErrChecksum)},
		{err: sensor.ErrNotReady},
		{err: errors.New("gpio busy")},
		{s: sensor.Sample{Temperature: 21, Humidity: 50}},
	}}
	pub := &recordingPublisher{}
	store := history.New(3)
	s := newTestSampler(sn, pub, store)

	for range 5 {
		_ = s.Cycle(context.Background())
	}

	want := SamplerStats{
		Cycles:         5,
		Published:      1,
		Timeouts:       1,
		ChecksumErrors: 1,
		NotReady:       1,
		OtherErrors:    1,
	}
	if diff := cmp.Diff(want, s.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1 (only the good read)", store.Len())
	}
}

func TestSampler_PublishFailureKeepsHistory(t *testing.T) {
	t.Parallel()
	errBroker := errors.New("broker unreachable")
	sn := &scriptedSensor{results: []result{{s: sensor.Sample{Temperature: 21, Humidity: 50}}}}
	pub := &recordingPublisher{err: errBroker}
	store := history.New(3)
	s := newTestSampler(sn, pub, store)

	if err := s.Cycle(context.Background()); !errors.Is(err, errBroker) {
		t.Fatalf("Cycle() error = %v, want %v", err, errBroker)
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	if st := s.Stats(); st.PublishFailures != 1 || st.Published != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestSampler_HistoryDisabled(t *testing.T) {
	t.Parallel()
	sn := &scriptedSensor{results: []result{{s: sensor.Sample{Temperature: 21, Humidity: 50}}}}
	pub := &recordingPublisher{}
	s := newTestSampler(sn, pub, nil)

	if err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	if n := len(pub.messages()); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}
}

func TestSampler_RunUntilCancelled(t *testing.T) {
	sn := &scriptedSensor{results: []result{{s: sensor.Sample{Temperature: 21, Humidity: 50}}}}
	pub := &recordingPublisher{}
	s := NewSampler(SamplerConfig{
		Sensor:      sn,
		Publisher:   pub,
		Codec:       reading.NewCodec(time.UTC),
		Topic:       "sensor/dht",
		SettleDelay: time.Millisecond,
		Interval:    5 * time.Millisecond,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(40 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if n := s.Stats().Published; n < 2 {
		t.Errorf("published %d readings in 40ms at 5ms interval, want >= 2", n)
	}
}

func TestSampler_SettleDelayHonoured(t *testing.T) {
	sn := &scriptedSensor{results: []result{{s: sensor.Sample{Temperature: 21, Humidity: 50}}}}
	s := NewSampler(SamplerConfig{
		Sensor:      sn,
		Publisher:   &recordingPublisher{},
		SettleDelay: time.Hour,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if n := s.Stats().Cycles; n != 0 {
		t.Errorf("ran %d cycles before settle delay elapsed", n)
	}
}

func TestNewSampler_PanicsWithoutSensor(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("NewSampler without Sensor did not panic")
		}
	}()
	NewSampler(SamplerConfig{Publisher: &recordingPublisher{}})
}

func TestHistoryPublisher_EmptyStore(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	h := NewHistoryPublisher(HistoryPublisherConfig{
		Store:     history.New(3),
		Publisher: pub,
		Codec:     reading.NewCodec(time.UTC),
		Topic:     "sensor/dht/history",
		Logger:    discardLogger(),
	})

	if err := h.PublishOnce(context.Background()); err != nil {
		t.Fatalf("PublishOnce() error = %v", err)
	}
	want := []message{{topic: "sensor/dht/history", payload: `{"history":[]}`}}
	if diff := cmp.Diff(want, pub.messages(), cmp.AllowUnexported(message{})); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
}

func TestHistoryPublisher_OldestFirstWindow(t *testing.T) {
	t.Parallel()
	store := history.New(3)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, temp := range []float32{20, 21, 22, 23} {
		store.Insert(reading.New(temp, 50, base.Add(time.Duration(i)*time.Minute)))
	}

	pub := &recordingPublisher{}
	h := NewHistoryPublisher(HistoryPublisherConfig{
		Store:     store,
		Publisher: pub,
		Codec:     reading.NewCodec(time.UTC),
		Topic:     "sensor/dht/history",
		Logger:    discardLogger(),
	})
	if err := h.PublishOnce(context.Background()); err != nil {
		t.Fatalf("PublishOnce() error = %v", err)
	}

	want := `{"history":[` +
		`{"timestamp":"2024-05-01T12:01:00","temperature":21.00,"humidity":50.00},` +
		`{"timestamp":"2024-05-01T12:02:00","temperature":22.00,"humidity":50.00},` +
		`{"timestamp":"2024-05-01T12:03:00","temperature":23.00,"humidity":50.00}]}`
	msgs := pub.messages()
	if len(msgs) != 1 || msgs[0].payload != want {
		t.Errorf("payload = %v\nwant %s", msgs, want)
	}
}

func TestHistoryPublisher_FailureCounted(t *testing.T) {
	t.Parallel()
	h := NewHistoryPublisher(HistoryPublisherConfig{
		Store:     history.New(3),
		Publisher: &recordingPublisher{err: errors.New("down")},
		Logger:    discardLogger(),
	})
	if err := h.PublishOnce(context.Background()); err == nil {
		t.Fatal("PublishOnce() = nil, want error")
	}
	if st := h.Stats(); st.PublishFailures != 1 || st.Published != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestHistoryPublisher_RunUntilCancelled(t *testing.T) {
	pub := &recordingPublisher{}
	h := NewHistoryPublisher(HistoryPublisherConfig{
		Store:     history.New(3),
		Publisher: pub,
		Codec:     reading.NewCodec(time.UTC),
		Topic:     "sensor/dht/history",
		Interval:  5 * time.Millisecond,
		Logger:    discardLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := h.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if n := h.Stats().Published; n < 2 {
		t.Errorf("published %d times, want >= 2", n)
	}
}

// Both tasks against one store: the sampler writes while the history
// publisher snapshots.
func TestTasks_ShareStore(t *testing.T) {
	store := history.New(3)
	pub := &recordingPublisher{}
	codec := reading.NewCodec(time.UTC)

	var temp float32 = 10
	var mu sync.Mutex
	sn := sensorFunc(func() (sensor.Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		temp++
		return sensor.Sample{Temperature: temp, Humidity: 50}, nil
	})

	s := NewSampler(SamplerConfig{
		Sensor: sn, Publisher: pub, Codec: codec, Topic: "sensor/dht",
		Store: store, Interval: time.Millisecond, Logger: discardLogger(),
	})
	h := NewHistoryPublisher(HistoryPublisherConfig{
		Store: store, Publisher: pub, Codec: codec, Topic: "sensor/dht/history",
		Interval: time.Millisecond, Logger: discardLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = s.Run(ctx) }()
	go func() { defer wg.Done(); _ = h.Run(ctx) }()
	wg.Wait()

	for _, m := range pub.messages() {
		if m.topic != "sensor/dht/history" {
			continue
		}
		rs, err := codec.DecodeHistory([]byte(m.payload))
		if err != nil {
			t.Fatalf("DecodeHistory(%s) error = %v", m.payload, err)
		}
		if len(rs) > 3 {
			t.Fatalf("history has %d entries, capacity is 3", len(rs))
		}
		for i := 1; i < len(rs); i++ {
			if rs[i].Temperature <= rs[i-1].Temperature {
				t.Fatalf("history not oldest-first: %v", rs)
			}
		}
	}
}

type sensorFunc func() (sensor.Sample, error)

func (f sensorFunc) Read(context.Context) (sensor.Sample, error) { return f() }
func (f sensorFunc) Close() error                                { return nil }
