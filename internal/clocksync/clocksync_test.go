package clocksync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingSource returns epoch-era time until its yearAt-th call.
type countingSource struct {
	calls  atomic.Int32
	yearAt int32 // 0 means never
}

func (c *countingSource) Start(context.Context) error { return nil }

func (c *countingSource) Now() time.Time {
	n := c.calls.Add(1)
	if c.yearAt > 0 && n >= c.yearAt {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}
	return time.Unix(int64(n)*2, 0).UTC()
}

func TestNext(t *testing.T) {
	t.Parallel()
	old := time.Unix(0, 0)
	good := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late2019 := time.Date(2019, 12, 31, 23, 59, 59, 0, time.UTC)

	tests := []struct {
		name    string
		s       State
		attempt int
		now     time.Time
		want    State
	}{
		{"first poll epoch", Unsynced, 1, old, Unsynced},
		{"threshold year", Unsynced, 1, good, Synced},
		{"just before threshold", Unsynced, 3, late2019, Unsynced},
		{"last attempt fails", Unsynced, 10, old, SyncAbandoned},
		{"last attempt succeeds", Unsynced, 10, good, Synced},
		{"synced is terminal", Synced, 11, old, Synced},
		{"abandoned is terminal", SyncAbandoned, 11, good, SyncAbandoned},
	}
	for _, tt := range tests {
		if got := Next(tt.s, tt.attempt, 10, tt.now); got != tt.want {
			t.Errorf("%s: Next() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAwaitSynced_AbandonsAfterExactlyMaxAttempts(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	g := NewGate(src, discardLogger())

	start := time.Now()
	st, err := g.AwaitSynced(context.Background(), 10, time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitSynced() error = %v", err)
	}
	if st != SyncAbandoned {
		t.Errorf("AwaitSynced() = %v, want abandoned", st)
	}
	if n := src.calls.Load(); n != 10 {
		t.Errorf("source polled %d times, want exactly 10", n)
	}
	if g.Attempts() != 10 {
		t.Errorf("Attempts() = %d, want 10", g.Attempts())
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("AwaitSynced took %v, should be bounded by attempts*interval", elapsed)
	}
	if g.State() != SyncAbandoned {
		t.Errorf("State() = %v, want abandoned", g.State())
	}
}

func TestAwaitSynced_SyncsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	src := &countingSource{yearAt: 3}
	g := NewGate(src, discardLogger())

	st, err := g.AwaitSynced(context.Background(), 10, time.Millisecond)
	if err != nil || st != Synced {
		t.Fatalf("AwaitSynced() = %v, %v; want synced", st, err)
	}
	if n := src.calls.Load(); n != 3 {
		t.Errorf("source polled %d times, want 3", n)
	}
}

func TestAwaitSynced_TerminalStateIsSticky(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	g := NewGate(src, discardLogger())

	if st, _ := g.AwaitSynced(context.Background(), 2, time.Millisecond); st != SyncAbandoned {
		t.Fatalf("first AwaitSynced() = %v, want abandoned", st)
	}
	polled := src.calls.Load()

	if st, _ := g.AwaitSynced(context.Background(), 2, time.Millisecond); st != SyncAbandoned {
		t.Errorf("second AwaitSynced() = %v, want abandoned", st)
	}
	if src.calls.Load() != polled {
		t.Error("terminal gate polled the source again")
	}
}

func TestAwaitSynced_ContextCancelled(t *testing.T) {
	t.Parallel()
	g := NewGate(&countingSource{}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st, err := g.AwaitSynced(ctx, 10, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitSynced() error = %v, want deadline exceeded", err)
	}
	if st != Unsynced {
		t.Errorf("AwaitSynced() = %v, want unsynced", st)
	}
}

func TestAwaitSynced_Defaults(t *testing.T) {
	t.Parallel()
	g := NewGate(SystemSource, discardLogger())
	st, err := g.AwaitSynced(context.Background(), 0, 0)
	if err != nil || st != Synced {
		t.Errorf("AwaitSynced() on system clock = %v, %v; want synced", st, err)
	}
}

func TestNTPSource_AppliesOffset(t *testing.T) {
	t.Parallel()
	s := NewNTPSource("ntp.test", discardLogger())
	s.query = func(string, time.Duration) (time.Duration, error) { return 90 * time.Minute, nil }

	if _, ok := s.Offset(); ok {
		t.Fatal("Offset() synced before any query")
	}
	if !s.sync() {
		t.Fatal("sync() = false after successful query")
	}

	off, ok := s.Offset()
	if !ok || off != 90*time.Minute {
		t.Errorf("Offset() = %v, %v; want 90m, true", off, ok)
	}
	if d := s.Now().Sub(time.Now()); d < 89*time.Minute || d > 91*time.Minute {
		t.Errorf("Now() is %v ahead of local clock, want ~90m", d)
	}
}

func TestNTPSource_KeepsLastGoodOffset(t *testing.T) {
	t.Parallel()
	s := NewNTPSource("ntp.test", discardLogger())
	errUnreachable := errors.New("unreachable")

	s.query = func(string, time.Duration) (time.Duration, error) { return time.Second, nil }
	s.sync()
	s.query = func(string, time.Duration) (time.Duration, error) { return 0, errUnreachable }

	if !s.sync() {
		t.Error("sync() = false after a later failure, want still synced")
	}
	if off, _ := s.Offset(); off != time.Second {
		t.Errorf("Offset() = %v, want last good 1s", off)
	}
	if !errors.Is(s.LastError(), errUnreachable) {
		t.Errorf("LastError() = %v, want %v", s.LastError(), errUnreachable)
	}
}

func TestNTPSource_StartRetriesUntilAnswer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	s := NewNTPSource("ntp.test", discardLogger())
	s.retry = time.Millisecond
	s.query = func(string, time.Duration) (time.Duration, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("timeout")
		}
		return 0, nil
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Offset(); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("source never synced after %d queries", calls.Load())
}

func TestNTPSource_StartRequiresServer(t *testing.T) {
	t.Parallel()
	if err := NewNTPSource("", nil).Start(context.Background()); err == nil {
		t.Error("Start() with empty server = nil, want error")
	}
}
