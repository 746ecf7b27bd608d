// Package history keeps a short rolling window of validated readings in
// memory. The [Store] is the only state shared between the sampling
// loop (writer) and the history publisher (reader); every access goes
// through its mutex so a snapshot can never observe a half-written
// slot. Nothing is persisted: a restart begins with an empty store.
package history

import (
	"iter"
	"sync"

	"github.com/nugget/dhtagent/internal/reading"
)

// DefaultCapacity is the number of readings retained when no capacity
// is configured.
const DefaultCapacity = 3

// Store is a fixed-capacity circular buffer of readings. It is safe for
// concurrent use.
type Store struct {
	mu    sync.Mutex
	slots []reading.Reading
	next  int // slot the next Insert overwrites; also the oldest slot
	count int
}

// New creates a store holding at most capacity readings. A capacity
// below 1 falls back to [DefaultCapacity].
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Store{slots: make([]reading.Reading, capacity)}
}

// Insert overwrites the oldest slot with r and advances the write
// index. The caller is responsible for validating r first.
func (s *Store) Insert(r reading.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots[s.next] = r
	s.next = (s.next + 1) % len(s.slots)
	if s.count < len(s.slots) {
		s.count++
	}
}

// Snapshot returns the retained readings from oldest to newest. The
// ring is copied under the lock when Snapshot is called, so the
// sequence reflects a single point in time even if inserts continue
// while it is being consumed. Slots that were never written (zero
// timestamp) are skipped. Each call returns an independent sequence.
func (s *Store) Snapshot() iter.Seq[reading.Reading] {
	s.mu.Lock()
	ring := make([]reading.Reading, len(s.slots))
	copy(ring, s.slots)
	start := s.next
	s.mu.Unlock()

	return func(yield func(reading.Reading) bool) {
		for i := range ring {
			r := ring[(start+i)%len(ring)]
			if r.Timestamp == 0 {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Len returns the number of readings inserted so far, capped at Cap.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Cap returns the store's fixed capacity.
func (s *Store) Cap() int {
	return len(s.slots)
}
