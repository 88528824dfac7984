package history

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/metrics"
	"github.com/solwatch/watchtower/internal/subscriber"
)

// skewTolerance is how far behind a program's newest event an insert
// may arrive and still be placed by timestamp. Anything older is
// dropped and counted.
const skewTolerance = 2 * time.Second

// Store is the bounded recent-past event store. Buckets are striped
// per program; no lock spans programs during normal operation.
type Store struct {
	maxEvents int
	maxAge    time.Duration
	collector *metrics.Collector
	logger    *logrus.Logger

	mu      sync.RWMutex
	buckets map[string]*bucket
	size    int
}

type bucket struct {
	mu     sync.RWMutex
	events []*subscriber.ProgramEvent
}

// New creates a store with the given global caps.
func New(maxEvents int, maxAge time.Duration, collector *metrics.Collector, logger *logrus.Logger) *Store {
	return &Store{
		maxEvents: maxEvents,
		maxAge:    maxAge,
		collector: collector,
		logger:    logger,
		buckets:   make(map[string]*bucket),
	}
}

// Append inserts an event into its program bucket, keeping the bucket
// ordered by (timestamp, id). Events older than the skew tolerance
// relative to the bucket's newest entry are dropped. Age and size
// caps are enforced opportunistically.
func (s *Store) Append(event *subscriber.ProgramEvent) {
	b := s.bucket(event.ProgramID)

	b.mu.Lock()
	if n := len(b.events); n > 0 {
		newest := b.events[n-1].Timestamp
		if event.Timestamp.Before(newest.Add(-skewTolerance)) {
			b.mu.Unlock()
			s.collector.RecordOutOfOrderEvent()
			s.logger.WithFields(logrus.Fields{
				"event_id": event.ID,
				"program":  event.ProgramID,
			}).Debug("Dropping event older than skew tolerance")
			return
		}
	}

	idx := sort.Search(len(b.events), func(i int) bool {
		return event.Before(b.events[i])
	})
	b.events = append(b.events, nil)
	copy(b.events[idx+1:], b.events[idx:])
	b.events[idx] = event

	evictedHere := evictOldLocked(b, time.Now().Add(-s.maxAge))
	b.mu.Unlock()

	s.mu.Lock()
	s.size += 1 - evictedHere
	over := s.size > s.maxEvents
	s.mu.Unlock()

	if over {
		s.evictGlobal()
	}
	s.collector.SetHistorySize(s.Size())
}

// Query returns a snapshot of the program's events in [from, to),
// ordered by (timestamp, id).
func (s *Store) Query(programID string, from, to time.Time) []*subscriber.ProgramEvent {
	s.mu.RLock()
	b, ok := s.buckets[programID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	lo := sort.Search(len(b.events), func(i int) bool {
		return !b.events[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(b.events), func(i int) bool {
		return !b.events[i].Timestamp.Before(to)
	})
	if lo >= hi {
		return nil
	}

	out := make([]*subscriber.ProgramEvent, hi-lo)
	copy(out, b.events[lo:hi])
	return out
}

// Size is the total number of retained events across programs.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// OldestTimestamp returns the oldest retained timestamp, or zero if
// the store is empty.
func (s *Store) OldestTimestamp() time.Time {
	var oldest time.Time
	s.eachBucket(func(b *bucket) {
		b.mu.RLock()
		if len(b.events) > 0 {
			t := b.events[0].Timestamp
			if oldest.IsZero() || t.Before(oldest) {
				oldest = t
			}
		}
		b.mu.RUnlock()
	})
	return oldest
}

// NewestTimestamp returns the newest retained timestamp, or zero if
// the store is empty.
func (s *Store) NewestTimestamp() time.Time {
	var newest time.Time
	s.eachBucket(func(b *bucket) {
		b.mu.RLock()
		if n := len(b.events); n > 0 {
			t := b.events[n-1].Timestamp
			if t.After(newest) {
				newest = t
			}
		}
		b.mu.RUnlock()
	})
	return newest
}

// Evict enforces the age cap on every bucket and the global size cap.
// Runs on the background pulse; Append also calls into the same size
// eviction when it pushes the store over cap.
func (s *Store) Evict(now time.Time) {
	cutoff := now.Add(-s.maxAge)
	evicted := 0
	s.eachBucket(func(b *bucket) {
		b.mu.Lock()
		evicted += evictOldLocked(b, cutoff)
		b.mu.Unlock()
	})

	if evicted > 0 {
		s.mu.Lock()
		s.size -= evicted
		s.mu.Unlock()
	}

	s.evictGlobal()
	s.collector.SetHistorySize(s.Size())
}

// evictGlobal removes the globally oldest events, tie-broken by lower
// id, until the store is under the size cap.
func (s *Store) evictGlobal() {
	for {
		s.mu.RLock()
		over := s.size > s.maxEvents
		s.mu.RUnlock()
		if !over {
			return
		}

		var victim *bucket
		var victimHead *subscriber.ProgramEvent
		s.eachBucket(func(b *bucket) {
			b.mu.RLock()
			if len(b.events) > 0 {
				head := b.events[0]
				if victimHead == nil || head.Before(victimHead) {
					victim = b
					victimHead = head
				}
			}
			b.mu.RUnlock()
		})
		if victim == nil {
			return
		}

		victim.mu.Lock()
		// The head may have been evicted concurrently; only drop if it
		// is still the same event.
		if len(victim.events) > 0 && victim.events[0].ID == victimHead.ID {
			victim.events = victim.events[1:]
			victim.mu.Unlock()
			s.mu.Lock()
			s.size--
			s.mu.Unlock()
		} else {
			victim.mu.Unlock()
		}
	}
}

func (s *Store) bucket(programID string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[programID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[programID]; ok {
		return b
	}
	b = &bucket{}
	s.buckets[programID] = b
	return b
}

func (s *Store) eachBucket(fn func(*bucket)) {
	s.mu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	for _, b := range buckets {
		fn(b)
	}
}

// evictOldLocked drops events older than cutoff from the front of a
// bucket. Caller holds the bucket lock. Returns the count removed.
func evictOldLocked(b *bucket, cutoff time.Time) int {
	idx := sort.Search(len(b.events), func(i int) bool {
		return !b.events[i].Timestamp.Before(cutoff)
	})
	if idx == 0 {
		return 0
	}
	b.events = append([]*subscriber.ProgramEvent(nil), b.events[idx:]...)
	return idx
}
