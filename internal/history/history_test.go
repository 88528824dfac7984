package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solwatch/watchtower/internal/metrics"
	"github.com/solwatch/watchtower/internal/subscriber"
)

func newTestStore(maxEvents int, maxAge time.Duration) *Store {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(maxEvents, maxAge, metrics.NewCollector(), log)
}

func eventAt(program string, id string, at time.Time) *subscriber.ProgramEvent {
	return &subscriber.ProgramEvent{
		ID:        id,
		ProgramID: program,
		Type:      subscriber.EventTypeTransactionUpdate,
		Timestamp: at,
	}
}

func TestAppendPreservesArrivalOrder(t *testing.T) {
	s := newTestStore(100, time.Hour)
	now := time.Now().UTC()

	first := eventAt("orca", "a", now)
	second := eventAt("orca", "b", now.Add(time.Second))
	s.Append(first)
	s.Append(second)

	got := s.Query("orca", now.Add(-time.Minute), now.Add(time.Minute))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestAppendInsertsWithinSkewTolerance(t *testing.T) {
	s := newTestStore(100, time.Hour)
	now := time.Now().UTC()

	s.Append(eventAt("orca", "b", now))
	// One second behind the newest: inserted by timestamp.
	s.Append(eventAt("orca", "a", now.Add(-time.Second)))

	got := s.Query("orca", now.Add(-time.Minute), now.Add(time.Minute))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestAppendDropsEventsBeyondSkewTolerance(t *testing.T) {
	s := newTestStore(100, time.Hour)
	now := time.Now().UTC()

	s.Append(eventAt("orca", "b", now))
	s.Append(eventAt("orca", "stale", now.Add(-5*time.Second)))

	got := s.Query("orca", now.Add(-time.Minute), now.Add(time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestQueryRangeIsInclusiveExclusive(t *testing.T) {
	s := newTestStore(100, time.Hour)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		s.Append(eventAt("orca", fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Second)))
	}

	got := s.Query("orca", base.Add(time.Second), base.Add(3*time.Second))
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)
}

func TestQueryReturnsSnapshot(t *testing.T) {
	s := newTestStore(100, time.Hour)
	now := time.Now().UTC()
	s.Append(eventAt("orca", "a", now))

	got := s.Query("orca", now.Add(-time.Minute), now.Add(time.Minute))
	s.Append(eventAt("orca", "b", now.Add(time.Second)))

	assert.Len(t, got, 1)
}

func TestGlobalSizeCapEvictsOldestAcrossPrograms(t *testing.T) {
	s := newTestStore(4, time.Hour)
	base := time.Now().UTC()

	s.Append(eventAt("orca", "o1", base))
	s.Append(eventAt("orca", "o2", base.Add(time.Second)))
	s.Append(eventAt("raydium", "r1", base.Add(2*time.Second)))
	s.Append(eventAt("raydium", "r2", base.Add(3*time.Second)))
	s.Append(eventAt("raydium", "r3", base.Add(4*time.Second)))

	assert.Equal(t, 4, s.Size())
	// The globally oldest event was o1.
	got := s.Query("orca", base.Add(-time.Minute), base.Add(time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "o2", got[0].ID)
}

func TestEvictEnforcesAgeCap(t *testing.T) {
	s := newTestStore(100, time.Minute)
	now := time.Now().UTC()

	s.Append(eventAt("orca", "old", now.Add(-2*time.Minute)))
	s.Append(eventAt("orca", "fresh", now))

	s.Evict(now)

	assert.Equal(t, 1, s.Size())
	got := s.Query("orca", now.Add(-time.Hour), now.Add(time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].ID)
}

func TestOldestAndNewestTimestamps(t *testing.T) {
	s := newTestStore(100, time.Hour)
	base := time.Now().UTC().Truncate(time.Second)

	assert.True(t, s.OldestTimestamp().IsZero())

	s.Append(eventAt("orca", "a", base))
	s.Append(eventAt("raydium", "b", base.Add(10*time.Second)))

	assert.Equal(t, base, s.OldestTimestamp())
	assert.Equal(t, base.Add(10*time.Second), s.NewestTimestamp())
}

func TestHistoryBoundHoldsUnderLoad(t *testing.T) {
	s := newTestStore(50, time.Hour)
	base := time.Now().UTC()

	for i := 0; i < 500; i++ {
		program := fmt.Sprintf("p%d", i%7)
		s.Append(eventAt(program, fmt.Sprintf("e%04d", i), base.Add(time.Duration(i)*time.Millisecond)))
		assert.LessOrEqual(t, s.Size(), 50)
	}
}
