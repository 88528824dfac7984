package alerts

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solwatch/watchtower/internal/metrics"
)

// resolveAt resolves with a fixed clock so duration assertions are
// deterministic.
func (s *Store) resolveAt(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id, now)
}

func newTestStore() *Store {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewStore(metrics.NewCollector(), log)
}

func testAlert(rule, program string, at time.Time) *Alert {
	return &Alert{
		RuleName:   rule,
		ProgramID:  program,
		Severity:   SeverityMedium,
		Message:    "test alert",
		Confidence: 1.0,
		Timestamp:  at,
		Metadata:   map[string]string{"amount": "1000000"},
	}
}

func TestSubmitStoresNewAlert(t *testing.T) {
	s := newTestStore()
	now := time.Now().UTC()

	stored, isNew := s.Submit(testAlert("large_transaction", "orca", now))
	require.True(t, isNew)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Equal(t, uint64(1), stored.OccurrenceCount)
}

func TestSubmitMergesActiveDuplicate(t *testing.T) {
	s := newTestStore()
	// Fixed base so both submissions land in the same dedup bucket.
	base := time.Unix(1700000000, 0).UTC()

	first, isNew := s.Submit(testAlert("large_transaction", "orca", base))
	require.True(t, isNew)

	second, isNew := s.Submit(testAlert("large_transaction", "orca", base.Add(10*time.Second)))
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, uint64(2), second.OccurrenceCount)

	_, total := s.List(Filter{})
	assert.Equal(t, 1, total)
}

func TestSubmitDifferentMinuteBucketsAreDistinct(t *testing.T) {
	s := newTestStore()
	base := time.Unix(1700000000, 0).UTC()

	_, isNew := s.Submit(testAlert("large_transaction", "orca", base))
	require.True(t, isNew)
	_, isNew = s.Submit(testAlert("large_transaction", "orca", base.Add(2*time.Minute)))
	assert.True(t, isNew)
}

func TestVolatileMetadataDoesNotSplitDedup(t *testing.T) {
	s := newTestStore()
	now := time.Unix(1700000000, 0).UTC()

	a := testAlert("rate_rule", "orca", now)
	a.Metadata["observed_at"] = "1"
	a.Metadata["rate_pct"] = "50"
	a.VolatileKeys = []string{"rate_pct"}

	b := testAlert("rate_rule", "orca", now.Add(time.Second))
	b.Metadata["observed_at"] = "2"
	b.Metadata["rate_pct"] = "60"
	b.VolatileKeys = []string{"rate_pct"}

	_, isNew := s.Submit(a)
	require.True(t, isNew)
	_, isNew = s.Submit(b)
	assert.False(t, isNew)
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestStore()
	stored, _ := s.Submit(testAlert("r", "p", time.Now().UTC()))

	require.NoError(t, s.Acknowledge(stored.ID))
	got, _ := s.Get(stored.ID)
	assert.Equal(t, StatusAcknowledged, got.Status)
	assert.NotNil(t, got.AcknowledgedAt)

	require.NoError(t, s.Resolve(stored.ID))
	got, _ = s.Get(stored.ID)
	assert.Equal(t, StatusResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)
}

func TestDirectResolveFromActive(t *testing.T) {
	s := newTestStore()
	stored, _ := s.Submit(testAlert("r", "p", time.Now().UTC()))

	require.NoError(t, s.Resolve(stored.ID))
	got, _ := s.Get(stored.ID)
	assert.Equal(t, StatusResolved, got.Status)
}

func TestNoBackwardTransitions(t *testing.T) {
	s := newTestStore()
	stored, _ := s.Submit(testAlert("r", "p", time.Now().UTC()))

	require.NoError(t, s.Resolve(stored.ID))
	assert.Error(t, s.Acknowledge(stored.ID))
}

func TestIdempotentAckAndResolve(t *testing.T) {
	s := newTestStore()
	stored, _ := s.Submit(testAlert("r", "p", time.Now().UTC()))

	require.NoError(t, s.Acknowledge(stored.ID))
	first, _ := s.Get(stored.ID)
	require.NoError(t, s.Acknowledge(stored.ID))
	second, _ := s.Get(stored.ID)
	assert.Equal(t, first.AcknowledgedAt, second.AcknowledgedAt)

	require.NoError(t, s.Resolve(stored.ID))
	statsAfterFirst := s.Stats()
	require.NoError(t, s.Resolve(stored.ID))
	assert.Equal(t, statsAfterFirst, s.Stats())
}

func TestUnknownAlertRejected(t *testing.T) {
	s := newTestStore()
	assert.Error(t, s.Acknowledge("missing"))
	assert.Error(t, s.Resolve("missing"))
}

func TestListOrderingAndPagination(t *testing.T) {
	s := newTestStore()
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 5; i++ {
		a := testAlert(fmt.Sprintf("rule%d", i), "p", base.Add(time.Duration(i)*5*time.Minute))
		_, isNew := s.Submit(a)
		require.True(t, isNew)
	}

	items, total := s.List(Filter{Page: 1, Limit: 2})
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, "rule4", items[0].RuleName)
	assert.Equal(t, "rule3", items[1].RuleName)

	items, _ = s.List(Filter{Page: 3, Limit: 2})
	require.Len(t, items, 1)
	assert.Equal(t, "rule0", items[0].RuleName)

	items, _ = s.List(Filter{Page: 9, Limit: 2})
	assert.Empty(t, items)
}

func TestListFilters(t *testing.T) {
	s := newTestStore()
	now := time.Now().UTC()

	high := testAlert("high_rule", "p", now)
	high.Severity = SeverityHigh
	s.Submit(high)
	s.Submit(testAlert("med_rule", "p", now))

	sev := SeverityHigh
	items, total := s.List(Filter{Severity: &sev})
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "high_rule", items[0].RuleName)
}

func TestStatsWelfordMean(t *testing.T) {
	s := newTestStore()
	base := time.Unix(1700000000, 0).UTC()

	a, _ := s.Submit(testAlert("r1", "p", base))
	b, _ := s.Submit(testAlert("r2", "p", base))

	require.NoError(t, s.resolveAt(a.ID, base.Add(10*time.Second)))
	require.NoError(t, s.resolveAt(b.ID, base.Add(30*time.Second)))

	stats := s.Stats()
	assert.InDelta(t, 20.0, stats.AvgResolutionSeconds, 0.001)
	assert.Equal(t, 2, stats.Resolved)
	assert.Equal(t, uint64(2), stats.Total)
	assert.Equal(t, uint64(1), stats.ByRule["r1"])
}

func TestAutoResolveSweep(t *testing.T) {
	s := newTestStore()
	now := time.Now().UTC()

	stale, _ := s.Submit(testAlert("stale_rule", "p", now.Add(-2*time.Hour)))
	fresh, _ := s.Submit(testAlert("fresh_rule", "p", now))

	resolved := s.AutoResolve(now, time.Hour, nil)
	assert.Equal(t, 1, resolved)

	got, _ := s.Get(stale.ID)
	assert.Equal(t, StatusResolved, got.Status)
	got, _ = s.Get(fresh.ID)
	assert.Equal(t, StatusActive, got.Status)
}

func TestAutoResolvePerRuleOverride(t *testing.T) {
	s := newTestStore()
	now := time.Now().UTC()

	quick, _ := s.Submit(testAlert("quick_rule", "p", now.Add(-10*time.Minute)))

	resolved := s.AutoResolve(now, 24*time.Hour, map[string]time.Duration{"quick_rule": 5 * time.Minute})
	assert.Equal(t, 1, resolved)

	got, _ := s.Get(quick.ID)
	assert.Equal(t, StatusResolved, got.Status)
}

func TestPurgeResolvedAfterRetention(t *testing.T) {
	s := newTestStore()
	now := time.Now().UTC()

	stored, _ := s.Submit(testAlert("r", "p", now.Add(-2*time.Hour)))
	require.NoError(t, s.resolveAt(stored.ID, now.Add(-90*time.Minute)))

	removed := s.PurgeResolved(now, time.Hour)
	assert.Equal(t, 1, removed)
	_, ok := s.Get(stored.ID)
	assert.False(t, ok)
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	s := newTestStore()
	now := time.Now().UTC()

	stored, _ := s.Submit(testAlert("r", "p", now.Add(-2*time.Hour)))
	s.Touch(stored.ID, now)

	resolved := s.AutoResolve(now, time.Hour, nil)
	assert.Zero(t, resolved)
}
