package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/metrics"
	"github.com/solwatch/watchtower/pkg/utils"
)

// Store holds the in-memory alert set and its lifecycle. Readers get
// point-in-time snapshots; the store never hands out its own alert
// pointers.
type Store struct {
	collector *metrics.Collector
	logger    *logrus.Logger

	mu     sync.RWMutex
	byID   map[string]*Alert
	totals storeTotals

	// Welford accumulator for resolution time.
	resolvedCount uint64
	resolvedMean  float64

	deliveriesOK     uint64
	deliveriesFailed uint64
}

type storeTotals struct {
	total      uint64
	bySeverity map[string]uint64
	byRule     map[string]uint64
}

// Filter narrows List results. Nil members match everything.
type Filter struct {
	Severity *Severity
	Status   *Status
	Rule     string
	Page     int
	Limit    int
}

// Stats is the aggregate the dashboard and status endpoints read.
type Stats struct {
	Total                uint64            `json:"total"`
	BySeverity           map[string]uint64 `json:"by_severity"`
	ByRule               map[string]uint64 `json:"by_rule"`
	Active               int               `json:"active"`
	Acknowledged         int               `json:"acknowledged"`
	Resolved             int               `json:"resolved"`
	AvgResolutionSeconds float64           `json:"avg_resolution_seconds"`
	DeliveriesOK         uint64            `json:"deliveries_ok"`
	DeliveriesFailed     uint64            `json:"deliveries_failed"`
}

// NewStore creates an empty alert store.
func NewStore(collector *metrics.Collector, logger *logrus.Logger) *Store {
	return &Store{
		collector: collector,
		logger:    logger,
		byID:      make(map[string]*Alert),
		totals: storeTotals{
			bySeverity: make(map[string]uint64),
			byRule:     make(map[string]uint64),
		},
	}
}

// Submit stores a new alert or merges it into an active duplicate.
// Returns the stored alert and whether it is new (and should flow
// downstream to the notifier).
func (s *Store) Submit(alert *Alert) (*Alert, bool) {
	key := alert.DedupKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[key]; ok && existing.Status == StatusActive {
		existing.OccurrenceCount = utils.SaturatingIncUint64(existing.OccurrenceCount)
		existing.LastSeen = alert.Timestamp
		s.logger.WithFields(logrus.Fields{
			"alert_id":    key,
			"rule":        existing.RuleName,
			"occurrences": existing.OccurrenceCount,
		}).Debug("Merged duplicate alert")
		return snapshot(existing), false
	}

	stored := snapshot(alert)
	stored.ID = key
	stored.Status = StatusActive
	stored.OccurrenceCount = 1
	stored.LastSeen = alert.Timestamp
	s.byID[key] = stored

	s.totals.total = utils.SaturatingIncUint64(s.totals.total)
	s.totals.bySeverity[stored.Severity.String()] = utils.SaturatingIncUint64(s.totals.bySeverity[stored.Severity.String()])
	s.totals.byRule[stored.RuleName] = utils.SaturatingIncUint64(s.totals.byRule[stored.RuleName])
	s.collector.RecordAlert(stored.RuleName, stored.Severity.String())
	s.collector.SetActiveAlerts(s.countLocked(StatusActive))

	return snapshot(stored), true
}

// Acknowledge moves an active alert to acknowledged. Repeats are
// no-ops; acknowledging a resolved alert is rejected.
func (s *Store) Acknowledge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("unknown alert %q", id)
	}

	switch alert.Status {
	case StatusAcknowledged:
		return nil
	case StatusResolved:
		return fmt.Errorf("alert %q is already resolved", id)
	}

	now := time.Now().UTC()
	alert.Status = StatusAcknowledged
	alert.AcknowledgedAt = &now
	s.collector.SetActiveAlerts(s.countLocked(StatusActive))
	return nil
}

// Resolve moves an alert to resolved from either earlier state.
// Repeats are no-ops.
func (s *Store) Resolve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id, time.Now().UTC())
}

func (s *Store) resolveLocked(id string, now time.Time) error {
	alert, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("unknown alert %q", id)
	}
	if alert.Status == StatusResolved {
		return nil
	}

	alert.Status = StatusResolved
	alert.ResolvedAt = &now

	// Welford's online mean keeps the average exact without an
	// unbounded sum.
	elapsed := utils.NonNegDuration(now.Sub(alert.Timestamp)).Seconds()
	s.resolvedCount = utils.SaturatingIncUint64(s.resolvedCount)
	s.resolvedMean += (elapsed - s.resolvedMean) / float64(s.resolvedCount)

	s.collector.SetActiveAlerts(s.countLocked(StatusActive))
	return nil
}

// Touch updates the last-seen time of an alert if it is still open.
// Nothing in the engine calls it; last_seen otherwise advances only
// when Submit merges a duplicate.
func (s *Store) Touch(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert, ok := s.byID[id]; ok && alert.Status != StatusResolved {
		if at.After(alert.LastSeen) {
			alert.LastSeen = at
		}
	}
}

// List returns a snapshot ordered by timestamp descending, with the
// total match count before pagination.
func (s *Store) List(filter Filter) ([]*Alert, int) {
	s.mu.RLock()
	matched := make([]*Alert, 0, len(s.byID))
	for _, alert := range s.byID {
		if filter.Severity != nil && alert.Severity != *filter.Severity {
			continue
		}
		if filter.Status != nil && alert.Status != *filter.Status {
			continue
		}
		if filter.Rule != "" && alert.RuleName != filter.Rule {
			continue
		}
		matched = append(matched, snapshot(alert))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.Limit
		if start >= total {
			return nil, total
		}
		end := start + filter.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total
}

// Get returns a snapshot of one alert.
func (s *Store) Get(id string) (*Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return snapshot(alert), true
}

// Stats aggregates the current alert set and delivery counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Total:                s.totals.total,
		BySeverity:           make(map[string]uint64, len(s.totals.bySeverity)),
		ByRule:               make(map[string]uint64, len(s.totals.byRule)),
		Active:               s.countLocked(StatusActive),
		Acknowledged:         s.countLocked(StatusAcknowledged),
		Resolved:             s.countLocked(StatusResolved),
		AvgResolutionSeconds: s.resolvedMean,
		DeliveriesOK:         s.deliveriesOK,
		DeliveriesFailed:     s.deliveriesFailed,
	}
	for k, v := range s.totals.bySeverity {
		stats.BySeverity[k] = v
	}
	for k, v := range s.totals.byRule {
		stats.ByRule[k] = v
	}
	return stats
}

// RecordDelivery feeds the notifier's outcome back into stats.
func (s *Store) RecordDelivery(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.deliveriesOK = utils.SaturatingIncUint64(s.deliveriesOK)
	} else {
		s.deliveriesFailed = utils.SaturatingIncUint64(s.deliveriesFailed)
	}
}

// AutoResolve resolves active alerts whose last matching event is
// older than the rule's auto-resolve window. Returns the number
// resolved.
func (s *Store) AutoResolve(now time.Time, defaultAfter time.Duration, perRule map[string]time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := 0
	for id, alert := range s.byID {
		if alert.Status != StatusActive {
			continue
		}
		after := defaultAfter
		if d, ok := perRule[alert.RuleName]; ok {
			after = d
		}
		if now.Sub(alert.LastSeen) > after {
			if err := s.resolveLocked(id, now); err == nil {
				resolved++
				s.logger.WithFields(logrus.Fields{
					"alert_id": id,
					"rule":     alert.RuleName,
				}).Info("Auto-resolved stale alert")
			}
		}
	}
	return resolved
}

// PurgeResolved removes resolved alerts older than the retention
// window. Returns the number removed.
func (s *Store) PurgeResolved(now time.Time, retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, alert := range s.byID {
		if alert.Status != StatusResolved || alert.ResolvedAt == nil {
			continue
		}
		if now.Sub(*alert.ResolvedAt) > retention {
			delete(s.byID, id)
			removed++
		}
	}
	return removed
}

func (s *Store) countLocked(status Status) int {
	n := 0
	for _, alert := range s.byID {
		if alert.Status == status {
			n++
		}
	}
	return n
}

// snapshot deep-copies an alert so callers never share store state.
func snapshot(a *Alert) *Alert {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	c.SuggestedActions = append([]string(nil), a.SuggestedActions...)
	c.VolatileKeys = append([]string(nil), a.VolatileKeys...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
