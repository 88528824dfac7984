package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/metrics"
)

type fakeChannel struct {
	name string
	fail error

	mu        sync.Mutex
	delivered []*Message
}

func (c *fakeChannel) Name() string           { return c.name }
func (c *fakeChannel) Kind() Kind             { return KindWebhook }
func (c *fakeChannel) SupportsBatching() bool { return true }

func (c *fakeChannel) Deliver(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.delivered = append(c.delivered, msg)
	return nil
}

func (c *fakeChannel) deliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newFakeManager(t *testing.T, channels ...Channel) *Manager {
	t.Helper()

	log := quietLogger()
	collector := metrics.NewCollector()
	templates, err := NewTemplateEngine(nil)
	require.NoError(t, err)

	m := &Manager{
		store:     alerts.NewStore(collector, log),
		templates: templates,
		minSev:    alerts.SeverityInfo,
		batching:  config.GlobalConfig{},
		collector: collector,
		logger:    log,
	}
	for _, ch := range channels {
		m.channels = append(m.channels, &managedChannel{
			channel: ch,
			window:  metrics.NewSlidingWindow(failureRateWindow),
			queue:   make(chan *alerts.Alert, 8),
		})
	}
	return m
}

func managerAlert(rule string, sev alerts.Severity, at time.Time) *alerts.Alert {
	return &alerts.Alert{
		RuleName:  rule,
		ProgramID: "orca",
		Severity:  sev,
		Message:   "test",
		Timestamp: at,
	}
}

func runManager(t *testing.T, m *Manager, in []*alerts.Alert) {
	t.Helper()

	ch := make(chan *alerts.Alert, len(in))
	for _, a := range in {
		ch <- a
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestDuplicateAlertDeliversOnce(t *testing.T) {
	sink := &fakeChannel{name: "webhook"}
	m := newFakeManager(t, sink)

	base := time.Unix(1700000000, 0).UTC()
	runManager(t, m, []*alerts.Alert{
		managerAlert("large_transaction", alerts.SeverityMedium, base),
		managerAlert("large_transaction", alerts.SeverityMedium, base.Add(10*time.Second)),
	})

	assert.Equal(t, 1, sink.deliveries())

	items, total := m.store.List(alerts.Filter{})
	assert.Equal(t, 1, total)
	assert.Equal(t, uint64(2), items[0].OccurrenceCount)
}

func TestSeverityFloorSkipsDelivery(t *testing.T) {
	sink := &fakeChannel{name: "webhook"}
	m := newFakeManager(t, sink)
	m.minSev = alerts.SeverityHigh

	runManager(t, m, []*alerts.Alert{
		managerAlert("low_rule", alerts.SeverityLow, time.Now().UTC()),
		managerAlert("high_rule", alerts.SeverityHigh, time.Now().UTC()),
	})

	assert.Equal(t, 1, sink.deliveries())
	// Both alerts are stored regardless of delivery.
	_, total := m.store.List(alerts.Filter{})
	assert.Equal(t, 2, total)
}

func TestExcludeFilterVetoesChannel(t *testing.T) {
	slack := &fakeChannel{name: "slack"}
	mail := &fakeChannel{name: "email"}
	m := newFakeManager(t, slack, mail)
	m.filters = []alertFilter{{
		name:       "no-info-to-slack",
		include:    false,
		severities: map[alerts.Severity]struct{}{alerts.SeverityInfo: {}},
		channels:   map[string]struct{}{"slack": {}},
	}}

	runManager(t, m, []*alerts.Alert{
		managerAlert("info_rule", alerts.SeverityInfo, time.Now().UTC()),
	})

	assert.Zero(t, slack.deliveries())
	assert.Equal(t, 1, mail.deliveries())
}

func TestIncludeFilterWhitelistsChannels(t *testing.T) {
	slack := &fakeChannel{name: "slack"}
	mail := &fakeChannel{name: "email"}
	m := newFakeManager(t, slack, mail)
	m.filters = []alertFilter{{
		name:       "critical-pages-slack",
		include:    true,
		severities: map[alerts.Severity]struct{}{alerts.SeverityCritical: {}},
		channels:   map[string]struct{}{"slack": {}},
	}}

	runManager(t, m, []*alerts.Alert{
		managerAlert("crit_rule", alerts.SeverityCritical, time.Now().UTC()),
		managerAlert("med_rule", alerts.SeverityMedium, time.Now().UTC().Add(time.Minute)),
	})

	// Critical goes only to slack; medium is untouched by the filter
	// and reaches both.
	assert.Equal(t, 2, slack.deliveries())
	assert.Equal(t, 1, mail.deliveries())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	sink := &fakeChannel{name: "webhook", fail: &DeliveryError{StatusCode: 400, Message: "bad payload"}}
	m := newFakeManager(t, sink)

	start := time.Now()
	runManager(t, m, []*alerts.Alert{
		managerAlert("rule", alerts.SeverityHigh, time.Now().UTC()),
	})

	// No retry ladder: the run finishes well under the first backoff
	// step.
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, sink.deliveries())

	stats := m.store.Stats()
	assert.Equal(t, uint64(1), stats.DeliveriesFailed)
}

func TestDeliveryStatsRecorded(t *testing.T) {
	sink := &fakeChannel{name: "webhook"}
	m := newFakeManager(t, sink)

	runManager(t, m, []*alerts.Alert{
		managerAlert("rule", alerts.SeverityHigh, time.Now().UTC()),
	})

	stats := m.store.Stats()
	assert.Equal(t, uint64(1), stats.DeliveriesOK)
	assert.Zero(t, stats.DeliveriesFailed)
	assert.Zero(t, m.FailureRates()["webhook"])
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	sink := &fakeChannel{name: "webhook"}
	m := newFakeManager(t, sink)
	mc := m.channels[0]
	mc.queue = make(chan *alerts.Alert, 2)

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 4; i++ {
		m.enqueue(mc, managerAlert("rule", alerts.SeverityHigh, base.Add(time.Duration(i)*time.Minute)))
	}

	assert.Len(t, mc.queue, 2)
	oldest := <-mc.queue
	assert.Equal(t, base.Add(2*time.Minute), oldest.Timestamp)
}

func TestBatchingCoalescesDeliveries(t *testing.T) {
	sink := &fakeChannel{name: "webhook"}
	m := newFakeManager(t, sink)
	m.batching = config.GlobalConfig{
		EnableBatching:      true,
		BatchSize:           10,
		BatchTimeoutSeconds: 60,
	}

	base := time.Unix(1700000000, 0).UTC()
	var in []*alerts.Alert
	for i := 0; i < 3; i++ {
		in = append(in, managerAlert("rule", alerts.SeverityHigh, base.Add(time.Duration(i)*5*time.Minute)))
	}
	runManager(t, m, in)

	// All three coalesce into the shutdown flush.
	require.Equal(t, 1, sink.deliveries())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.delivered[0].Subject, "3 alerts")
}
