package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/metrics"
	apperrors "github.com/solwatch/watchtower/pkg/errors"
)

// deliveryTimeout is the hard per-delivery deadline.
const deliveryTimeout = 30 * time.Second

// queueCapacityFactor sizes each channel's pending FIFO relative to
// its burst.
const queueCapacityFactor = 4

// maxDeliveryRetries bounds the 1s/2s/4s retry ladder after the
// initial attempt.
const maxDeliveryRetries = 3

// tokenPollInterval is how often a worker rechecks an empty bucket.
const tokenPollInterval = 250 * time.Millisecond

// failureRateWindow feeds the degraded-status computation.
const failureRateWindow = 5 * time.Minute

// drainGrace is how long Run waits for workers after the alert
// stream closes.
const drainGrace = 10 * time.Second

// Journal receives alert records for durable storage. Implementations
// must not block.
type Journal interface {
	Record(alert *alerts.Alert, transition string)
}

// Manager owns the post-evaluation path: dedup through the store,
// filtering, rate limiting, batching, and channel fan-out.
type Manager struct {
	store     *alerts.Store
	templates *TemplateEngine
	channels  []*managedChannel
	global    *TokenBucket
	filters   []alertFilter
	minSev    alerts.Severity
	batching  config.GlobalConfig
	journal   Journal
	collector *metrics.Collector
	logger    *logrus.Logger

	// observers receive every newly stored alert (dashboard push).
	obsMu     sync.RWMutex
	observers []func(*alerts.Alert)
}

type managedChannel struct {
	channel Channel
	bucket  *TokenBucket
	window  *metrics.SlidingWindow

	qmu   sync.Mutex
	queue chan *alerts.Alert
}

type alertFilter struct {
	name       string
	severities map[alerts.Severity]struct{}
	channels   map[string]struct{}
	include    bool
}

// NewManager builds the channel set from configuration. An invalid
// min_severity, an invalid filter severity or a template that fails to
// compile is an error; channel settings such as URLs and credentials
// are not checked here. Unknown channel kinds are rejected by
// config.Load.
func NewManager(cfg *config.Config, store *alerts.Store, collector *metrics.Collector, logger *logrus.Logger) (*Manager, error) {
	minSev, err := alerts.ParseSeverity(cfg.Global.MinSeverity)
	if err != nil {
		return nil, apperrors.E(apperrors.KindConfig, "notifier.NewManager", "invalid min_severity", err)
	}

	m := &Manager{
		store:     store,
		minSev:    minSev,
		batching:  cfg.Global,
		collector: collector,
		logger:    logger,
	}

	if cfg.RateLimiting.Enabled {
		m.global = NewTokenBucket(cfg.RateLimiting.MaxMessagesPerMinute, cfg.RateLimiting.BurstSize)
	}

	for _, f := range cfg.Global.Filters {
		parsed := alertFilter{
			name:       f.Name,
			include:    f.Include,
			severities: make(map[alerts.Severity]struct{}, len(f.Severities)),
			channels:   make(map[string]struct{}, len(f.Channels)),
		}
		for _, s := range f.Severities {
			sev, err := alerts.ParseSeverity(s)
			if err != nil {
				return nil, apperrors.E(apperrors.KindConfig, "notifier.NewManager", "invalid filter severity", err)
			}
			parsed.severities[sev] = struct{}{}
		}
		for _, c := range f.Channels {
			parsed.channels[c] = struct{}{}
		}
		m.filters = append(m.filters, parsed)
	}

	overrides := make(map[string]string)
	add := func(ch Channel, common config.ChannelCommon) {
		rate := common.MaxMessagesPerMinute
		burst := common.BurstSize
		if rate <= 0 {
			rate = cfg.RateLimiting.MaxMessagesPerMinute
		}
		if burst <= 0 {
			burst = cfg.RateLimiting.BurstSize
		}
		if burst <= 0 {
			burst = 1
		}

		mc := &managedChannel{
			channel: ch,
			window:  metrics.NewSlidingWindow(failureRateWindow),
			queue:   make(chan *alerts.Alert, queueCapacityFactor*burst),
		}
		if cfg.RateLimiting.Enabled {
			mc.bucket = NewTokenBucket(rate, burst)
		}
		m.channels = append(m.channels, mc)
		if common.Template != "" {
			overrides[ch.Name()] = common.Template
		}
	}

	if c := cfg.Alerts.Email; c != nil {
		add(NewEmailChannel(*c), c.ChannelCommon)
	}
	if c := cfg.Alerts.Telegram; c != nil {
		add(NewTelegramChannel(*c), c.ChannelCommon)
	}
	if c := cfg.Alerts.Slack; c != nil {
		add(NewSlackChannel(*c), c.ChannelCommon)
	}
	if c := cfg.Alerts.Discord; c != nil {
		add(NewDiscordChannel(*c), c.ChannelCommon)
	}
	if c := cfg.Alerts.Webhook; c != nil {
		add(NewWebhookChannel(*c), c.ChannelCommon)
	}
	if c := cfg.Alerts.Console; c != nil {
		add(NewConsoleChannel(logger), c.ChannelCommon)
	}
	if c := cfg.Alerts.File; c != nil {
		add(NewFileChannel(*c), c.ChannelCommon)
	}

	m.templates, err = NewTemplateEngine(overrides)
	if err != nil {
		return nil, err
	}

	logger.WithField("channels", len(m.channels)).Info("Notification manager initialized")
	return m, nil
}

// SetJournal attaches the optional durable journal.
func (m *Manager) SetJournal(j Journal) { m.journal = j }

// Observe registers a callback invoked for every newly stored alert.
func (m *Manager) Observe(fn func(*alerts.Alert)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Run consumes the engine's alert stream until it closes. Each alert
// is deduplicated through the store; only new alerts fan out.
func (m *Manager) Run(ctx context.Context, in <-chan *alerts.Alert) {
	var wg sync.WaitGroup
	for _, mc := range m.channels {
		wg.Add(1)
		go func(mc *managedChannel) {
			defer wg.Done()
			m.worker(ctx, mc)
		}(mc)
	}

	for alert := range in {
		stored, isNew := m.store.Submit(alert)
		if m.journal != nil {
			m.journal.Record(stored, "submitted")
		}
		if !isNew {
			continue
		}
		m.notifyObservers(stored)
		m.route(stored)
	}

	for _, mc := range m.channels {
		mc.qmu.Lock()
		close(mc.queue)
		mc.qmu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		abandoned := 0
		for _, mc := range m.channels {
			abandoned += len(mc.queue)
		}
		if abandoned > 0 {
			m.collector.RecordShutdownAbandoned(abandoned)
			m.logger.WithField("abandoned", abandoned).Warn("Abandoning pending deliveries at shutdown")
		}
	}
}

func (m *Manager) notifyObservers(alert *alerts.Alert) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, fn := range m.observers {
		fn(alert)
	}
}

// route picks the channels an alert goes to: the severity floor plus
// every matching filter must permit it.
func (m *Manager) route(alert *alerts.Alert) {
	if alert.Severity < m.minSev {
		return
	}

	eligible := make(map[string]struct{}, len(m.channels))
	for _, mc := range m.channels {
		eligible[mc.channel.Name()] = struct{}{}
	}

	for _, f := range m.filters {
		if len(f.severities) > 0 {
			if _, match := f.severities[alert.Severity]; !match {
				continue
			}
		}
		if f.include {
			for name := range eligible {
				if _, keep := f.channels[name]; !keep {
					delete(eligible, name)
				}
			}
		} else {
			if len(f.channels) == 0 {
				for name := range eligible {
					delete(eligible, name)
				}
				continue
			}
			for name := range f.channels {
				delete(eligible, name)
			}
		}
	}

	for _, mc := range m.channels {
		if _, ok := eligible[mc.channel.Name()]; ok {
			m.enqueue(mc, alert)
		}
	}
}

// enqueue adds to the channel's bounded FIFO, dropping the oldest
// pending alert on overflow.
func (m *Manager) enqueue(mc *managedChannel, alert *alerts.Alert) {
	mc.qmu.Lock()
	defer mc.qmu.Unlock()

	for {
		select {
		case mc.queue <- alert:
			return
		default:
		}

		select {
		case dropped := <-mc.queue:
			m.collector.RecordNotificationDropped(mc.channel.Name())
			m.logger.WithFields(logrus.Fields{
				"channel":  mc.channel.Name(),
				"alert_id": dropped.ID,
			}).Warn("Notification queue full, dropping oldest")
		default:
		}
	}
}

// worker drains one channel's queue. With batching enabled it
// coalesces up to batch_size alerts or batch_timeout, whichever comes
// first; remaining batches flush at shutdown.
func (m *Manager) worker(ctx context.Context, mc *managedChannel) {
	if !m.batching.EnableBatching || !mc.channel.SupportsBatching() {
		for {
			select {
			case alert, ok := <-mc.queue:
				if !ok {
					return
				}
				m.deliverOne(ctx, mc, alert)
			case <-ctx.Done():
				return
			}
		}
	}

	batchTimeout := time.Duration(m.batching.BatchTimeoutSeconds) * time.Second
	if batchTimeout <= 0 {
		batchTimeout = time.Minute
	}

	var batch []*alerts.Alert
	timer := time.NewTimer(batchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			m.deliverBatch(ctx, mc, batch)
			batch = nil
		}
		timer.Reset(batchTimeout)
	}

	for {
		select {
		case alert, ok := <-mc.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, alert)
			if len(batch) >= m.batching.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// waitTokens blocks until one global and one channel token are
// available. A delivery consumes exactly one of each.
func (m *Manager) waitTokens(ctx context.Context, mc *managedChannel) bool {
	limitedLogged := false
	for {
		if m.global == nil || m.global.Consume() {
			if mc.bucket == nil || mc.bucket.Consume() {
				return true
			}
			if m.global != nil {
				m.global.Refund()
			}
		}

		if !limitedLogged {
			m.collector.RecordRateLimited(mc.channel.Name())
			limitedLogged = true
		}

		select {
		case <-time.After(tokenPollInterval):
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Manager) deliverOne(ctx context.Context, mc *managedChannel, alert *alerts.Alert) {
	if !m.waitTokens(ctx, mc) {
		return
	}

	subject, body, err := m.templates.Render(mc.channel.Name(), alert)
	if err != nil {
		m.collector.RecordTemplateError(mc.channel.Name())
		m.logger.WithError(err).WithField("channel", mc.channel.Name()).Warn("Template render failed, using plaintext summary")
	}

	m.deliver(ctx, mc, &Message{Subject: subject, Body: body})
}

func (m *Manager) deliverBatch(ctx context.Context, mc *managedChannel, batch []*alerts.Alert) {
	if !m.waitTokens(ctx, mc) {
		return
	}

	subject, body, err := m.templates.RenderBatch(batch)
	if err != nil {
		m.collector.RecordTemplateError(mc.channel.Name())
		m.logger.WithError(err).WithField("channel", mc.channel.Name()).Warn("Batch template render failed, using plaintext summary")
	}

	m.deliver(ctx, mc, &Message{Subject: subject, Body: body})
}

// deliver invokes the channel under the per-delivery deadline,
// retrying transient failures on the 1s/2s/4s ladder. Permanent
// failures are not retried and the alert is not re-queued.
func (m *Manager) deliver(ctx context.Context, mc *managedChannel, msg *Message) {
	operation := func() error {
		dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		defer cancel()

		err := mc.channel.Deliver(dctx, msg)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 4 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxDeliveryRetries), ctx))

	ok := err == nil
	m.collector.RecordDelivery(mc.channel.Name(), ok)
	m.store.RecordDelivery(ok)
	if ok {
		mc.window.Record(0, time.Now())
		m.logger.WithField("channel", mc.channel.Name()).Debug("Notification delivered")
	} else {
		mc.window.Record(1, time.Now())
		m.logger.WithError(err).WithField("channel", mc.channel.Name()).Warn("Notification delivery failed")
	}
}

// FailureRates reports each channel's failure share over the last
// five minutes. Feeds the degraded-status computation.
func (m *Manager) FailureRates() map[string]float64 {
	now := time.Now()
	rates := make(map[string]float64, len(m.channels))
	for _, mc := range m.channels {
		rates[mc.channel.Name()] = mc.window.Stats(now).Mean
	}
	return rates
}

// ChannelNames lists the configured channels.
func (m *Manager) ChannelNames() []string {
	names := make([]string, 0, len(m.channels))
	for _, mc := range m.channels {
		names = append(names, mc.channel.Name())
	}
	return names
}
