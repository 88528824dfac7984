package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process-wide metric series. It is created once
// at startup, before any other component, and injected explicitly.
type Collector struct {
	registry *prometheus.Registry

	// Ingress
	eventsTotal      *prometheus.CounterVec
	eventsMalformed  prometheus.Counter
	eventsOutOfOrder prometheus.Counter
	reconnectsTotal  prometheus.Counter
	connected        prometheus.Gauge

	// Engine
	ruleEvalsTotal   *prometheus.CounterVec
	ruleErrors       *prometheus.CounterVec
	ruleDrops        prometheus.Counter
	ruleEvalDuration *prometheus.HistogramVec
	eventProcessing  prometheus.Histogram
	historySize      prometheus.Gauge

	// Alerts
	alertsTotal           *prometheus.CounterVec
	alertsActive          prometheus.Gauge
	alertsDroppedOverflow prometheus.Counter

	// Notifier
	notificationsSent        *prometheus.CounterVec
	notificationsFailed      *prometheus.CounterVec
	notificationsDropped     *prometheus.CounterVec
	notificationsRateLimited *prometheus.CounterVec
	templateErrors           *prometheus.CounterVec

	// Lifecycle
	shutdownAbandoned prometheus.Counter
	archiveDropped    prometheus.Counter

	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

// NewCollector creates the registry and all built-in series.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		windows:  make(map[string]*SlidingWindow),
	}

	c.eventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_events_total",
		Help: "Total events ingested, by program and event type",
	}, []string{"program", "type"})

	c.eventsMalformed = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_events_malformed_total",
		Help: "Upstream frames dropped because they failed to decode",
	})

	c.eventsOutOfOrder = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_events_out_of_order_total",
		Help: "Events dropped for arriving more than the skew tolerance late",
	})

	c.reconnectsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_reconnect_attempts_total",
		Help: "Upstream reconnect attempts",
	})

	c.connected = factory.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_upstream_connected",
		Help: "1 while the upstream subscription is live",
	})

	c.ruleEvalsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_rule_evals_total",
		Help: "Completed rule evaluations",
	}, []string{"rule"})

	c.ruleErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_rule_errors_total",
		Help: "Rule evaluation failures, by rule and kind",
	}, []string{"rule", "kind"})

	c.ruleDrops = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_rule_drops_total",
		Help: "Evaluations dropped waiting for a concurrency slot",
	})

	c.ruleEvalDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watchtower_rule_evaluation_seconds",
		Help:    "Rule evaluation duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"rule"})

	c.eventProcessing = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "watchtower_event_processing_seconds",
		Help:    "End-to-end event dispatch duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	c.historySize = factory.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_history_size",
		Help: "Events currently retained in history",
	})

	c.alertsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_alerts_total",
		Help: "Alerts generated, by rule and severity",
	}, []string{"rule", "severity"})

	c.alertsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_alerts_active",
		Help: "Alerts currently in the active set",
	})

	c.alertsDroppedOverflow = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_alerts_dropped_overflow_total",
		Help: "Alerts dropped because the engine-to-manager queue was full",
	})

	c.notificationsSent = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_notifications_sent_total",
		Help: "Deliveries that succeeded",
	}, []string{"channel"})

	c.notificationsFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_notifications_failed_total",
		Help: "Deliveries that failed after retries",
	}, []string{"channel"})

	c.notificationsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_notifications_dropped_total",
		Help: "Pending deliveries dropped on queue overflow",
	}, []string{"channel"})

	c.notificationsRateLimited = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_notifications_rate_limited_total",
		Help: "Deliveries deferred by a rate-limit bucket",
	}, []string{"channel"})

	c.templateErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "watchtower_template_errors_total",
		Help: "Template renders that fell back to the plaintext summary",
	}, []string{"channel"})

	c.shutdownAbandoned = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_shutdown_abandoned_total",
		Help: "In-flight work abandoned at shutdown",
	})

	c.archiveDropped = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_archive_dropped_total",
		Help: "Archive records dropped because the journal queue was full",
	})

	return c
}

func (c *Collector) RecordEvent(program, eventType string) {
	c.eventsTotal.WithLabelValues(program, eventType).Inc()
}

func (c *Collector) RecordMalformedEvent() { c.eventsMalformed.Inc() }

func (c *Collector) RecordOutOfOrderEvent() { c.eventsOutOfOrder.Inc() }

func (c *Collector) RecordReconnectAttempt() { c.reconnectsTotal.Inc() }

func (c *Collector) SetConnected(up bool) {
	if up {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
}

func (c *Collector) RecordRuleEvaluation(rule string, d time.Duration) {
	c.ruleEvalsTotal.WithLabelValues(rule).Inc()
	c.ruleEvalDuration.WithLabelValues(rule).Observe(d.Seconds())
}

func (c *Collector) RecordRuleError(rule, kind string) {
	c.ruleErrors.WithLabelValues(rule, kind).Inc()
}

func (c *Collector) RecordRuleDrop() { c.ruleDrops.Inc() }

func (c *Collector) RecordEventProcessing(d time.Duration) {
	c.eventProcessing.Observe(d.Seconds())
}

func (c *Collector) SetHistorySize(n int) { c.historySize.Set(float64(n)) }

func (c *Collector) RecordAlert(rule, severity string) {
	c.alertsTotal.WithLabelValues(rule, severity).Inc()
}

func (c *Collector) SetActiveAlerts(n int) { c.alertsActive.Set(float64(n)) }

func (c *Collector) RecordAlertOverflowDrop() { c.alertsDroppedOverflow.Inc() }

func (c *Collector) RecordDelivery(channel string, ok bool) {
	if ok {
		c.notificationsSent.WithLabelValues(channel).Inc()
	} else {
		c.notificationsFailed.WithLabelValues(channel).Inc()
	}
}

func (c *Collector) RecordNotificationDropped(channel string) {
	c.notificationsDropped.WithLabelValues(channel).Inc()
}

func (c *Collector) RecordRateLimited(channel string) {
	c.notificationsRateLimited.WithLabelValues(channel).Inc()
}

func (c *Collector) RecordTemplateError(channel string) {
	c.templateErrors.WithLabelValues(channel).Inc()
}

func (c *Collector) RecordShutdownAbandoned(n int) {
	c.shutdownAbandoned.Add(float64(n))
}

func (c *Collector) RecordArchiveDrop() { c.archiveDropped.Inc() }

// Window returns the named sliding window, creating it on first use.
// The duration is fixed by the first caller.
func (c *Collector) Window(name string, d time.Duration) *SlidingWindow {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.windows[name]; ok {
		return w
	}
	w := NewSlidingWindow(d)
	c.windows[name] = w
	return w
}

// Handler serves the text exposition format for this registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry snapshot for the dashboard metrics API.
func (c *Collector) Gather() (map[string]float64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}

	parsed := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			name := family.GetName()
			for _, label := range m.GetLabel() {
				name += "_" + label.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				parsed[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				parsed[name] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				parsed[name+"_count"] = float64(m.GetHistogram().GetSampleCount())
				parsed[name+"_sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return parsed, nil
}
