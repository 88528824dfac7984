package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/history"
	"github.com/solwatch/watchtower/internal/metrics"
	"github.com/solwatch/watchtower/internal/rules"
	"github.com/solwatch/watchtower/internal/subscriber"
)

// alertQueueCapacity bounds the engine-to-manager channel. A full
// queue drops the oldest pending alert.
const alertQueueCapacity = 1024

// shutdownGrace is how long Run waits for in-flight evaluations after
// the event stream ends.
const shutdownGrace = 10 * time.Second

// Engine owns the rule set and drives evaluation. Rules register
// before Run; alerts flow out through Alerts().
type Engine struct {
	cfg          config.EngineConfig
	history      *history.Store
	collector    *metrics.Collector
	logger       *logrus.Logger
	programNames map[string]string

	mu      sync.RWMutex
	rules   map[string]rules.Rule
	running bool

	sem         chan struct{}
	alertMu     sync.Mutex
	alertCh     chan *alerts.Alert
	alertClosed bool

	inflight        atomic.Int64
	eventsProcessed atomic.Uint64
	alertsGenerated atomic.Uint64
	startedAt       time.Time
}

// New creates an engine over the given history store.
func New(cfg config.EngineConfig, store *history.Store, programNames map[string]string, collector *metrics.Collector, logger *logrus.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		history:      store,
		collector:    collector,
		logger:       logger,
		programNames: programNames,
		rules:        make(map[string]rules.Rule),
		sem:          make(chan struct{}, cfg.MaxConcurrentEvaluations),
		alertCh:      make(chan *alerts.Alert, alertQueueCapacity),
	}
}

// Register adds a rule. Registration is pre-start only and duplicate
// names are rejected.
func (e *Engine) Register(rule rules.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("cannot register rule %q while running", rule.Name())
	}
	if _, exists := e.rules[rule.Name()]; exists {
		return fmt.Errorf("rule %q is already registered", rule.Name())
	}
	e.rules[rule.Name()] = rule
	e.logger.WithField("rule", rule.Name()).Info("Registered rule")
	return nil
}

// Rules lists the registered rule descriptions.
func (e *Engine) Rules() map[string]rules.Description {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]rules.Description, len(e.rules))
	for name, rule := range e.rules {
		out[name] = rule.Describe()
	}
	return out
}

// Alerts is the stream consumed by the alert manager.
func (e *Engine) Alerts() <-chan *alerts.Alert {
	return e.alertCh
}

// EventsProcessed reports the lifetime event count.
func (e *Engine) EventsProcessed() uint64 { return e.eventsProcessed.Load() }

// AlertsGenerated reports the lifetime alert count.
func (e *Engine) AlertsGenerated() uint64 { return e.alertsGenerated.Load() }

// Uptime reports time since Run started.
func (e *Engine) Uptime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}

// Run consumes the event stream until it closes or ctx is cancelled,
// then waits up to the shutdown grace for in-flight evaluations and
// closes the alert stream. Abandoned evaluations are counted.
func (e *Engine) Run(ctx context.Context, events <-chan *subscriber.ProgramEvent) {
	e.mu.Lock()
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.logger.WithField("rules", len(e.Rules())).Info("Engine started")

	var wg sync.WaitGroup
loop:
	for {
		select {
		case event, ok := <-events:
			if !ok {
				break loop
			}
			e.process(ctx, event, &wg)
		case <-ctx.Done():
			break loop
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		abandoned := int(e.inflight.Load())
		if abandoned > 0 {
			e.collector.RecordShutdownAbandoned(abandoned)
			e.logger.WithField("abandoned", abandoned).Warn("Abandoning in-flight evaluations at shutdown")
		}
	}

	e.alertMu.Lock()
	e.alertClosed = true
	close(e.alertCh)
	e.alertMu.Unlock()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.logger.Info("Engine stopped")
}

// process appends the event to history and dispatches evaluation to
// every candidate rule, honoring the engine-wide concurrency ceiling.
func (e *Engine) process(ctx context.Context, event *subscriber.ProgramEvent, wg *sync.WaitGroup) {
	started := time.Now()
	e.history.Append(event)
	e.eventsProcessed.Add(1)

	e.mu.RLock()
	candidates := make([]rules.Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		if program := rule.Describe().Program; program != "" && program != event.ProgramID {
			continue
		}
		candidates = append(candidates, rule)
	}
	e.mu.RUnlock()

	for _, rule := range candidates {
		select {
		case e.sem <- struct{}{}:
		case <-time.After(e.cfg.RuleTimeout()):
			// No slot freed within the timeout; the candidate is
			// dropped rather than queued forever.
			e.collector.RecordRuleDrop()
			e.logger.WithFields(logrus.Fields{
				"rule":     rule.Name(),
				"event_id": event.ID,
			}).Warn("Dropped evaluation waiting for a slot")
			continue
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		e.inflight.Add(1)
		go e.evaluate(ctx, rule, event, wg)
	}

	e.collector.RecordEventProcessing(time.Since(started))
}

// evaluate runs one rule against one event under the per-rule
// deadline, catching panics at the boundary. A rule that overruns its
// deadline is cancelled cooperatively; its goroutine is left to
// finish and its eventual result discarded.
func (e *Engine) evaluate(ctx context.Context, rule rules.Rule, event *subscriber.ProgramEvent, wg *sync.WaitGroup) {
	defer func() {
		<-e.sem
		e.inflight.Add(-1)
		wg.Done()
	}()

	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.RuleTimeout())
	defer cancel()

	started := time.Now()
	resultCh := make(chan rules.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultCh <- rules.Failed(rules.ErrKindPanic, fmt.Sprintf("rule panicked: %v", p))
			}
		}()
		resultCh <- rule.Evaluate(evalCtx, event, e.history, time.Now().UTC())
	}()

	var result rules.Result
	select {
	case result = <-resultCh:
	case <-evalCtx.Done():
		result = rules.Failed(rules.ErrKindTimeout, "evaluation deadline exceeded")
	}

	elapsed := time.Since(started)

	switch {
	case result.Err != nil:
		e.collector.RecordRuleError(rule.Name(), result.Err.Kind)
		e.logger.WithFields(logrus.Fields{
			"rule":  rule.Name(),
			"kind":  result.Err.Kind,
			"event": event.ID,
		}).Warn(result.Err.Message)
	case result.Alert != nil:
		e.collector.RecordRuleEvaluation(rule.Name(), elapsed)
		alert := result.Alert
		if alert.ProgramName == "" {
			alert.ProgramName = e.programNames[alert.ProgramID]
		}
		e.alertsGenerated.Add(1)
		e.publish(alert)
	default:
		e.collector.RecordRuleEvaluation(rule.Name(), elapsed)
	}
}

// publish enqueues an alert for the manager, dropping the oldest
// pending alert on overflow.
func (e *Engine) publish(alert *alerts.Alert) {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()

	if e.alertClosed {
		// A straggling evaluation finished after shutdown; its alert
		// is abandoned.
		e.collector.RecordShutdownAbandoned(1)
		return
	}

	for {
		select {
		case e.alertCh <- alert:
			return
		default:
		}

		select {
		case dropped := <-e.alertCh:
			e.collector.RecordAlertOverflowDrop()
			e.logger.WithFields(logrus.Fields{
				"alert_id": dropped.ID,
				"rule":     dropped.RuleName,
			}).Warn("Alert queue full, dropping oldest")
		default:
		}
	}
}
