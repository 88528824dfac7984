package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/history"
	"github.com/solwatch/watchtower/internal/metrics"
	"github.com/solwatch/watchtower/internal/rules"
	"github.com/solwatch/watchtower/internal/subscriber"
)

// fakeRule is a scriptable rule for engine tests.
type fakeRule struct {
	name     string
	program  string
	evaluate func(ctx context.Context, event *subscriber.ProgramEvent) rules.Result
}

func (r *fakeRule) Name() string { return r.name }

func (r *fakeRule) Describe() rules.Description {
	return rules.Description{Description: "test rule", Program: r.program}
}

func (r *fakeRule) Evaluate(ctx context.Context, event *subscriber.ProgramEvent, _ rules.HistoryView, _ time.Time) rules.Result {
	return r.evaluate(ctx, event)
}

func newTestEngine(t *testing.T, cfg config.EngineConfig) (*Engine, *metrics.Collector) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	collector := metrics.NewCollector()
	store := history.New(cfg.MaxHistoryEvents, cfg.MaxHistoryAge(), collector, log)
	return New(cfg, store, map[string]string{"orca": "Orca"}, collector, log), collector
}

func engineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxHistoryEvents:         1000,
		MaxHistoryAgeSeconds:     3600,
		MaxConcurrentEvaluations: 10,
		RuleTimeoutSeconds:       1,
	}
}

func testEvent(program string) *subscriber.ProgramEvent {
	return subscriber.NewEvent(program, subscriber.EventTypeTransactionUpdate, subscriber.EventData{
		Transaction: &subscriber.TransactionData{Success: true, Amount: 1},
	})
}

func runEngine(t *testing.T, eng *Engine, events ...*subscriber.ProgramEvent) []*alerts.Alert {
	t.Helper()

	in := make(chan *subscriber.ProgramEvent, len(events))
	for _, e := range events {
		in <- e
	}
	close(in)

	done := make(chan struct{})
	go func() {
		eng.Run(context.Background(), in)
		close(done)
	}()

	var got []*alerts.Alert
	for alert := range eng.Alerts() {
		got = append(got, alert)
	}

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not stop")
	}
	return got
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	eng, _ := newTestEngine(t, engineConfig())

	require.NoError(t, eng.Register(&fakeRule{name: "dup"}))
	assert.Error(t, eng.Register(&fakeRule{name: "dup"}))
}

func TestAlertsFlowDownstream(t *testing.T) {
	eng, _ := newTestEngine(t, engineConfig())

	require.NoError(t, eng.Register(&fakeRule{
		name: "always",
		evaluate: func(_ context.Context, event *subscriber.ProgramEvent) rules.Result {
			return rules.Triggered(&alerts.Alert{
				RuleName:  "always",
				ProgramID: event.ProgramID,
				Severity:  alerts.SeverityHigh,
				Message:   "triggered",
				Timestamp: time.Now().UTC(),
			})
		},
	}))

	got := runEngine(t, eng, testEvent("orca"))

	require.Len(t, got, 1)
	assert.Equal(t, "always", got[0].RuleName)
	// The engine resolves the configured program name.
	assert.Equal(t, "Orca", got[0].ProgramName)
}

func TestProgramFilterRestrictsCandidates(t *testing.T) {
	eng, _ := newTestEngine(t, engineConfig())

	var evaluated int64
	require.NoError(t, eng.Register(&fakeRule{
		name:    "orca_only",
		program: "orca",
		evaluate: func(_ context.Context, _ *subscriber.ProgramEvent) rules.Result {
			atomic.AddInt64(&evaluated, 1)
			return rules.NoAlert()
		},
	}))

	runEngine(t, eng, testEvent("orca"), testEvent("raydium"))

	assert.Equal(t, int64(1), atomic.LoadInt64(&evaluated))
}

func TestRuleTimeoutDoesNotStallEngine(t *testing.T) {
	eng, collector := newTestEngine(t, engineConfig())

	var fastEvals int64
	require.NoError(t, eng.Register(&fakeRule{
		name: "sleepy",
		evaluate: func(ctx context.Context, _ *subscriber.ProgramEvent) rules.Result {
			select {
			case <-time.After(60 * time.Second):
				return rules.NoAlert()
			case <-ctx.Done():
				return rules.Failed(rules.ErrKindTimeout, "cancelled")
			}
		},
	}))
	require.NoError(t, eng.Register(&fakeRule{
		name: "fast",
		evaluate: func(_ context.Context, _ *subscriber.ProgramEvent) rules.Result {
			atomic.AddInt64(&fastEvals, 1)
			return rules.NoAlert()
		},
	}))

	got := runEngine(t, eng, testEvent("orca"), testEvent("orca"))

	assert.Empty(t, got)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fastEvals))

	parsed, err := collector.Gather()
	require.NoError(t, err)
	timeouts := 0.0
	for name, value := range parsed {
		if name == "watchtower_rule_errors_total_timeout_sleepy" {
			timeouts = value
		}
	}
	assert.Equal(t, 2.0, timeouts)
}

func TestRulePanicIsContained(t *testing.T) {
	eng, collector := newTestEngine(t, engineConfig())

	require.NoError(t, eng.Register(&fakeRule{
		name: "panicky",
		evaluate: func(_ context.Context, _ *subscriber.ProgramEvent) rules.Result {
			panic("boom")
		},
	}))

	got := runEngine(t, eng, testEvent("orca"))
	assert.Empty(t, got)

	parsed, err := collector.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, parsed["watchtower_rule_errors_total_panic_panicky"])
}

func TestConcurrencyCeilingHolds(t *testing.T) {
	cfg := engineConfig()
	cfg.MaxConcurrentEvaluations = 2
	cfg.RuleTimeoutSeconds = 5
	eng, _ := newTestEngine(t, cfg)

	var inFlight, peak int64
	var mu sync.Mutex
	for _, name := range []string{"r1", "r2", "r3", "r4", "r5"} {
		require.NoError(t, eng.Register(&fakeRule{
			name: name,
			evaluate: func(_ context.Context, _ *subscriber.ProgramEvent) rules.Result {
				n := atomic.AddInt64(&inFlight, 1)
				mu.Lock()
				if n > peak {
					peak = n
				}
				mu.Unlock()
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return rules.NoAlert()
			},
		}))
	}

	runEngine(t, eng, testEvent("orca"), testEvent("orca"))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestEventsAppendToHistoryBeforeEvaluation(t *testing.T) {
	eng, _ := newTestEngine(t, engineConfig())

	var sawSelf int64
	require.NoError(t, eng.Register(&fakeRule{
		name: "historian",
		evaluate: func(_ context.Context, event *subscriber.ProgramEvent) rules.Result {
			for _, e := range eng.history.Query(event.ProgramID, event.Timestamp.Add(-time.Second), event.Timestamp.Add(time.Second)) {
				if e.ID == event.ID {
					atomic.AddInt64(&sawSelf, 1)
				}
			}
			return rules.NoAlert()
		},
	}))

	runEngine(t, eng, testEvent("orca"))
	assert.Equal(t, int64(1), atomic.LoadInt64(&sawSelf))
}
