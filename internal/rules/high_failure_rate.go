package rules

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/subscriber"
)

// HighFailureRate tracks transaction outcomes per program over a
// window and alerts when the failure share crosses the configured
// rate with enough observations behind it.
type HighFailureRate struct {
	program  string
	window   time.Duration
	minCount int
	maxPct   float64

	mu       sync.Mutex
	outcomes map[string][]outcome
}

type outcome struct {
	at     time.Time
	failed bool
}

func NewHighFailureRate(cfg config.HighFailureRateConfig) *HighFailureRate {
	return &HighFailureRate{
		program:  cfg.Program,
		window:   time.Duration(cfg.WindowSeconds) * time.Second,
		minCount: cfg.MinTransactionCount,
		maxPct:   cfg.MaxFailureRatePct,
		outcomes: make(map[string][]outcome),
	}
}

func (r *HighFailureRate) Name() string { return "high_failure_rate" }

func (r *HighFailureRate) Describe() Description {
	return Description{
		Description:     "Alerts when a program's transaction failure rate spikes",
		DefaultSeverity: alerts.SeverityHigh,
		Program:         r.program,
		WindowSeconds:   int(r.window.Seconds()),
		Parameters: map[string]string{
			"min_transaction_count": strconv.Itoa(r.minCount),
			"max_failure_rate_pct":  strconv.FormatFloat(r.maxPct, 'f', -1, 64),
		},
	}
}

func (r *HighFailureRate) Evaluate(_ context.Context, event *subscriber.ProgramEvent, _ HistoryView, now time.Time) Result {
	success, ok := event.IsSuccessful()
	if !ok {
		return NoAlert()
	}

	failed, total := r.record(event.ProgramID, !success, now)
	if total < r.minCount {
		return NoAlert()
	}

	ratePct := float64(failed) / float64(total) * 100
	if ratePct < r.maxPct {
		return NoAlert()
	}

	return Triggered(&alerts.Alert{
		RuleName:   r.Name(),
		ProgramID:  event.ProgramID,
		Severity:   alerts.SeverityHigh,
		Message:    fmt.Sprintf("%d of %d transactions failed in the last %s (%.1f%%)", failed, total, r.window, ratePct),
		Confidence: 0.95,
		Timestamp:  now,
		Metadata: map[string]string{
			"failed":   strconv.Itoa(failed),
			"total":    strconv.Itoa(total),
			"rate_pct": strconv.FormatFloat(ratePct, 'f', 1, 64),
		},
		VolatileKeys: []string{"failed", "total", "rate_pct"},
		SuggestedActions: []string{
			"Inspect recent failed signatures for a shared error code",
			"Check upstream RPC health before assuming a program fault",
		},
	})
}

// record appends an outcome and returns the windowed failure count
// and total for the program.
func (r *HighFailureRate) record(programID string, failed bool, now time.Time) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.outcomes[programID][:0]
	for _, o := range r.outcomes[programID] {
		if !o.at.Before(cutoff) {
			kept = append(kept, o)
		}
	}
	kept = append(kept, outcome{at: now, failed: failed})
	r.outcomes[programID] = kept

	failures := 0
	for _, o := range kept {
		if o.failed {
			failures++
		}
	}
	return failures, len(kept)
}
