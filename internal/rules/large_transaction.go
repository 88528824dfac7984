package rules

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/subscriber"
)

// LargeTransaction flags transactions at or above a configured amount:
// medium severity from the threshold, high from ten times it.
type LargeTransaction struct {
	program   string
	threshold uint64
}

func NewLargeTransaction(cfg config.LargeTransactionConfig) *LargeTransaction {
	return &LargeTransaction{
		program:   cfg.Program,
		threshold: cfg.AmountThreshold,
	}
}

func (r *LargeTransaction) Name() string { return "large_transaction" }

func (r *LargeTransaction) Describe() Description {
	return Description{
		Description:     "Flags transactions moving at least the configured amount",
		DefaultSeverity: alerts.SeverityMedium,
		Program:         r.program,
		Parameters: map[string]string{
			"amount_threshold": strconv.FormatUint(r.threshold, 10),
		},
	}
}

func (r *LargeTransaction) Evaluate(_ context.Context, event *subscriber.ProgramEvent, _ HistoryView, now time.Time) Result {
	tx := event.Data.Transaction
	if event.Type != subscriber.EventTypeTransactionUpdate || tx == nil {
		return NoAlert()
	}
	if r.threshold == 0 {
		return Failed(ErrKindBadInput, "amount threshold is zero")
	}
	if tx.Amount < r.threshold {
		return NoAlert()
	}

	severity := alerts.SeverityMedium
	if tx.Amount >= 10*r.threshold {
		severity = alerts.SeverityHigh
	}

	return Triggered(&alerts.Alert{
		RuleName:   r.Name(),
		ProgramID:  event.ProgramID,
		Severity:   severity,
		Message:    fmt.Sprintf("Large transaction of %d observed (threshold %d)", tx.Amount, r.threshold),
		Confidence: 1.0,
		Timestamp:  now,
		Metadata: map[string]string{
			"amount":    strconv.FormatUint(tx.Amount, 10),
			"threshold": strconv.FormatUint(r.threshold, 10),
		},
		SuggestedActions: []string{
			"Verify the transaction signature against known treasury operations",
			"Check the counterparty accounts for prior activity",
		},
	})
}
