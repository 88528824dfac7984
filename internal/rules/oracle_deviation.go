package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/subscriber"
)

// referenceWindow is how long oracle samples feed the rolling median.
const referenceWindow = time.Minute

// OracleDeviation compares incoming prices for the reference oracle
// against a rolling one-minute median of prior samples.
type OracleDeviation struct {
	program         string
	referenceOracle string
	maxDeviationPct float64

	mu      sync.Mutex
	samples []priceSample
}

type priceSample struct {
	at    time.Time
	price float64
}

func NewOracleDeviation(cfg config.OracleDeviationConfig) *OracleDeviation {
	return &OracleDeviation{
		program:         cfg.Program,
		referenceOracle: cfg.ReferenceOracle,
		maxDeviationPct: cfg.MaxDeviationPct,
	}
}

func (r *OracleDeviation) Name() string { return "oracle_deviation" }

func (r *OracleDeviation) Describe() Description {
	return Description{
		Description:     "Alerts when a price deviates from the rolling reference median",
		DefaultSeverity: alerts.SeverityHigh,
		Program:         r.program,
		WindowSeconds:   int(referenceWindow.Seconds()),
		Parameters: map[string]string{
			"reference_oracle":  r.referenceOracle,
			"max_deviation_pct": strconv.FormatFloat(r.maxDeviationPct, 'f', -1, 64),
		},
	}
}

func (r *OracleDeviation) Evaluate(_ context.Context, event *subscriber.ProgramEvent, _ HistoryView, now time.Time) Result {
	account := event.Data.Account
	if account == nil || account.Price == nil || account.Oracle != r.referenceOracle {
		return NoAlert()
	}

	price := *account.Price
	if price <= 0 {
		return Failed(ErrKindBadInput, fmt.Sprintf("non-positive price %f", price))
	}

	reference, haveRef := r.observe(price, now)
	if !haveRef || reference == 0 {
		return NoAlert()
	}

	deviation := price - reference
	if deviation < 0 {
		deviation = -deviation
	}
	deviationPct := deviation / reference * 100
	if deviationPct < r.maxDeviationPct {
		return NoAlert()
	}

	return Triggered(&alerts.Alert{
		RuleName:   r.Name(),
		ProgramID:  event.ProgramID,
		Severity:   alerts.SeverityHigh,
		Message:    fmt.Sprintf("Price %.6f deviates %.2f%% from the reference median %.6f", price, deviationPct, reference),
		Confidence: 0.85,
		Timestamp:  now,
		Metadata: map[string]string{
			"oracle":        r.referenceOracle,
			"price":         strconv.FormatFloat(price, 'f', 6, 64),
			"reference":     strconv.FormatFloat(reference, 'f', 6, 64),
			"deviation_pct": strconv.FormatFloat(deviationPct, 'f', 2, 64),
		},
		VolatileKeys: []string{"price", "reference", "deviation_pct"},
		SuggestedActions: []string{
			"Cross-check the price on an independent oracle",
			"Pause automated strategies consuming this feed",
		},
	})
}

// observe records a sample and returns the median of the samples that
// preceded it within the reference window.
func (r *OracleDeviation) observe(price float64, now time.Time) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-referenceWindow)
	kept := r.samples[:0]
	for _, s := range r.samples {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	r.samples = kept

	var reference float64
	haveRef := len(r.samples) > 0
	if haveRef {
		values := make([]float64, len(r.samples))
		for i, s := range r.samples {
			values[i] = s.price
		}
		sort.Float64s(values)
		mid := len(values) / 2
		if len(values)%2 == 0 {
			reference = (values[mid-1] + values[mid]) / 2
		} else {
			reference = values[mid]
		}
	}

	r.samples = append(r.samples, priceSample{at: now, price: price})
	return reference, haveRef
}
