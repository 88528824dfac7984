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

// LiquidityDrop alerts when a pool's liquidity falls a configured
// percentage below the maximum observed over the window.
type LiquidityDrop struct {
	program      string
	thresholdPct float64
	window       time.Duration
	minLiquidity float64
}

func NewLiquidityDrop(cfg config.LiquidityDropConfig) *LiquidityDrop {
	return &LiquidityDrop{
		program:      cfg.Program,
		thresholdPct: cfg.ThresholdPct,
		window:       time.Duration(cfg.WindowSec) * time.Second,
		minLiquidity: cfg.MinLiquidity,
	}
}

func (r *LiquidityDrop) Name() string { return "liquidity_drop" }

func (r *LiquidityDrop) Describe() Description {
	return Description{
		Description:     "Alerts on sharp liquidity drops relative to the recent maximum",
		DefaultSeverity: alerts.SeverityHigh,
		Program:         r.program,
		WindowSeconds:   int(r.window.Seconds()),
		Parameters: map[string]string{
			"threshold_pct": strconv.FormatFloat(r.thresholdPct, 'f', -1, 64),
			"min_liquidity": strconv.FormatFloat(r.minLiquidity, 'f', -1, 64),
		},
	}
}

func (r *LiquidityDrop) Evaluate(_ context.Context, event *subscriber.ProgramEvent, view HistoryView, now time.Time) Result {
	account := event.Data.Account
	if event.Type != subscriber.EventTypeAccountUpdate || account == nil || account.Liquidity == nil {
		return NoAlert()
	}

	current := *account.Liquidity
	if current < r.minLiquidity {
		return NoAlert()
	}

	maximum := 0.0
	for _, prior := range view.Query(event.ProgramID, now.Add(-r.window), now) {
		if prior.ID == event.ID {
			continue
		}
		if prior.Data.Account != nil && prior.Data.Account.Liquidity != nil {
			if v := *prior.Data.Account.Liquidity; v > maximum {
				maximum = v
			}
		}
	}
	if maximum <= 0 {
		return NoAlert()
	}

	dropPct := (maximum - current) / maximum * 100
	if dropPct < r.thresholdPct {
		return NoAlert()
	}

	return Triggered(&alerts.Alert{
		RuleName:   r.Name(),
		ProgramID:  event.ProgramID,
		Severity:   alerts.SeverityHigh,
		Message:    fmt.Sprintf("Liquidity dropped %.1f%% from the %s window maximum", dropPct, r.window),
		Confidence: 0.9,
		Timestamp:  now,
		Metadata: map[string]string{
			"current":  strconv.FormatFloat(current, 'f', 0, 64),
			"maximum":  strconv.FormatFloat(maximum, 'f', 0, 64),
			"drop_pct": strconv.FormatFloat(dropPct, 'f', 1, 64),
		},
		VolatileKeys: []string{"current", "maximum", "drop_pct"},
		SuggestedActions: []string{
			"Check for large withdrawals in recent transactions",
			"Compare against the pool's paired markets for a coordinated exit",
		},
	})
}
