package ledger

import (
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Trigger is a matched exit rule.
type Trigger struct {
	PositionID string            `json:"position_id"`
	Reason     domain.ExitReason `json:"reason"`
	Price      decimal.Decimal   `json:"price"`
	Threshold  decimal.Decimal   `json:"threshold"`
}

// CheckExit evaluates the exit rules for pos at price, in priority order:
// stop-loss, take-profit, trailing stop. pos.HighWaterMark must already
// include price.
func CheckExit(pos domain.Position, price decimal.Decimal) (Trigger, bool) {
	if !pos.EntryPrice.IsPositive() {
		return Trigger{}, false
	}
	cfg := pos.Exit

	if cfg.StopLossPct > 0 {
		stop := pos.EntryPrice.Mul(one.Sub(pct(cfg.StopLossPct)))
		if price.LessThanOrEqual(stop) {
			return Trigger{PositionID: pos.ID, Reason: domain.ExitStopLoss, Price: price, Threshold: stop}, true
		}
	}

	if cfg.TakeProfitPct > 0 {
		target := pos.EntryPrice.Mul(one.Add(pct(cfg.TakeProfitPct)))
		if price.GreaterThanOrEqual(target) {
			return Trigger{PositionID: pos.ID, Reason: domain.ExitTakeProfit, Price: price, Threshold: target}, true
		}
	}

	if cfg.TrailingStopPct > 0 && pos.HighWaterMark.IsPositive() {
		trail := pos.HighWaterMark.Mul(one.Sub(pct(cfg.TrailingStopPct)))
		if price.LessThanOrEqual(trail) {
			return Trigger{PositionID: pos.ID, Reason: domain.ExitTrailingStop, Price: price, Threshold: trail}, true
		}
	}

	return Trigger{}, false
}

func pct(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(hundred)
}
