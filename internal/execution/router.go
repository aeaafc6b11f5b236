package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// RouterConfig bounds every execution.
type RouterConfig struct {
	Timeout                 time.Duration `yaml:"timeout"`
	PartialFillTolerancePct float64       `yaml:"partial_fill_tolerance_pct"`
}

// Router picks the Trader for a position's mode and normalizes failures:
// timeouts, adapter errors and partial fills all wrap ErrExecutionFailed.
type Router struct {
	config  RouterConfig
	traders map[domain.Mode]Trader

	executed atomic.Int64
	failed   atomic.Int64
	partial  atomic.Int64
}

// NewRouter creates a router over the given traders, one per mode.
func NewRouter(config RouterConfig, traders ...Trader) *Router {
	r := &Router{
		config:  config,
		traders: make(map[domain.Mode]Trader, len(traders)),
	}
	for _, t := range traders {
		r.traders[t.Mode()] = t
	}
	return r
}

// Supports reports whether a trader is registered for mode.
func (r *Router) Supports(mode domain.Mode) bool {
	_, ok := r.traders[mode]
	return ok
}

// Execute runs req on the trader for mode. A returned error always wraps
// domain.ErrExecutionFailed, and nothing was recorded as filled.
func (r *Router) Execute(ctx context.Context, mode domain.Mode, req TradeRequest) (Fill, error) {
	trader, ok := r.traders[mode]
	if !ok {
		r.failed.Add(1)
		return Fill{}, fmt.Errorf("execution: no trader for mode %s: %w", mode, domain.ErrExecutionFailed)
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	fill, err := trader.ExecuteTrade(ctx, req)
	if err != nil {
		r.failed.Add(1)
		log.Warn().Err(err).
			Str("request_id", req.RequestID).
			Str("mint", domain.ShortAddress(req.Mint)).
			Str("direction", string(req.Direction)).
			Str("mode", string(mode)).
			Dur("elapsed", time.Since(start)).
			Msg("execution: trade failed")
		return Fill{}, fmt.Errorf("execution: %s %s: %w: %w", req.Direction, domain.ShortAddress(req.Mint), domain.ErrExecutionFailed, err)
	}

	if err := CheckFill(req, fill, r.config.PartialFillTolerancePct); err != nil {
		r.failed.Add(1)
		r.partial.Add(1)
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("execution: partial fill")
		return Fill{}, err
	}

	r.executed.Add(1)
	return fill, nil
}

// CheckFill rejects fills short of the request by more than tolerancePct.
// Buys are measured in SOL spent, sells in tokens sold.
func CheckFill(req TradeRequest, fill Fill, tolerancePct float64) error {
	want, got := req.AmountSOL, fill.AmountSOL
	if req.Direction == Sell {
		want, got = req.Quantity, fill.Quantity
	}
	if !want.IsPositive() {
		return nil
	}
	floor := want.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(tolerancePct).Div(decimal.NewFromInt(100))))
	if got.LessThan(floor) {
		return fmt.Errorf("execution: %s %s filled %s of %s: %w: %w",
			req.Direction, domain.ShortAddress(req.Mint), got.String(), want.String(),
			domain.ErrExecutionFailed, domain.ErrPartialFill)
	}
	return nil
}

// RouterStats are execution counters.
type RouterStats struct {
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
	Partial  int64 `json:"partial_fills"`
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Executed: r.executed.Load(),
		Failed:   r.failed.Load(),
		Partial:  r.partial.Load(),
	}
}
