package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PaperConfig configures simulated fills.
type PaperConfig struct {
	SlippageBps float64         `yaml:"slippage_bps"` // applied against the trade
	FeeSOL      decimal.Decimal `yaml:"fee_sol"`      // flat network fee per trade
	FillDelay   time.Duration   `yaml:"fill_delay"`
}

// DefaultPaperConfig returns paper defaults: 1% slippage, 5000 lamports fee.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageBps: 100,
		FeeSOL:      decimal.RequireFromString("0.000005"),
	}
}

// PaperTrader fills every request at its reference price moved against the
// trader by the configured slippage. It never calls out, so identical
// requests give identical fills.
//
// Request IDs are idempotent: a repeated ID returns the recorded fill.
type PaperTrader struct {
	config PaperConfig
	now    func() time.Time

	mu    sync.Mutex
	fills []Fill
	seen  map[string]int // request ID -> index into fills
}

var _ Trader = (*PaperTrader)(nil)

// NewPaperTrader creates a paper trader.
func NewPaperTrader(config PaperConfig) *PaperTrader {
	log.Info().
		Float64("slippage_bps", config.SlippageBps).
		Str("fee_sol", config.FeeSOL.String()).
		Dur("fill_delay", config.FillDelay).
		Msg("paper: trader initialized")
	return &PaperTrader{
		config: config,
		now:    time.Now,
		seen:   make(map[string]int),
	}
}

func (p *PaperTrader) Mode() domain.Mode { return domain.ModePaper }

// ExecuteTrade simulates a swap.
func (p *PaperTrader) ExecuteTrade(ctx context.Context, req TradeRequest) (Fill, error) {
	p.mu.Lock()
	if i, ok := p.seen[req.RequestID]; ok && req.RequestID != "" {
		fill := p.fills[i]
		p.mu.Unlock()
		log.Debug().Str("request_id", req.RequestID).Msg("paper: duplicate request, returning recorded fill")
		return fill, nil
	}
	p.mu.Unlock()

	if err := validateRequest(req); err != nil {
		return Fill{}, err
	}
	if req.MaxSlippageBps > 0 && p.config.SlippageBps > float64(req.MaxSlippageBps) {
		return Fill{}, fmt.Errorf("paper: simulated slippage %.0fbps exceeds max %dbps", p.config.SlippageBps, req.MaxSlippageBps)
	}

	if p.config.FillDelay > 0 {
		select {
		case <-time.After(p.config.FillDelay):
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		}
	}

	fill := p.simulate(req)

	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.seen[req.RequestID]; ok && req.RequestID != "" {
		return p.fills[i], nil
	}
	p.fills = append(p.fills, fill)
	if req.RequestID != "" {
		p.seen[req.RequestID] = len(p.fills) - 1
	}

	log.Info().
		Str("request_id", req.RequestID).
		Str("mint", domain.ShortAddress(req.Mint)).
		Str("direction", string(req.Direction)).
		Str("qty", fill.Quantity.String()).
		Str("amount_sol", fill.AmountSOL.String()).
		Str("price", fill.AvgPrice.String()).
		Msg("paper: trade filled")
	return fill, nil
}

// simulate computes the fill. Buys pay more per token, sells receive less.
func (p *PaperTrader) simulate(req TradeRequest) Fill {
	slip := decimal.NewFromFloat(p.config.SlippageBps).Div(decimal.NewFromInt(10_000))
	fill := Fill{
		RequestID:   req.RequestID,
		Mint:        req.Mint,
		Direction:   req.Direction,
		Mode:        domain.ModePaper,
		FeeSOL:      p.config.FeeSOL,
		SlippageBps: p.config.SlippageBps,
		FilledAt:    p.now(),
	}

	switch req.Direction {
	case Buy:
		fill.AvgPrice = req.RefPrice.Mul(decimal.NewFromInt(1).Add(slip))
		fill.AmountSOL = req.AmountSOL
		fill.Quantity = req.AmountSOL.Div(fill.AvgPrice)
	case Sell:
		fill.AvgPrice = req.RefPrice.Mul(decimal.NewFromInt(1).Sub(slip))
		fill.Quantity = req.Quantity
		fill.AmountSOL = req.Quantity.Mul(fill.AvgPrice)
	}
	return fill
}

// Fills returns a copy of the fills journal in execution order.
func (p *PaperTrader) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}

func validateRequest(req TradeRequest) error {
	if !req.RefPrice.IsPositive() {
		return fmt.Errorf("trade %s: reference price must be positive", req.RequestID)
	}
	switch req.Direction {
	case Buy:
		if !req.AmountSOL.IsPositive() {
			return fmt.Errorf("trade %s: buy amount must be positive", req.RequestID)
		}
	case Sell:
		if !req.Quantity.IsPositive() {
			return fmt.Errorf("trade %s: sell quantity must be positive", req.RequestID)
		}
	default:
		return fmt.Errorf("trade %s: unknown direction %q", req.RequestID, req.Direction)
	}
	return nil
}
