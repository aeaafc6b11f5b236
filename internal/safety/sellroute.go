package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexus-trading/launchguard/internal/adapters/jupiter"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
)

// RoundTripQuoter quotes a buy followed by a sell of the bought amount.
type RoundTripQuoter interface {
	RoundTrip(ctx context.Context, mint string, amountSOL decimal.Decimal, slippageBps int) (jupiter.RoundTrip, error)
}

// SellRouteConfig tunes the honeypot probe.
type SellRouteConfig struct {
	ProbeSOL    decimal.Decimal
	SlippageBps int
	MaxLossPct  float64 // round-trip loss above this flags a tax anomaly
}

// DefaultSellRouteConfig probes with 0.1 SOL and flags losses above 25%.
func DefaultSellRouteConfig() SellRouteConfig {
	return SellRouteConfig{
		ProbeSOL:    decimal.RequireFromString("0.1"),
		SlippageBps: 500,
		MaxLossPct:  25,
	}
}

// SellRoute verifies the exit before entry: it asks the aggregator for a
// round trip and treats a missing sell route as a honeypot.
type SellRoute struct {
	quoter RoundTripQuoter
	config SellRouteConfig
}

// NewSellRoute creates the provider.
func NewSellRoute(quoter RoundTripQuoter, config SellRouteConfig) *SellRoute {
	if !config.ProbeSOL.IsPositive() {
		config = DefaultSellRouteConfig()
	}
	return &SellRoute{quoter: quoter, config: config}
}

func (p *SellRoute) Name() string { return "sellroute" }

func (p *SellRoute) CheckToken(ctx context.Context, mint string) (Report, error) {
	rt, err := p.quoter.RoundTrip(ctx, mint, p.config.ProbeSOL, p.config.SlippageBps)
	if errors.Is(err, jupiter.ErrNoRoute) {
		return Report{
			Score: 0,
			Checks: map[domain.Check]domain.CheckStatus{
				domain.CheckHoneypot: domain.CheckFail,
			},
			Reasons: []string{"no sell route"},
		}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("sellroute: %w", err)
	}

	r := Report{
		Score: clampScore(100 - 2*max(rt.LossPct, 0)),
		Checks: map[domain.Check]domain.CheckStatus{
			domain.CheckHoneypot:   domain.CheckPass,
			domain.CheckTaxAnomaly: domain.CheckPass,
		},
	}
	if rt.LossPct > p.config.MaxLossPct {
		r.Checks[domain.CheckTaxAnomaly] = domain.CheckFail
		r.Reasons = append(r.Reasons, fmt.Sprintf("round trip loses %.1f%%", rt.LossPct))
	}
	return r, nil
}
