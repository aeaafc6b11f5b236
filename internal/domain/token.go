package domain

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// TokenSnapshot is a token as observed at one point in time. It is passed by
// value; refreshed data produces a new copy through the With* methods.
type TokenSnapshot struct {
	Mint              string          `json:"mint"`
	Name              string          `json:"name,omitempty"`
	Symbol            string          `json:"symbol,omitempty"`
	LiquiditySOL      decimal.Decimal `json:"liquidity_sol"`
	PriceSOL          decimal.Decimal `json:"price_sol"`
	HolderCount       int             `json:"holder_count"`
	TopHolderPct      float64         `json:"top_holder_pct"`
	Creator           string          `json:"creator,omitempty"`
	CreatorTokenCount int             `json:"creator_token_count"`
	LaunchedAt        time.Time       `json:"launched_at"`
	BuyTaxPct         float64         `json:"buy_tax_pct"`
	SellTaxPct        float64         `json:"sell_tax_pct"`
	ObservedAt        time.Time       `json:"observed_at"`
}

// SnapshotParams carries the raw discovery data used to build a snapshot.
type SnapshotParams struct {
	Mint              string
	Name              string
	Symbol            string
	LiquiditySOL      decimal.Decimal
	PriceSOL          decimal.Decimal
	HolderCount       int
	TopHolderPct      float64
	Creator           string
	CreatorTokenCount int
	LaunchedAt        time.Time
	BuyTaxPct         float64
	SellTaxPct        float64
}

// NewTokenSnapshot validates the identifiers and numeric ranges and returns
// a snapshot stamped with the observation time.
func NewTokenSnapshot(p SnapshotParams, observedAt time.Time) (TokenSnapshot, error) {
	if err := ValidateAddress(p.Mint); err != nil {
		return TokenSnapshot{}, fmt.Errorf("mint: %w", err)
	}
	if p.Creator != "" {
		if err := ValidateAddress(p.Creator); err != nil {
			return TokenSnapshot{}, fmt.Errorf("creator: %w", err)
		}
	}
	if p.HolderCount < 0 {
		return TokenSnapshot{}, fmt.Errorf("holder count %d is negative", p.HolderCount)
	}
	if p.TopHolderPct < 0 || p.TopHolderPct > 100 {
		return TokenSnapshot{}, fmt.Errorf("top holder pct %.2f out of range", p.TopHolderPct)
	}
	if p.LiquiditySOL.IsNegative() {
		return TokenSnapshot{}, fmt.Errorf("liquidity %s is negative", p.LiquiditySOL)
	}
	launched := p.LaunchedAt
	if launched.IsZero() {
		launched = observedAt
	}
	return TokenSnapshot{
		Mint:              p.Mint,
		Name:              p.Name,
		Symbol:            p.Symbol,
		LiquiditySOL:      p.LiquiditySOL,
		PriceSOL:          p.PriceSOL,
		HolderCount:       p.HolderCount,
		TopHolderPct:      p.TopHolderPct,
		Creator:           p.Creator,
		CreatorTokenCount: p.CreatorTokenCount,
		LaunchedAt:        launched,
		BuyTaxPct:         p.BuyTaxPct,
		SellTaxPct:        p.SellTaxPct,
		ObservedAt:        observedAt,
	}, nil
}

// Age is the time since launch as of the observation.
func (s TokenSnapshot) Age() time.Duration {
	return s.ObservedAt.Sub(s.LaunchedAt)
}

// Holders are the on-chain distribution figures fetched after discovery.
type Holders struct {
	Count        int
	TopHolderPct float64
}

// WithHolders returns a copy carrying refreshed holder figures. The mint
// never changes.
func (s TokenSnapshot) WithHolders(h Holders) TokenSnapshot {
	s.HolderCount = h.Count
	s.TopHolderPct = h.TopHolderPct
	return s
}

// WithTaxes returns a copy carrying refreshed transfer taxes.
func (s TokenSnapshot) WithTaxes(buyPct, sellPct float64) TokenSnapshot {
	s.BuyTaxPct = buyPct
	s.SellTaxPct = sellPct
	return s
}

// WithCreatorTokenCount returns a copy with the creator's prior launch count.
func (s TokenSnapshot) WithCreatorTokenCount(n int) TokenSnapshot {
	s.CreatorTokenCount = n
	return s
}

// ValidateAddress checks that s is a base58 encoded 32-byte public key.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("empty address: %w", ErrInvalidIdentifier)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("decode %q: %w", s, ErrInvalidIdentifier)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%q decodes to %d bytes: %w", s, len(raw), ErrInvalidIdentifier)
	}
	return nil
}

// ShortAddress trims an address for log lines and chat messages.
func ShortAddress(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

// DisplayName resolves the label shown to humans. Name wins, then symbol,
// then the shortened mint. Only presentation layers call this.
func DisplayName(name, symbol, mint string) string {
	switch {
	case name != "":
		return name
	case symbol != "":
		return symbol
	default:
		return ShortAddress(mint)
	}
}
