// Package execution is the boundary through which the pipeline buys and
// sells without knowing whether the venue is simulated or real.
package execution

import (
	"context"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// TradeRequest asks a Trader to swap SOL for a token (Buy, sized by
// AmountSOL) or the token back to SOL (Sell, sized by Quantity).
type TradeRequest struct {
	RequestID      string          `json:"request_id"` // idempotency key
	Mint           string          `json:"mint"`
	Direction      Direction       `json:"direction"`
	AmountSOL      decimal.Decimal `json:"amount_sol"`
	Quantity       decimal.Decimal `json:"quantity"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
	RefPrice       decimal.Decimal `json:"ref_price"` // SOL per token at decision time
}

// Fill is a confirmed execution.
type Fill struct {
	RequestID   string          `json:"request_id"`
	Mint        string          `json:"mint"`
	Direction   Direction       `json:"direction"`
	Mode        domain.Mode     `json:"mode"`
	Quantity    decimal.Decimal `json:"quantity"`   // tokens bought or sold
	AmountSOL   decimal.Decimal `json:"amount_sol"` // SOL spent or received
	AvgPrice    decimal.Decimal `json:"avg_price"`
	FeeSOL      decimal.Decimal `json:"fee_sol"`
	SlippageBps float64         `json:"slippage_bps"`
	Signature   string          `json:"signature,omitempty"`
	FilledAt    time.Time       `json:"filled_at"`
}

// Trader executes trades. Implementations return an error rather than a
// zero fill when nothing executed.
type Trader interface {
	Mode() domain.Mode
	ExecuteTrade(ctx context.Context, req TradeRequest) (Fill, error)
}

// PriceSource quotes the current SOL price of a token.
type PriceSource interface {
	PriceSOL(ctx context.Context, mint string) (decimal.Decimal, error)
}
