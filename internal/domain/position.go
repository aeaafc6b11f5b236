package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// Active reports whether the status blocks another open for the same key.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusClosing
}

// Mode selects paper or live execution.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// Side is always long for launch sniping; kept explicit for persistence.
type Side string

const SideLong Side = "long"

// ExitReason names the rule or actor that closed a position.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitManual       ExitReason = "manual"
	ExitShutdown     ExitReason = "shutdown"
)

// ExitConfig holds exit thresholds in percent (15 = 15%). Zero disables a rule.
type ExitConfig struct {
	StopLossPct     float64 `yaml:"stop_loss_pct" toml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct" toml:"take_profit_pct" json:"take_profit_pct"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct" toml:"trailing_stop_pct" json:"trailing_stop_pct"`
}

// Position is a single long position. The ledger is its only writer; every
// other component receives copies.
type Position struct {
	ID             string          `json:"id"`
	Mint           string          `json:"mint"`
	Symbol         string          `json:"symbol,omitempty"`
	Side           Side            `json:"side"`
	Mode           Mode            `json:"mode"`
	Status         Status          `json:"status"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	EntryAmountSOL decimal.Decimal `json:"entry_amount_sol"` // SOL spent, buy fee included
	Quantity       decimal.Decimal `json:"quantity"`
	LastPrice      decimal.Decimal `json:"last_price"`
	HighWaterMark  decimal.Decimal `json:"high_water_mark"`
	ExitPrice      decimal.Decimal `json:"exit_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl_sol"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl_sol"`
	Exit           ExitConfig      `json:"exit"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
	CloseReason    ExitReason      `json:"close_reason,omitempty"`
}

// PnLPct is the unrealized (or realized, once closed) return in percent.
func (p Position) PnLPct() float64 {
	if !p.EntryAmountSOL.IsPositive() {
		return 0
	}
	pnl := p.UnrealizedPnL
	if p.Status == StatusClosed {
		pnl = p.RealizedPnL
	}
	return pnl.Div(p.EntryAmountSOL).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// BlacklistEntry blocks a token or a creator.
type BlacklistEntry struct {
	Address string    `json:"address"`
	Reason  string    `json:"reason"`
	AddedAt time.Time `json:"added_at"`
}
