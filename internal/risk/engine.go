// Package risk gates every position open: kill switch, pause, daily spend
// and loss caps, and the open-position limit.
package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Engine is the risk gate in front of the ledger.
//
// Kill is permanent for the process; Freeze (pause) can be resumed. A breach
// of the daily loss cap freezes automatically. Daily counters reset at
// 00:00 UTC.
type Engine struct {
	config Config
	now    func() time.Time

	mu           sync.RWMutex
	dailySpent   decimal.Decimal
	dailyPnL     decimal.Decimal
	dayStart     time.Time
	pendingOpens int
	pendingSpend decimal.Decimal

	killed atomic.Bool
	frozen atomic.Bool

	allowed atomic.Int64
	denied  atomic.Int64
	freezes atomic.Int64
}

// Config holds risk limits. Zero disables a limit.
type Config struct {
	MaxDailyLossSOL  float64 `yaml:"max_daily_loss_sol" toml:"max_daily_loss_sol"`
	MaxDailySpendSOL float64 `yaml:"max_daily_spend_sol" toml:"max_daily_spend_sol"`
	MaxOpenPositions int     `yaml:"max_open_positions" toml:"max_open_positions"`
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		MaxDailyLossSOL:  1.0,
		MaxDailySpendSOL: 2.0,
		MaxOpenPositions: 5,
	}
}

// Intent is a proposed position open.
type Intent struct {
	Mint          string
	Mode          domain.Mode
	AmountSOL     decimal.Decimal
	OpenPositions int
}

// Decision is the gate's answer.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reason_codes"`
	Timestamp   int64    `json:"ts"`
}

// Reason joins the reason codes.
func (d Decision) Reason() string {
	if len(d.ReasonCodes) == 0 {
		return ""
	}
	s := d.ReasonCodes[0]
	for _, r := range d.ReasonCodes[1:] {
		s += "; " + r
	}
	return s
}

// New creates a risk engine.
func New(cfg Config) *Engine {
	e := &Engine{config: cfg, now: time.Now}
	e.dayStart = startOfDay(e.now())
	return e
}

// Check evaluates an intent against every limit without reserving
// anything. Pending reservations count toward the caps.
func (e *Engine) Check(intent Intent) Decision {
	e.mu.Lock()
	d := e.evaluate(intent)
	e.mu.Unlock()
	e.logDecision(intent, d)
	return d
}

// Reserve evaluates an intent and, when allowed, holds one position slot
// and the intent's amount until the returned reservation is committed or
// cancelled. The check and the hold happen under one lock, so concurrent
// callers cannot pass the caps against the same state. A denied intent
// returns a nil reservation.
func (e *Engine) Reserve(intent Intent) (Decision, *Reservation) {
	e.mu.Lock()
	d := e.evaluate(intent)
	var r *Reservation
	if d.Allowed {
		e.pendingOpens++
		e.pendingSpend = e.pendingSpend.Add(intent.AmountSOL)
		r = &Reservation{engine: e, amount: intent.AmountSOL}
	}
	e.mu.Unlock()
	e.logDecision(intent, d)
	return d, r
}

// evaluate runs every limit. Caller holds mu.
func (e *Engine) evaluate(intent Intent) Decision {
	now := e.now()
	d := Decision{Allowed: true, Timestamp: now.UnixMicro()}

	if e.killed.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, "KILL_SWITCH_ACTIVE")
		return d
	}
	if e.frozen.Load() {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes, "SYSTEM_PAUSED")
		return d
	}

	e.rollDay(now)
	spent := e.dailySpent.Add(e.pendingSpend)
	pnl := e.dailyPnL

	if limit := e.config.MaxDailyLossSOL; limit > 0 && pnl.LessThan(decimal.NewFromFloat(-limit)) {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("DAILY_LOSS_EXCEEDED:pnl=%s,limit=%.4f", pnl.StringFixed(4), -limit))
	}

	if limit := e.config.MaxDailySpendSOL; limit > 0 && spent.Add(intent.AmountSOL).GreaterThan(decimal.NewFromFloat(limit)) {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("DAILY_SPEND_EXCEEDED:spent=%s,order=%s,limit=%.4f", spent.StringFixed(4), intent.AmountSOL.String(), limit))
	}

	// A committed open shows up in intent.OpenPositions before its pending
	// slot is released, so the count can only run high.
	open := intent.OpenPositions + e.pendingOpens
	if limit := e.config.MaxOpenPositions; limit > 0 && open >= limit {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("MAX_POSITIONS:open=%d,limit=%d", open, limit))
	}
	return d
}

func (e *Engine) logDecision(intent Intent, d Decision) {
	if d.Allowed {
		e.allowed.Add(1)
		log.Debug().Str("mint", domain.ShortAddress(intent.Mint)).Msg("risk: ALLOW")
		return
	}
	e.denied.Add(1)
	log.Warn().Str("mint", domain.ShortAddress(intent.Mint)).Strs("reasons", d.ReasonCodes).Msg("risk: DENY")
}

// Reservation is a pending open held against the caps.
type Reservation struct {
	engine *Engine
	amount decimal.Decimal
	once   sync.Once
}

// Commit releases the hold and books spentSOL as daily spend.
func (r *Reservation) Commit(spentSOL decimal.Decimal) {
	r.release(&spentSOL)
}

// Cancel releases the hold without booking spend. It is a no-op after
// Commit, so it is safe to defer.
func (r *Reservation) Cancel() {
	r.release(nil)
}

func (r *Reservation) release(spent *decimal.Decimal) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		e := r.engine
		e.mu.Lock()
		defer e.mu.Unlock()
		e.pendingOpens--
		e.pendingSpend = e.pendingSpend.Sub(r.amount)
		e.rollDay(e.now())
		if spent != nil {
			e.dailySpent = e.dailySpent.Add(*spent)
		}
	})
}

// RecordSpend adds a filled buy to the daily spend.
func (e *Engine) RecordSpend(amountSOL decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDay(e.now())
	e.dailySpent = e.dailySpent.Add(amountSOL)
}

// RecordClose adds realized P&L and freezes on a daily loss breach.
func (e *Engine) RecordClose(realizedSOL decimal.Decimal) {
	e.mu.Lock()
	e.rollDay(e.now())
	e.dailyPnL = e.dailyPnL.Add(realizedSOL)
	pnl := e.dailyPnL
	e.mu.Unlock()

	if limit := e.config.MaxDailyLossSOL; limit > 0 && pnl.LessThan(decimal.NewFromFloat(-limit)) && !e.frozen.Load() {
		e.frozen.Store(true)
		e.freezes.Add(1)
		log.Error().Str("pnl_sol", pnl.String()).Float64("limit", -limit).
			Msg("risk: AUTO-FREEZE, daily loss limit breached")
	}
}

// rollDay resets the daily counters when the UTC day changes. Caller holds mu.
func (e *Engine) rollDay(now time.Time) {
	if day := startOfDay(now); day.After(e.dayStart) {
		e.dayStart = day
		e.dailySpent = decimal.Zero
		e.dailyPnL = decimal.Zero
	}
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Kill activates the kill switch. It cannot be undone without a restart.
func (e *Engine) Kill() {
	e.killed.Store(true)
	log.Error().Msg("risk: KILL SWITCH ACTIVATED, all new positions blocked")
}

// Freeze pauses new positions until Resume.
func (e *Engine) Freeze(reason string) {
	e.frozen.Store(true)
	e.freezes.Add(1)
	log.Warn().Str("reason", reason).Msg("risk: paused")
}

// Resume lifts a pause. It has no effect after Kill.
func (e *Engine) Resume() bool {
	if e.killed.Load() {
		log.Warn().Msg("risk: cannot resume, kill switch is active")
		return false
	}
	e.frozen.Store(false)
	log.Info().Msg("risk: resumed")
	return true
}

// IsActive reports whether new positions may be opened at all.
func (e *Engine) IsActive() bool {
	return !e.killed.Load() && !e.frozen.Load()
}

// Stats are risk counters.
type Stats struct {
	Killed        bool   `json:"killed"`
	Paused        bool   `json:"paused"`
	DailySpentSOL string `json:"daily_spent_sol"`
	DailyPnLSOL   string `json:"daily_pnl_sol"`
	PendingOpens  int    `json:"pending_opens"`
	Allowed       int64  `json:"allowed"`
	Denied        int64  `json:"denied"`
	Freezes       int64  `json:"freezes"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Killed:        e.killed.Load(),
		Paused:        e.frozen.Load(),
		DailySpentSOL: e.dailySpent.String(),
		DailyPnLSOL:   e.dailyPnL.String(),
		PendingOpens:  e.pendingOpens,
		Allowed:       e.allowed.Load(),
		Denied:        e.denied.Load(),
		Freezes:       e.freezes.Load(),
	}
}
