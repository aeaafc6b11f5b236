// Package ledger is the single owner of position state. Every open, close
// and mark goes through it; other components only ever see copies.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/execution"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position Ledger: OPEN → CLOSING → CLOSED under per-position locks
// ---------------------------------------------------------------------------

// Executor runs a trade for a mode. execution.Router satisfies it.
type Executor interface {
	Execute(ctx context.Context, mode domain.Mode, req execution.TradeRequest) (execution.Fill, error)
}

// Persister saves position snapshots. Failures are logged, never fatal.
type Persister interface {
	SavePosition(ctx context.Context, p domain.Position) error
}

// Config configures the ledger.
type Config struct {
	MaxSlippageBps int           `yaml:"max_slippage_bps"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// DefaultConfig returns 5% max slippage and a 5s persist budget.
func DefaultConfig() Config {
	return Config{
		MaxSlippageBps: 500,
		PersistTimeout: 5 * time.Second,
	}
}

// OpenRequest asks the ledger to buy and record a position.
type OpenRequest struct {
	Mint      string
	Symbol    string
	Mode      domain.Mode
	AmountSOL decimal.Decimal
	RefPrice  decimal.Decimal // SOL per token at decision time
	Exit      domain.ExitConfig
}

type key struct {
	mint string
	mode domain.Mode
}

// entry guards one position. The ledger map lock is never held while an
// entry lock is waited on.
type entry struct {
	mu  sync.Mutex
	pos domain.Position
}

// Ledger is safe for concurrent use. Operations on different positions run
// in parallel; operations on the same position serialize.
type Ledger struct {
	config    Config
	executor  Executor
	persister Persister
	now       func() time.Time

	mu         sync.RWMutex
	positions  map[string]*entry
	active     map[key]string // "" while the opening buy is in flight
	lastClosed map[key]time.Time

	onClose func(domain.Position)

	opened       atomic.Int64
	closed       atomic.Int64
	duplicates   atomic.Int64
	openFailed   atomic.Int64
	closeFailed  atomic.Int64
	persistFails atomic.Int64
}

// New creates a ledger. persister may be nil for in-memory only.
func New(config Config, executor Executor, persister Persister) *Ledger {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = 5 * time.Second
	}
	return &Ledger{
		config:     config,
		executor:   executor,
		persister:  persister,
		now:        time.Now,
		positions:  make(map[string]*entry),
		active:     make(map[key]string),
		lastClosed: make(map[key]time.Time),
	}
}

// SetOnClose sets the callback run after a position reaches CLOSED.
func (l *Ledger) SetOnClose(fn func(domain.Position)) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

// Open buys and records a position. The (mint, mode) slot is reserved before
// the buy so a concurrent second Open gets ErrDuplicatePosition; nothing is
// recorded unless the buy fills.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if err := domain.ValidateAddress(req.Mint); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: open: %w", err)
	}
	if !req.AmountSOL.IsPositive() {
		return domain.Position{}, fmt.Errorf("ledger: open %s: amount must be positive", domain.ShortAddress(req.Mint))
	}

	k := key{mint: req.Mint, mode: req.Mode}
	l.mu.Lock()
	if id, exists := l.active[k]; exists {
		l.mu.Unlock()
		l.duplicates.Add(1)
		log.Info().Str("mint", domain.ShortAddress(req.Mint)).Str("mode", string(req.Mode)).Str("existing", id).
			Msg("ledger: duplicate open rejected")
		return domain.Position{}, fmt.Errorf("ledger: %s %s: %w", req.Mode, domain.ShortAddress(req.Mint), domain.ErrDuplicatePosition)
	}
	l.active[k] = ""
	l.mu.Unlock()

	id := uuid.NewString()
	fill, err := l.executor.Execute(ctx, req.Mode, execution.TradeRequest{
		RequestID:      id,
		Mint:           req.Mint,
		Direction:      execution.Buy,
		AmountSOL:      req.AmountSOL,
		MaxSlippageBps: l.config.MaxSlippageBps,
		RefPrice:       req.RefPrice,
	})
	if err != nil {
		l.mu.Lock()
		delete(l.active, k)
		l.mu.Unlock()
		l.openFailed.Add(1)
		return domain.Position{}, fmt.Errorf("ledger: open %s: %w", domain.ShortAddress(req.Mint), err)
	}

	now := l.now()
	pos := domain.Position{
		ID:             id,
		Mint:           req.Mint,
		Symbol:         req.Symbol,
		Side:           domain.SideLong,
		Mode:           req.Mode,
		Status:         domain.StatusOpen,
		EntryPrice:     fill.AvgPrice,
		EntryAmountSOL: fill.AmountSOL.Add(fill.FeeSOL),
		Quantity:       fill.Quantity,
		LastPrice:      fill.AvgPrice,
		HighWaterMark:  fill.AvgPrice,
		Exit:           req.Exit,
		OpenedAt:       now,
	}

	l.mu.Lock()
	l.positions[id] = &entry{pos: pos}
	l.active[k] = id
	l.mu.Unlock()
	l.opened.Add(1)

	log.Info().
		Str("id", id).
		Str("mint", domain.ShortAddress(pos.Mint)).
		Str("mode", string(pos.Mode)).
		Str("entry_price", pos.EntryPrice.String()).
		Str("amount_sol", pos.EntryAmountSOL.String()).
		Str("qty", pos.Quantity.String()).
		Msg("ledger: position OPENED")

	l.persist(ctx, pos)
	return pos, nil
}

// Close sells a position. OPEN → CLOSING happens synchronously; the sell
// then runs without holding the position lock. A successful sell ends in
// CLOSED with realized P&L net of both fills' fees; a failed one rolls back
// to OPEN and returns an error wrapping ErrExecutionFailed.
func (l *Ledger) Close(ctx context.Context, id string, reason domain.ExitReason) (domain.Position, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Position{}, err
	}

	e.mu.Lock()
	if e.pos.Status != domain.StatusOpen {
		status := e.pos.Status
		e.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: close %s (%s): %w", id, status, domain.ErrPositionNotOpen)
	}
	e.pos.Status = domain.StatusClosing
	pos := e.pos
	e.mu.Unlock()

	log.Info().Str("id", id).Str("mint", domain.ShortAddress(pos.Mint)).Str("reason", string(reason)).
		Msg("ledger: position CLOSING")

	fill, err := l.executor.Execute(ctx, pos.Mode, execution.TradeRequest{
		RequestID:      uuid.NewString(),
		Mint:           pos.Mint,
		Direction:      execution.Sell,
		Quantity:       pos.Quantity,
		MaxSlippageBps: l.config.MaxSlippageBps,
		RefPrice:       pos.LastPrice,
	})
	if err != nil {
		e.mu.Lock()
		e.pos.Status = domain.StatusOpen
		pos = e.pos
		e.mu.Unlock()
		l.closeFailed.Add(1)
		log.Warn().Err(err).Str("id", id).Str("mint", domain.ShortAddress(pos.Mint)).
			Msg("ledger: close failed, position back to OPEN")
		return pos, fmt.Errorf("ledger: close %s: %w", id, err)
	}

	closedAt := l.now()
	e.mu.Lock()
	e.pos.Status = domain.StatusClosed
	e.pos.ExitPrice = fill.AvgPrice
	e.pos.LastPrice = fill.AvgPrice
	e.pos.RealizedPnL = fill.AmountSOL.Sub(fill.FeeSOL).Sub(e.pos.EntryAmountSOL)
	e.pos.UnrealizedPnL = decimal.Zero
	e.pos.ClosedAt = &closedAt
	e.pos.CloseReason = reason
	pos = e.pos
	e.mu.Unlock()

	k := key{mint: pos.Mint, mode: pos.Mode}
	l.mu.Lock()
	if l.active[k] == id {
		delete(l.active, k)
	}
	l.lastClosed[k] = closedAt
	onClose := l.onClose
	l.mu.Unlock()
	l.closed.Add(1)

	log.Info().
		Str("id", id).
		Str("mint", domain.ShortAddress(pos.Mint)).
		Str("reason", string(reason)).
		Str("exit_price", pos.ExitPrice.String()).
		Str("pnl_sol", pos.RealizedPnL.String()).
		Float64("pnl_pct", pos.PnLPct()).
		Msg("ledger: position CLOSED")

	l.persist(ctx, pos)
	if onClose != nil {
		onClose(pos)
	}
	return pos, nil
}

// Evaluate marks a position at price, raises its high-water mark, and
// returns the first matching exit rule. It never changes status. A
// position that is not OPEN yields (nil, nil).
func (l *Ledger) Evaluate(id string, price decimal.Decimal) (*Trigger, error) {
	e, err := l.entry(id)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("ledger: evaluate %s: price must be positive", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Status != domain.StatusOpen {
		return nil, nil
	}

	e.pos.LastPrice = price
	e.pos.HighWaterMark = decimal.Max(e.pos.HighWaterMark, price)
	e.pos.UnrealizedPnL = e.pos.Quantity.Mul(price).Sub(e.pos.EntryAmountSOL)

	trig, ok := CheckExit(e.pos, price)
	if !ok {
		return nil, nil
	}
	return &trig, nil
}

// Get returns a copy of one position.
func (l *Ledger) Get(id string) (domain.Position, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Position{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, nil
}

// Filter selects positions for List. Zero fields match everything.
type Filter struct {
	Mint     string
	Mode     domain.Mode
	Statuses []domain.Status
}

func (f Filter) match(p domain.Position) bool {
	if f.Mint != "" && p.Mint != f.Mint {
		return false
	}
	if f.Mode != "" && p.Mode != f.Mode {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// List returns copies of matching positions, oldest first. Each copy is
// taken under its position lock, so none is torn.
func (l *Ledger) List(f Filter) []domain.Position {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.positions))
	for _, e := range l.positions {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]domain.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		p := e.pos
		e.mu.Unlock()
		if f.match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// OpenPositions returns OPEN positions, oldest first.
func (l *Ledger) OpenPositions() []domain.Position {
	return l.List(Filter{Statuses: []domain.Status{domain.StatusOpen}})
}

// HasActive reports whether (mint, mode) holds an OPEN or CLOSING position
// or a pending open.
func (l *Ledger) HasActive(mint string, mode domain.Mode) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.active[key{mint: mint, mode: mode}]
	return ok
}

// LastClosed returns when (mint, mode) last closed.
func (l *Ledger) LastClosed(mint string, mode domain.Mode) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.lastClosed[key{mint: mint, mode: mode}]
	return t, ok
}

// Restore loads persisted positions at startup. CLOSING positions were cut
// off mid-sell and go back to OPEN; CLOSED ones and duplicates of an active
// (mint, mode) are skipped. Returns the number restored.
func (l *Ledger) Restore(positions []domain.Position) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, p := range positions {
		if p.Status == domain.StatusClosed {
			continue
		}
		if _, exists := l.positions[p.ID]; exists {
			continue
		}
		k := key{mint: p.Mint, mode: p.Mode}
		if _, exists := l.active[k]; exists {
			log.Warn().Str("id", p.ID).Str("mint", domain.ShortAddress(p.Mint)).
				Msg("ledger: restore skipped duplicate active position")
			continue
		}
		if p.Status == domain.StatusClosing {
			log.Warn().Str("id", p.ID).Str("mint", domain.ShortAddress(p.Mint)).
				Msg("ledger: restored CLOSING position rolled back to OPEN")
			p.Status = domain.StatusOpen
		}
		if p.HighWaterMark.LessThan(p.EntryPrice) {
			p.HighWaterMark = p.EntryPrice
		}
		l.positions[p.ID] = &entry{pos: p}
		l.active[k] = p.ID
		n++
	}
	log.Info().Int("restored", n).Int("loaded", len(positions)).Msg("ledger: positions restored")
	return n
}

// PersistAll saves every OPEN or CLOSING position. Used on shutdown.
func (l *Ledger) PersistAll(ctx context.Context) int {
	active := l.List(Filter{Statuses: []domain.Status{domain.StatusOpen, domain.StatusClosing}})
	saved := 0
	for _, p := range active {
		if l.persist(ctx, p) {
			saved++
		}
	}
	return saved
}

func (l *Ledger) persist(ctx context.Context, p domain.Position) bool {
	if l.persister == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.PersistTimeout)
	defer cancel()
	if err := l.persister.SavePosition(ctx, p); err != nil {
		l.persistFails.Add(1)
		log.Warn().Err(err).Str("id", p.ID).Msg("ledger: persist failed, continuing in memory")
		return false
	}
	return true
}

func (l *Ledger) entry(id string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.positions[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ledger: %s: %w", id, domain.ErrPositionNotFound)
	}
	return e, nil
}

// Stats are ledger counters.
type Stats struct {
	Open          int    `json:"open"`
	Closing       int    `json:"closing"`
	Opened        int64  `json:"opened"`
	Closed        int64  `json:"closed"`
	Duplicates    int64  `json:"duplicates"`
	OpenFailed    int64  `json:"open_failed"`
	CloseFailed   int64  `json:"close_failed"`
	PersistFailed int64  `json:"persist_failed"`
	RealizedPnL   string `json:"realized_pnl_sol"`
}

func (l *Ledger) Stats() Stats {
	s := Stats{
		Opened:        l.opened.Load(),
		Closed:        l.closed.Load(),
		Duplicates:    l.duplicates.Load(),
		OpenFailed:    l.openFailed.Load(),
		CloseFailed:   l.closeFailed.Load(),
		PersistFailed: l.persistFails.Load(),
	}
	pnl := decimal.Zero
	for _, p := range l.List(Filter{}) {
		switch p.Status {
		case domain.StatusOpen:
			s.Open++
		case domain.StatusClosing:
			s.Closing++
		case domain.StatusClosed:
			pnl = pnl.Add(p.RealizedPnL)
		}
	}
	s.RealizedPnL = pnl.String()
	return s
}
