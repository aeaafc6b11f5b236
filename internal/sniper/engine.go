// Package sniper drives discovery events through safety and filtering to
// alerts and positions, and watches open positions for their exits.
package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/launchguard/internal/audit"
	"github.com/nexus-trading/launchguard/internal/bus"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/execution"
	"github.com/nexus-trading/launchguard/internal/feed"
	"github.com/nexus-trading/launchguard/internal/ledger"
	"github.com/nexus-trading/launchguard/internal/risk"
	"github.com/nexus-trading/launchguard/internal/safety"
	"github.com/nexus-trading/launchguard/internal/scanner"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ---------------------------------------------------------------------------
// Decision Engine: RECEIVED → SAFETY_CHECKED → FILTERED → ALERTED|TRADED|REJECTED
// ---------------------------------------------------------------------------

// ReasonSafetyUnavailable is the rejection reason when no provider answered.
const ReasonSafetyUnavailable = "safety-unavailable"

// Config configures the engine.
type Config struct {
	MaxConcurrent  int               `yaml:"max_concurrent"`
	ReopenCooldown time.Duration     `yaml:"reopen_cooldown"`
	EnrichTimeout  time.Duration     `yaml:"enrich_timeout"`
	TradingEnabled bool              `yaml:"trading_enabled"`
	Mode           domain.Mode       `yaml:"mode"`
	AmountSOL      float64           `yaml:"amount_sol"`
	MaxPositionSOL float64           `yaml:"max_position_sol"`
	Exit           domain.ExitConfig `yaml:"exit"`
}

// DefaultConfig returns alert-only defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  8,
		ReopenCooldown: 30 * time.Minute,
		EnrichTimeout:  5 * time.Second,
		Mode:           domain.ModePaper,
		AmountSOL:      0.1,
		MaxPositionSOL: 0.5,
		Exit: domain.ExitConfig{
			StopLossPct:     30,
			TakeProfitPct:   100,
			TrailingStopPct: 20,
		},
	}
}

// PositionSize is the configured buy amount capped by MaxPositionSOL.
func (c Config) PositionSize() decimal.Decimal {
	size := c.AmountSOL
	if c.MaxPositionSOL > 0 {
		size = min(size, c.MaxPositionSOL)
	}
	return decimal.NewFromFloat(size)
}

// Evaluator produces safety verdicts. *safety.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, subj safety.Subject) (domain.SafetyVerdict, error)
}

// Filter applies the rule pipeline. *scanner.Pipeline satisfies it.
type Filter interface {
	Apply(snap domain.TokenSnapshot, verdict domain.SafetyVerdict) domain.FilterResult
}

// Positions is the ledger surface the engine needs.
type Positions interface {
	Open(ctx context.Context, req ledger.OpenRequest) (domain.Position, error)
	OpenPositions() []domain.Position
	LastClosed(mint string, mode domain.Mode) (time.Time, bool)
}

// RiskGate vets a position open and holds its slot until the buy settles.
// *risk.Engine satisfies it.
type RiskGate interface {
	Reserve(intent risk.Intent) (risk.Decision, *risk.Reservation)
}

// Deps are the engine's collaborators. Enricher, Creators, Prices, Risk,
// Publisher and Trail are optional.
type Deps struct {
	Evaluator Evaluator
	Filter    Filter
	Positions Positions
	Window    Window
	Enricher  scanner.Enricher
	Creators  *scanner.CreatorHistory
	Prices    execution.PriceSource
	Risk      RiskGate
	Publisher *bus.Publisher
	Trail     *audit.Trail
}

// Engine processes discovery events. Safe for concurrent use.
type Engine struct {
	config Config
	deps   Deps
	sem    *semaphore.Weighted
	now    func() time.Time

	wg sync.WaitGroup

	received    atomic.Int64
	duplicates  atomic.Int64
	processed   atomic.Int64
	rejected    atomic.Int64
	unavailable atomic.Int64
	alerted     atomic.Int64
	traded      atomic.Int64
	execFailed  atomic.Int64
	reevaluated atomic.Int64
	inFlight    atomic.Int64
}

// NewEngine creates an engine. A nil Window gets the in-memory default.
func NewEngine(config Config, deps Deps) *Engine {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}
	if config.Mode == "" {
		config.Mode = domain.ModePaper
	}
	if deps.Window == nil {
		deps.Window = NewMemoryWindow(0, 0)
	}
	return &Engine{
		config: config,
		deps:   deps,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrent)),
		now:    time.Now,
	}
}

// Run consumes events until the channel closes or ctx is cancelled, then
// waits for in-flight events to finish. In-flight work is not cancelled by
// ctx; it drains.
func (e *Engine) Run(ctx context.Context, events <-chan feed.Event) error {
	log.Info().
		Int("max_concurrent", e.config.MaxConcurrent).
		Bool("trading", e.config.TradingEnabled).
		Str("mode", string(e.config.Mode)).
		Msg("sniper: engine started")
	defer func() {
		e.wg.Wait()
		log.Info().Msg("sniper: engine drained")
	}()

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !e.admit(ctx, ev) {
				continue
			}
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			e.wg.Add(1)
			e.inFlight.Add(1)
			go func() {
				defer func() {
					e.inFlight.Add(-1)
					e.sem.Release(1)
					e.wg.Done()
				}()
				e.Handle(work, ev)
			}()
		}
	}
}

// admit applies the dedup window. A window error admits the event: a
// duplicate evaluation is cheaper than a missed launch.
func (e *Engine) admit(ctx context.Context, ev feed.Event) bool {
	e.received.Add(1)
	key := string(ev.Kind) + ":" + ev.Snapshot.Mint
	seen, err := e.deps.Window.Seen(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("sniper: dedup window unavailable")
		return true
	}
	if seen {
		e.duplicates.Add(1)
		log.Debug().Str("mint", domain.ShortAddress(ev.Snapshot.Mint)).Str("kind", string(ev.Kind)).
			Msg("sniper: duplicate event skipped")
		return false
	}
	return true
}

// Handle runs one event through the pipeline and returns its decision
// record. It does not deduplicate.
func (e *Engine) Handle(ctx context.Context, ev feed.Event) (rec audit.Decision) {
	e.processed.Add(1)
	snap := ev.Snapshot
	rec = audit.Decision{
		TraceID:   uuid.NewString(),
		Mint:      snap.Mint,
		Symbol:    snap.Symbol,
		Source:    string(ev.Kind),
		StartedAt: e.now(),
	}
	rec.Step(audit.StateReceived, rec.StartedAt)
	defer func() {
		rec.FinishedAt = e.now()
		if e.deps.Trail != nil {
			e.deps.Trail.Record(rec)
		}
	}()

	if e.deps.Creators != nil && snap.Creator != "" {
		at := snap.ObservedAt
		if at.IsZero() {
			at = rec.StartedAt
		}
		if n := e.deps.Creators.Observe(snap.Creator, snap.Mint, at); n > snap.CreatorTokenCount {
			snap = snap.WithCreatorTokenCount(n)
		}
	}

	verdict, snap, err := e.checkAndEnrich(ctx, snap)
	if err != nil {
		e.unavailable.Add(1)
		log.Warn().Err(err).Str("mint", domain.ShortAddress(snap.Mint)).Msg("sniper: safety unavailable, rejecting")
		e.reject(&rec, snap, "safety", "", ReasonSafetyUnavailable)
		return rec
	}
	rec.Score = verdict.Score
	rec.Step(audit.StateSafetyChecked, e.now())

	result := e.deps.Filter.Apply(snap, verdict)
	rec.Step(audit.StateFiltered, e.now())
	if !result.Accepted {
		e.reject(&rec, snap, "filter", result.FailingRule, result.Reason())
		return rec
	}

	e.alerted.Add(1)
	e.publish(bus.NewAlert{
		BaseEvent:    bus.NewBaseEvent("sniper", rec.TraceID),
		Mint:         snap.Mint,
		Name:         snap.Name,
		Symbol:       snap.Symbol,
		Source:       string(ev.Kind),
		LiquiditySOL: snap.LiquiditySOL,
		Holders:      snap.HolderCount,
		TopHolderPct: snap.TopHolderPct,
		Verdict:      verdict,
		Trading:      e.config.TradingEnabled,
	})
	log.Info().
		Str("mint", domain.ShortAddress(snap.Mint)).
		Str("symbol", snap.Symbol).
		Float64("score", verdict.Score).
		Str("liquidity_sol", snap.LiquiditySOL.String()).
		Msg("sniper: token ACCEPTED")

	if !e.config.TradingEnabled {
		rec.Outcome = audit.StateAlerted
		rec.Step(audit.StateAlerted, e.now())
		return rec
	}

	e.trade(ctx, &rec, snap, verdict)
	return rec
}

// checkAndEnrich runs the safety evaluation and the on-chain enrichment
// concurrently. Enrichment failures keep the original snapshot.
func (e *Engine) checkAndEnrich(ctx context.Context, snap domain.TokenSnapshot) (domain.SafetyVerdict, domain.TokenSnapshot, error) {
	var verdict domain.SafetyVerdict
	enriched := snap

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := e.deps.Evaluator.Evaluate(gctx, safety.Subject{Mint: snap.Mint, Creator: snap.Creator})
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if e.deps.Enricher != nil {
		g.Go(func() error {
			ectx := gctx
			if e.config.EnrichTimeout > 0 {
				var cancel context.CancelFunc
				ectx, cancel = context.WithTimeout(gctx, e.config.EnrichTimeout)
				defer cancel()
			}
			s, err := e.deps.Enricher.Enrich(ectx, snap)
			if err != nil {
				log.Debug().Err(err).Str("mint", domain.ShortAddress(snap.Mint)).Msg("sniper: enrichment failed")
				return nil
			}
			enriched = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.SafetyVerdict{}, snap, err
	}
	return verdict, enriched, nil
}

// trade opens a position for an accepted token. Every way out records the
// terminal state on rec; nothing here is retried.
func (e *Engine) trade(ctx context.Context, rec *audit.Decision, snap domain.TokenSnapshot, verdict domain.SafetyVerdict) {
	mode := e.config.Mode
	alertOnly := func(stage, reason string) {
		rec.Outcome = audit.StateAlerted
		rec.Stage = stage
		rec.Reason = reason
		rec.Step(audit.StateAlerted, e.now())
		log.Info().Str("mint", domain.ShortAddress(snap.Mint)).Str("stage", stage).Str("reason", reason).
			Msg("sniper: alerted without trading")
	}

	if last, ok := e.deps.Positions.LastClosed(snap.Mint, mode); ok && e.now().Sub(last) < e.config.ReopenCooldown {
		alertOnly("cooldown", fmt.Sprintf("closed %s ago, cooldown %s", e.now().Sub(last).Round(time.Second), e.config.ReopenCooldown))
		return
	}

	size := e.config.PositionSize()
	var hold *risk.Reservation
	if e.deps.Risk != nil {
		d, r := e.deps.Risk.Reserve(risk.Intent{
			Mint:          snap.Mint,
			Mode:          mode,
			AmountSOL:     size,
			OpenPositions: len(e.deps.Positions.OpenPositions()),
		})
		if !d.Allowed {
			alertOnly("risk", d.Reason())
			return
		}
		hold = r
		defer hold.Cancel()
	}

	// The alert is already out; a verdict that no longer holds rejects.
	if err := verdict.RequireFresh(e.now()); err != nil {
		e.reevaluated.Add(1)
		fresh, err := e.deps.Evaluator.Evaluate(ctx, safety.Subject{Mint: snap.Mint, Creator: snap.Creator})
		if err != nil {
			e.unavailable.Add(1)
			log.Warn().Err(err).Str("mint", domain.ShortAddress(snap.Mint)).Msg("sniper: re-evaluation unavailable, rejecting")
			e.reject(rec, snap, "safety", "", ReasonSafetyUnavailable)
			return
		}
		if res := e.deps.Filter.Apply(snap, fresh); !res.Accepted {
			e.reject(rec, snap, "filter", res.FailingRule, res.Reason())
			return
		}
		rec.Score = fresh.Score
	}

	price := snap.PriceSOL
	if !price.IsPositive() && e.deps.Prices != nil {
		p, err := e.deps.Prices.PriceSOL(ctx, snap.Mint)
		if err != nil {
			alertOnly("price", err.Error())
			return
		}
		price = p
	}
	if !price.IsPositive() {
		alertOnly("price", "no reference price")
		return
	}

	pos, err := e.deps.Positions.Open(ctx, ledger.OpenRequest{
		Mint:      snap.Mint,
		Symbol:    snap.Symbol,
		Mode:      mode,
		AmountSOL: size,
		RefPrice:  price,
		Exit:      e.config.Exit,
	})
	switch {
	case errors.Is(err, domain.ErrDuplicatePosition):
		alertOnly("ledger", "position already open")
		return
	case err != nil:
		e.execFailed.Add(1)
		alertOnly("execution", err.Error())
		return
	}

	hold.Commit(pos.EntryAmountSOL)
	e.traded.Add(1)
	rec.Outcome = audit.StateTraded
	rec.PositionID = pos.ID
	rec.Step(audit.StateTraded, e.now())
	e.publish(bus.PositionOpened{BaseEvent: bus.NewBaseEvent("sniper", rec.TraceID), Position: pos})
}

func (e *Engine) reject(rec *audit.Decision, snap domain.TokenSnapshot, stage, rule, reason string) {
	e.rejected.Add(1)
	rec.Outcome = audit.StateRejected
	rec.Stage = stage
	rec.Reason = reason
	rec.Step(audit.StateRejected, e.now())

	log.Info().
		Str("mint", domain.ShortAddress(snap.Mint)).
		Str("stage", stage).
		Str("reason", reason).
		Msg("sniper: token REJECTED")

	e.publish(bus.RejectionLogged{
		BaseEvent: bus.NewBaseEvent("sniper", rec.TraceID),
		Mint:      snap.Mint,
		Name:      snap.Name,
		Symbol:    snap.Symbol,
		Stage:     stage,
		Rule:      rule,
		Reason:    reason,
	})
}

func (e *Engine) publish(ev bus.Event) {
	if e.deps.Publisher != nil {
		e.deps.Publisher.Publish(ev)
	}
}

// Stats are engine counters.
type Stats struct {
	Received          int64 `json:"received"`
	Duplicates        int64 `json:"duplicates"`
	Processed         int64 `json:"processed"`
	Rejected          int64 `json:"rejected"`
	SafetyUnavailable int64 `json:"safety_unavailable"`
	Alerted           int64 `json:"alerted"`
	Traded            int64 `json:"traded"`
	ExecutionFailed   int64 `json:"execution_failed"`
	Reevaluated       int64 `json:"reevaluated"`
	InFlight          int64 `json:"in_flight"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Received:          e.received.Load(),
		Duplicates:        e.duplicates.Load(),
		Processed:         e.processed.Load(),
		Rejected:          e.rejected.Load(),
		SafetyUnavailable: e.unavailable.Load(),
		Alerted:           e.alerted.Load(),
		Traded:            e.traded.Load(),
		ExecutionFailed:   e.execFailed.Load(),
		Reevaluated:       e.reevaluated.Load(),
		InFlight:          e.inFlight.Load(),
	}
}
