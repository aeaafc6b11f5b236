package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/execution"
	"github.com/nexus-trading/launchguard/internal/ledger"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Exit Monitor: ticker sweep plus a price-push path over OPEN positions
// ---------------------------------------------------------------------------

// Book is the ledger surface the monitor needs. *ledger.Ledger satisfies it.
type Book interface {
	OpenPositions() []domain.Position
	Evaluate(id string, price decimal.Decimal) (*ledger.Trigger, error)
	Close(ctx context.Context, id string, reason domain.ExitReason) (domain.Position, error)
}

// MonitorConfig configures the exit monitor.
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	PriceTimeout  time.Duration `yaml:"price_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// DefaultMonitorConfig sweeps every 3s.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      3 * time.Second,
		PriceTimeout:  5 * time.Second,
		MaxConcurrent: 4,
	}
}

// Monitor re-evaluates open positions and closes the ones whose exit rule
// fired. A position that vanished or closed between listing and evaluation
// is skipped silently.
type Monitor struct {
	config MonitorConfig
	book   Book
	prices execution.PriceSource

	sweeps      atomic.Int64
	triggers    atomic.Int64
	closes      atomic.Int64
	closeErrors atomic.Int64
	priceErrors atomic.Int64
}

// NewMonitor creates a monitor.
func NewMonitor(config MonitorConfig, book Book, prices execution.PriceSource) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 3 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Monitor{config: config, book: book, prices: prices}
}

// Run sweeps on every tick until ctx is cancelled. A sweep in progress when
// ctx ends finishes its closes.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("interval", m.config.Interval).Msg("monitor: started")
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("monitor: stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every OPEN position once and returns how many it closed.
func (m *Monitor) Sweep(ctx context.Context) int {
	m.sweeps.Add(1)
	positions := m.book.OpenPositions()
	if len(positions) == 0 {
		return 0
	}

	var closed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.MaxConcurrent)
	for _, pos := range positions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			price, err := m.price(gctx, pos.Mint)
			if err != nil {
				m.priceErrors.Add(1)
				log.Debug().Err(err).Str("id", pos.ID).Msg("monitor: price unavailable")
				return nil
			}
			if m.check(context.WithoutCancel(gctx), pos.ID, price) {
				closed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(closed.Load())
}

// OnPrice is the push path: it evaluates every OPEN position in mint at
// price and returns how many it closed.
func (m *Monitor) OnPrice(ctx context.Context, mint string, price decimal.Decimal) int {
	n := 0
	for _, pos := range m.book.OpenPositions() {
		if pos.Mint == mint && m.check(ctx, pos.ID, price) {
			n++
		}
	}
	return n
}

// CloseManual marks the position at the current price when one is
// available and closes it with reason manual.
func (m *Monitor) CloseManual(ctx context.Context, id string) (domain.Position, error) {
	for _, pos := range m.book.OpenPositions() {
		if pos.ID != id {
			continue
		}
		if price, err := m.price(ctx, pos.Mint); err == nil {
			if _, err := m.book.Evaluate(id, price); err != nil {
				return domain.Position{}, err
			}
		}
		break
	}
	return m.book.Close(ctx, id, domain.ExitManual)
}

// check evaluates one position and closes it on a trigger. Returns true
// when the position was closed here.
func (m *Monitor) check(ctx context.Context, id string, price decimal.Decimal) bool {
	trig, err := m.book.Evaluate(id, price)
	if errors.Is(err, domain.ErrPositionNotFound) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("monitor: evaluate failed")
		return false
	}
	if trig == nil {
		return false
	}
	m.triggers.Add(1)

	log.Info().
		Str("id", id).
		Str("reason", string(trig.Reason)).
		Str("price", trig.Price.String()).
		Str("threshold", trig.Threshold.String()).
		Msg("monitor: exit triggered")

	_, err = m.book.Close(ctx, id, trig.Reason)
	switch {
	case err == nil:
		m.closes.Add(1)
		return true
	case errors.Is(err, domain.ErrPositionNotOpen), errors.Is(err, domain.ErrPositionNotFound):
		return false
	default:
		m.closeErrors.Add(1)
		log.Warn().Err(err).Str("id", id).Msg("monitor: close failed, will retry next sweep")
		return false
	}
}

func (m *Monitor) price(ctx context.Context, mint string) (decimal.Decimal, error) {
	if m.prices == nil {
		return decimal.Zero, fmt.Errorf("no price source")
	}
	if m.config.PriceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.PriceTimeout)
		defer cancel()
	}
	p, err := m.prices.PriceSOL(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("price for %s is %s", domain.ShortAddress(mint), p.String())
	}
	return p, nil
}

// MonitorStats are exit monitor counters.
type MonitorStats struct {
	Sweeps      int64 `json:"sweeps"`
	Triggers    int64 `json:"triggers"`
	Closes      int64 `json:"closes"`
	CloseErrors int64 `json:"close_errors"`
	PriceErrors int64 `json:"price_errors"`
}

func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		Sweeps:      m.sweeps.Load(),
		Triggers:    m.triggers.Load(),
		Closes:      m.closes.Load(),
		CloseErrors: m.closeErrors.Load(),
		PriceErrors: m.priceErrors.Load(),
	}
}
