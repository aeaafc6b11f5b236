// Package postgres stores positions and the blacklist in PostgreSQL via a
// pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	mint              TEXT NOT NULL,
	symbol            TEXT NOT NULL DEFAULT '',
	side              TEXT NOT NULL,
	mode              TEXT NOT NULL,
	status            TEXT NOT NULL,
	entry_price       NUMERIC NOT NULL,
	entry_amount_sol  NUMERIC NOT NULL,
	quantity          NUMERIC NOT NULL,
	last_price        NUMERIC NOT NULL,
	high_water_mark   NUMERIC NOT NULL,
	exit_price        NUMERIC NOT NULL DEFAULT 0,
	realized_pnl      NUMERIC NOT NULL DEFAULT 0,
	stop_loss_pct     DOUBLE PRECISION NOT NULL DEFAULT 0,
	take_profit_pct   DOUBLE PRECISION NOT NULL DEFAULT 0,
	trailing_stop_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	opened_at         TIMESTAMPTZ NOT NULL,
	closed_at         TIMESTAMPTZ,
	close_reason      TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS positions_status_idx ON positions (status);

CREATE TABLE IF NOT EXISTS blacklist (
	address  TEXT PRIMARY KEY,
	reason   TEXT NOT NULL DEFAULT '',
	added_at TIMESTAMPTZ NOT NULL
);`

// Store implements the store capability on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// SavePosition upserts by ID. Decimals travel as text to keep full
// precision.
func (s *Store) SavePosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, mint, symbol, side, mode, status,
			entry_price, entry_amount_sol, quantity, last_price, high_water_mark,
			exit_price, realized_pnl,
			stop_loss_pct, take_profit_pct, trailing_stop_pct,
			opened_at, closed_at, close_reason, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::text::numeric, $8::text::numeric, $9::text::numeric, $10::text::numeric, $11::text::numeric,
			$12::text::numeric, $13::text::numeric,
			$14, $15, $16,
			$17, $18, $19, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status          = EXCLUDED.status,
			last_price      = EXCLUDED.last_price,
			high_water_mark = EXCLUDED.high_water_mark,
			exit_price      = EXCLUDED.exit_price,
			realized_pnl    = EXCLUDED.realized_pnl,
			closed_at       = EXCLUDED.closed_at,
			close_reason    = EXCLUDED.close_reason,
			updated_at      = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Mint, p.Symbol, string(p.Side), string(p.Mode), string(p.Status),
		p.EntryPrice.String(), p.EntryAmountSOL.String(), p.Quantity.String(), p.LastPrice.String(), p.HighWaterMark.String(),
		p.ExitPrice.String(), p.RealizedPnL.String(),
		p.Exit.StopLossPct, p.Exit.TakeProfitPct, p.Exit.TrailingStopPct,
		p.OpenedAt, p.ClosedAt, string(p.CloseReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

const positionCols = `id, mint, symbol, side, mode, status,
	entry_price::text, entry_amount_sol::text, quantity::text, last_price::text, high_water_mark::text,
	exit_price::text, realized_pnl::text,
	stop_loss_pct, take_profit_pct, trailing_stop_pct,
	opened_at, closed_at, close_reason`

func (s *Store) LoadOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status IN ('OPEN', 'CLOSING') ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                                        domain.Position
		side, mode, status, reason               string
		entry, amount, qty, last, hwm, exit, pnl string
		closedAt                                 *time.Time
	)
	err := row.Scan(
		&p.ID, &p.Mint, &p.Symbol, &side, &mode, &status,
		&entry, &amount, &qty, &last, &hwm,
		&exit, &pnl,
		&p.Exit.StopLossPct, &p.Exit.TakeProfitPct, &p.Exit.TrailingStopPct,
		&p.OpenedAt, &closedAt, &reason,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Mode = domain.Mode(mode)
	p.Status = domain.Status(status)
	p.CloseReason = domain.ExitReason(reason)
	p.ClosedAt = closedAt

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.EntryPrice, entry}, {&p.EntryAmountSOL, amount}, {&p.Quantity, qty},
		{&p.LastPrice, last}, {&p.HighWaterMark, hwm}, {&p.ExitPrice, exit}, {&p.RealizedPnL, pnl},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Position{}, fmt.Errorf("position %s: %w", p.ID, err)
		}
		*f.dst = v
	}
	return p, nil
}

func (s *Store) LoadBlacklist(ctx context.Context) ([]domain.BlacklistEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, reason, added_at FROM blacklist ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load blacklist: %w", err)
	}
	defer rows.Close()

	var out []domain.BlacklistEntry
	for rows.Next() {
		var e domain.BlacklistEntry
		if err := rows.Scan(&e.Address, &e.Reason, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan blacklist: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AddBlacklist(ctx context.Context, e domain.BlacklistEntry) error {
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blacklist (address, reason, added_at) VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE SET reason = EXCLUDED.reason`,
		e.Address, e.Reason, e.AddedAt)
	if err != nil {
		return fmt.Errorf("postgres: add blacklist %s: %w", e.Address, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
