// Package sqlite is the embedded single-file store, built on gorm.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type positionModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	Mint            string `gorm:"size:64;index"`
	Symbol          string `gorm:"size:32"`
	Side            string `gorm:"size:8"`
	Mode            string `gorm:"size:8"`
	Status          string `gorm:"size:16;index"`
	EntryPrice      string
	EntryAmountSOL  string `gorm:"column:entry_amount_sol"`
	Quantity        string
	LastPrice       string
	HighWaterMark   string
	ExitPrice       string
	RealizedPnL     string `gorm:"column:realized_pnl"`
	StopLossPct     float64
	TakeProfitPct   float64
	TrailingStopPct float64
	OpenedAt        time.Time
	ClosedAt        *time.Time
	CloseReason     string `gorm:"size:32"`
	UpdatedAt       time.Time
}

func (positionModel) TableName() string { return "positions" }

type blacklistModel struct {
	Address string `gorm:"primaryKey;size:64"`
	Reason  string
	AddedAt time.Time
}

func (blacklistModel) TableName() string { return "blacklist" }

// Store implements the store capability on a SQLite file.
type Store struct {
	db *gorm.DB
}

// New opens (creating if needed) the database at path and migrates it.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.AutoMigrate(&positionModel{}, &blacklistModel{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func toModel(p domain.Position) positionModel {
	return positionModel{
		ID:              p.ID,
		Mint:            p.Mint,
		Symbol:          p.Symbol,
		Side:            string(p.Side),
		Mode:            string(p.Mode),
		Status:          string(p.Status),
		EntryPrice:      p.EntryPrice.String(),
		EntryAmountSOL:  p.EntryAmountSOL.String(),
		Quantity:        p.Quantity.String(),
		LastPrice:       p.LastPrice.String(),
		HighWaterMark:   p.HighWaterMark.String(),
		ExitPrice:       p.ExitPrice.String(),
		RealizedPnL:     p.RealizedPnL.String(),
		StopLossPct:     p.Exit.StopLossPct,
		TakeProfitPct:   p.Exit.TakeProfitPct,
		TrailingStopPct: p.Exit.TrailingStopPct,
		OpenedAt:        p.OpenedAt,
		ClosedAt:        p.ClosedAt,
		CloseReason:     string(p.CloseReason),
	}
}

func (m positionModel) toDomain() (domain.Position, error) {
	p := domain.Position{
		ID:          m.ID,
		Mint:        m.Mint,
		Symbol:      m.Symbol,
		Side:        domain.Side(m.Side),
		Mode:        domain.Mode(m.Mode),
		Status:      domain.Status(m.Status),
		Exit:        domain.ExitConfig{StopLossPct: m.StopLossPct, TakeProfitPct: m.TakeProfitPct, TrailingStopPct: m.TrailingStopPct},
		OpenedAt:    m.OpenedAt,
		ClosedAt:    m.ClosedAt,
		CloseReason: domain.ExitReason(m.CloseReason),
	}
	var err error
	parse := func(s string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		var v decimal.Decimal
		v, err = decimal.NewFromString(s)
		return v
	}
	p.EntryPrice = parse(m.EntryPrice)
	p.EntryAmountSOL = parse(m.EntryAmountSOL)
	p.Quantity = parse(m.Quantity)
	p.LastPrice = parse(m.LastPrice)
	p.HighWaterMark = parse(m.HighWaterMark)
	p.ExitPrice = parse(m.ExitPrice)
	p.RealizedPnL = parse(m.RealizedPnL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position %s: %w", m.ID, err)
	}
	return p, nil
}

func (s *Store) SavePosition(ctx context.Context, p domain.Position) error {
	m := toModel(p)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("sqlite: save position %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) LoadOpenPositions(ctx context.Context) ([]domain.Position, error) {
	var rows []positionModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.StatusOpen), string(domain.StatusClosing)}).
		Order("opened_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: load positions: %w", err)
	}
	out := make([]domain.Position, 0, len(rows))
	for _, m := range rows {
		p, err := m.toDomain()
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) LoadBlacklist(ctx context.Context) ([]domain.BlacklistEntry, error) {
	var rows []blacklistModel
	if err := s.db.WithContext(ctx).Order("address").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: load blacklist: %w", err)
	}
	out := make([]domain.BlacklistEntry, 0, len(rows))
	for _, m := range rows {
		out = append(out, domain.BlacklistEntry{Address: m.Address, Reason: m.Reason, AddedAt: m.AddedAt})
	}
	return out, nil
}

func (s *Store) AddBlacklist(ctx context.Context, e domain.BlacklistEntry) error {
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	m := blacklistModel{Address: e.Address, Reason: e.Reason, AddedAt: e.AddedAt}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason"}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("sqlite: add blacklist %s: %w", e.Address, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
