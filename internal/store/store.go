// Package store persists positions and blacklist entries. The core never
// depends on a backend being reachable: callers log failures and continue
// in memory.
package store

import (
	"context"
	"fmt"

	"github.com/nexus-trading/launchguard/internal/config"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/store/memory"
	"github.com/nexus-trading/launchguard/internal/store/postgres"
	"github.com/nexus-trading/launchguard/internal/store/sqlite"
	"github.com/rs/zerolog/log"
)

// Store is the persistence capability.
type Store interface {
	// SavePosition inserts or replaces a position by ID.
	SavePosition(ctx context.Context, p domain.Position) error
	// LoadOpenPositions returns positions in OPEN or CLOSING.
	LoadOpenPositions(ctx context.Context) ([]domain.Position, error)
	LoadBlacklist(ctx context.Context) ([]domain.BlacklistEntry, error)
	// AddBlacklist inserts or replaces an entry by address.
	AddBlacklist(ctx context.Context, e domain.BlacklistEntry) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
	_ Store = (*sqlite.Store)(nil)
)

// Open connects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		s = memory.New()
	case "postgres":
		s, err = postgres.New(ctx, cfg.DSN)
	case "sqlite":
		s, err = sqlite.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("driver", driverName(cfg.Driver)).Msg("store: opened")
	return s, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
