// Package memory is the in-process store used for paper runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nexus-trading/launchguard/internal/domain"
)

// Store keeps everything in maps. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	blacklist map[string]domain.BlacklistEntry
}

func New() *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		blacklist: make(map[string]domain.BlacklistEntry),
	}
}

func (s *Store) SavePosition(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	s.positions[p.ID] = p
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadOpenPositions(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *Store) LoadBlacklist(_ context.Context) ([]domain.BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BlacklistEntry, 0, len(s.blacklist))
	for _, e := range s.blacklist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) AddBlacklist(_ context.Context, e domain.BlacklistEntry) error {
	s.mu.Lock()
	s.blacklist[e.Address] = e
	s.mu.Unlock()
	return nil
}

// Position returns a saved position by ID.
func (s *Store) Position(id string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
