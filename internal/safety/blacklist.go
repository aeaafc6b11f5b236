package safety

import (
	"sort"
	"sync"

	"github.com/nexus-trading/launchguard/internal/domain"
)

// Blacklist is the local set of blocked token and creator addresses.
// Lookups are in-memory and never fail.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]domain.BlacklistEntry
}

// NewBlacklist creates a blacklist seeded with entries.
func NewBlacklist(entries ...domain.BlacklistEntry) *Blacklist {
	b := &Blacklist{entries: make(map[string]domain.BlacklistEntry, len(entries))}
	for _, e := range entries {
		b.entries[e.Address] = e
	}
	return b
}

// Add inserts or replaces an entry.
func (b *Blacklist) Add(e domain.BlacklistEntry) {
	b.mu.Lock()
	b.entries[e.Address] = e
	b.mu.Unlock()
}

// Lookup returns the first listed address among ids.
func (b *Blacklist) Lookup(ids ...string) (domain.BlacklistEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if e, ok := b.entries[id]; ok {
			return e, true
		}
	}
	return domain.BlacklistEntry{}, false
}

// IsBlacklisted reports whether id is listed.
func (b *Blacklist) IsBlacklisted(id string) bool {
	_, ok := b.Lookup(id)
	return ok
}

func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Entries returns the entries ordered by address.
func (b *Blacklist) Entries() []domain.BlacklistEntry {
	b.mu.RLock()
	out := make([]domain.BlacklistEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
