package scanner

import (
	"sync"
	"time"
)

// CreatorHistory counts distinct tokens launched per creator inside a
// sliding window.
type CreatorHistory struct {
	window time.Duration

	mu       sync.Mutex
	creators map[string]map[string]time.Time // creator -> mint -> first seen
}

// NewCreatorHistory creates a tracker with the given window (24h if zero).
func NewCreatorHistory(window time.Duration) *CreatorHistory {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &CreatorHistory{
		window:   window,
		creators: make(map[string]map[string]time.Time),
	}
}

// Observe records mint for creator and returns how many OTHER tokens the
// creator launched within the window. Re-observing a mint is idempotent.
func (h *CreatorHistory) Observe(creator, mint string, at time.Time) int {
	if creator == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	mints, ok := h.creators[creator]
	if !ok {
		mints = make(map[string]time.Time)
		h.creators[creator] = mints
	}
	cutoff := at.Add(-h.window)
	for m, seen := range mints {
		if seen.Before(cutoff) {
			delete(mints, m)
		}
	}
	if _, seen := mints[mint]; !seen {
		mints[mint] = at
	}
	return len(mints) - 1
}

// Cleanup drops creators with no launch inside the window.
func (h *CreatorHistory) Cleanup(now time.Time) int {
	cutoff := now.Add(-h.window)
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for creator, mints := range h.creators {
		for m, seen := range mints {
			if seen.Before(cutoff) {
				delete(mints, m)
			}
		}
		if len(mints) == 0 {
			delete(h.creators, creator)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked creators.
func (h *CreatorHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.creators)
}
