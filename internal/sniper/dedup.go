package sniper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window remembers recently seen discovery keys. Seen records key and
// reports whether it was already present.
type Window interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// MemoryWindow is a bounded in-process window: entries expire after ttl and
// the oldest are evicted beyond maxSize.
type MemoryWindow struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu    sync.Mutex
	seen  map[string]time.Time
	order []string // insertion order, oldest first
}

// NewMemoryWindow creates a window. Defaults: 10 minutes, 4096 keys.
func NewMemoryWindow(ttl time.Duration, maxSize int) *MemoryWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &MemoryWindow{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		seen:    make(map[string]time.Time, maxSize),
	}
}

func (w *MemoryWindow) Seen(_ context.Context, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)
	if at, ok := w.seen[key]; ok && now.Sub(at) < w.ttl {
		return true, nil
	}
	w.seen[key] = now
	w.order = append(w.order, key)
	if len(w.seen) > w.maxSize {
		w.dropOldest()
	}
	return false, nil
}

// evict drops expired keys from the front. Caller holds mu.
func (w *MemoryWindow) evict(now time.Time) {
	for len(w.order) > 0 {
		k := w.order[0]
		at, ok := w.seen[k]
		if ok && now.Sub(at) < w.ttl {
			return
		}
		delete(w.seen, k)
		w.order = w.order[1:]
	}
}

func (w *MemoryWindow) dropOldest() {
	for len(w.order) > 0 && len(w.seen) > w.maxSize {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
}

func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// RedisWindow shares the window across instances with SET NX + TTL, so two
// replicas on the same feed evaluate each event once.
type RedisWindow struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisWindow creates a redis-backed window.
func NewRedisWindow(rdb *redis.Client, prefix string, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if prefix == "" {
		prefix = "launchguard"
	}
	return &RedisWindow{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (w *RedisWindow) Seen(ctx context.Context, key string) (bool, error) {
	set, err := w.rdb.SetNX(ctx, w.prefix+":dedup:"+key, 1, w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup %s: %w", key, err)
	}
	return !set, nil
}
