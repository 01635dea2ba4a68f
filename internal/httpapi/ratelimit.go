package httpapi

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterStore hands out one token bucket per user and evicts idle buckets.
type limiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(limit rate.Limit, burst int, ttl time.Duration) *limiterStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &limiterStore{
		entries: make(map[string]*limiterEntry, 256),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
	}
}

func (store *limiterStore) Allow(key string) bool {
	store.mu.Lock()
	entry, ok := store.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(store.limit, store.burst)}
		store.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	store.mu.Unlock()
	return entry.limiter.Allow()
}

// startJanitor evicts buckets idle for longer than the ttl until ctx is done.
func (store *limiterStore) startJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.evictIdle(time.Now())
			}
		}
	}()
}

func (store *limiterStore) evictIdle(now time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for key, entry := range store.entries {
		if now.Sub(entry.lastSeen) > store.ttl {
			delete(store.entries, key)
		}
	}
}
