// Package security holds HTTP hardening shared by the OAuth endpoints.
package security

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/milanbella/sa-oauth/logger"
)

const (
	defaultMaxEntries = 10000
	defaultMaxIdle    = 30 * time.Minute
)

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket. The number of tracked keys is
// bounded; the least recently used key is evicted first.
type RateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List
	limit     rate.Limit
	burst     int
	max       int
	maxIdle   time.Duration
	now       func() time.Time
	evictions int64
}

// NewRateLimiter allows rps requests per second with the given burst per key.
// A burst below 1 is raised to 1. maxEntries <= 0 uses the default of 10000.
func NewRateLimiter(rps, burst, maxEntries int) *RateLimiter {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		limit:   rate.Limit(rps),
		burst:   burst,
		max:     maxEntries,
		maxIdle: defaultMaxIdle,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.max {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// Sweep drops keys idle for longer than 30 minutes.
func (rl *RateLimiter) Sweep(_ context.Context) (int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.maxIdle)
	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if entry.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, entry.key)
		removed++
		elem = prev
	}
	return removed, nil
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// must hold rl.mu
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	rl.lru.Remove(elem)
	delete(rl.entries, entry.key)
	rl.evictions++

	logger.L().Debug("rate limiter eviction",
		zap.String("key", entry.key),
		zap.Int64("total_evictions", rl.evictions),
	)
}
