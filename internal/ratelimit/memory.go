package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps one rate.Limiter per bucket key. Suitable for a single
// process; multi-node fleets share state through PostgresStore instead.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limiters: make(map[string]*rate.Limiter),
	}
}

// Take deducts cost from the bucket's limiter, creating it at the burst
// ceiling on first use. The per-key limiter serializes its own token math.
func (s *MemoryStore) Take(ctx context.Context, key string, cost, burstLimit, refillPerWindow int, window time.Duration) (bool, int, time.Time, error) {
	refillPerSecond := float64(refillPerWindow) / window.Seconds()

	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok || limiter.Burst() != burstLimit {
		limiter = rate.NewLimiter(rate.Limit(refillPerSecond), burstLimit)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()

	now := time.Now()
	allowed := limiter.AllowN(now, cost)

	tokens := limiter.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	remaining := int(math.Floor(tokens))

	return allowed, remaining, resetTime(now, tokens, float64(burstLimit), refillPerSecond), nil
}
