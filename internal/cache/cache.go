package cache

import (
	"context"
	"log/slog"
	"sync"
)

// Invalidator drops a subscriber's cached feed and message counts. The feed
// cache itself lives with the REST read path; the execution engine only ever
// invalidates.
type Invalidator interface {
	Invalidate(ctx context.Context, subscriberID, environmentID string)
}

// feed cache key spaces invalidated together
var keySpaces = []string{"feed", "message-count"}

// MemoryInvalidator tracks invalidation generations per subscriber in
// process memory. Read-path callers compare generations to decide whether a
// cached feed is stale.
type MemoryInvalidator struct {
	logger *slog.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

// NewMemoryInvalidator creates a new MemoryInvalidator.
func NewMemoryInvalidator(logger *slog.Logger) *MemoryInvalidator {
	return &MemoryInvalidator{
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// Invalidate bumps the generation of every key space for the subscriber.
func (c *MemoryInvalidator) Invalidate(ctx context.Context, subscriberID, environmentID string) {
	c.mu.Lock()
	for _, space := range keySpaces {
		c.generations[space+":"+environmentID+":"+subscriberID]++
	}
	c.mu.Unlock()

	c.logger.Debug("Subscriber caches invalidated",
		slog.String("subscriber_id", subscriberID),
		slog.String("environment_id", environmentID),
	)
}

// Generation returns the current generation of a key space for a subscriber.
func (c *MemoryInvalidator) Generation(space, subscriberID, environmentID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[space+":"+environmentID+":"+subscriberID]
}
