package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCursorCache wraps a durable CursorAdvancer and mirrors each
// advanced round-robin index into Redis. Redis is never the only copy:
// every advance and rewind goes to the durable store first, so a flushed
// or unavailable Redis instance does not lose fairness state (spec.md §5
// "restarts don't reset round-robin fairness"). The cached value is
// written here but never read back, so every advance still costs one
// durable-store round trip.
type RedisCursorCache struct {
	client  *redis.Client
	durable CursorAdvancer
	ttl     int64 // seconds
}

// NewRedisCursorCache wraps durable (typically the Store) with a Redis
// mirror. ttlSeconds is the expiry set on each cached key (3600 when not
// positive).
func NewRedisCursorCache(client *redis.Client, durable CursorAdvancer, ttlSeconds int64) *RedisCursorCache {
	if ttlSeconds <= 0 {
		ttlSeconds = 3600
	}
	return &RedisCursorCache{client: client, durable: durable, ttl: ttlSeconds}
}

// AdvanceRoundRobinCursor implements CursorAdvancer. It always commits
// the advance to durable storage first (the source of truth for
// cross-restart fairness), then best-effort writes the returned index
// to Redis under the rule's key.
func (c *RedisCursorCache) AdvanceRoundRobinCursor(ctx context.Context, ruleID string, numCandidates int) (int, error) {
	index, err := c.durable.AdvanceRoundRobinCursor(ctx, ruleID, numCandidates)
	if err != nil {
		return 0, err
	}

	key := cursorKey(ruleID)
	if err := c.client.Set(ctx, key, index, time.Duration(c.ttl)*time.Second).Err(); err != nil {
		// Cache-only failure: fairness is still correct via durable. Not
		// fatal to the caller.
		return index, nil
	}
	return index, nil
}

// RewindRoundRobinCursor implements CursorAdvancer. It reverts the
// durable cursor first, then deletes the cached value rather than trying
// to compute its reverted form.
func (c *RedisCursorCache) RewindRoundRobinCursor(ctx context.Context, ruleID string, numCandidates int) error {
	if err := c.durable.RewindRoundRobinCursor(ctx, ruleID, numCandidates); err != nil {
		return err
	}
	if err := c.client.Del(ctx, cursorKey(ruleID)).Err(); err != nil {
		// Cache-only failure: durable is already reverted, just stale until
		// the next TTL expiry or restart. Not fatal to the caller.
		return nil
	}
	return nil
}

func cursorKey(ruleID string) string {
	return fmt.Sprintf("teo:rr_cursor:%s", ruleID)
}

var _ CursorAdvancer = (*RedisCursorCache)(nil)
