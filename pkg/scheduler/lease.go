package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaseKey = "teo:scheduler:lease"

// renewScript atomically extends the lease TTL only if the caller's
// token still matches the stored value, avoiding the check-then-act
// race a plain GET+EXPIRE would have against a concurrent acquire.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript atomically deletes the lease only if the caller's token
// still matches the stored value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease enforces the single-writer Scheduler assumption (spec.md
// §5) using Redis's atomic SET NX PX: whichever process holds the key
// is the only one allowed to run the assignment phase of Tick. The
// holder renews the key's TTL on every successful acquire; if it stops
// renewing (crash, GC pause, network partition), the lease expires and
// another replica takes over.
type RedisLease struct {
	client *redis.Client
	token  string
	ttl    time.Duration
}

// NewRedisLease creates a lease with the given TTL (should be several
// multiples of the Scheduler's tick period so a slow tick doesn't lose
// the lease under normal load).
func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{client: client, token: uuid.New().String(), ttl: ttl}
}

// Acquire reports true if this process now holds (or already held) the
// lease.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	held, err := l.client.Get(ctx, leaseKey).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("scheduler: read lease holder: %w", err)
	}
	return held == l.token, nil
}

// Renew extends the TTL of a lease this process holds. A no-op error is
// returned if another instance currently holds it.
func (l *RedisLease) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.client, []string{leaseKey}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("scheduler: renew lease: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("scheduler: lease held by another instance")
	}
	return nil
}

// Release gives up the lease if this process holds it, so a clean
// shutdown lets another replica take over immediately instead of
// waiting out the TTL.
func (l *RedisLease) Release(ctx context.Context) {
	releaseScript.Run(ctx, l.client, []string{leaseKey}, l.token)
}

var _ Lease = (*RedisLease)(nil)
