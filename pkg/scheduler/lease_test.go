package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLeaseAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLease(client, time.Second)
	b := NewRedisLease(client, time.Second)

	held, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRedisLeaseRenewFailsForNonHolder(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLease(client, time.Second)
	b := NewRedisLease(client, time.Second)

	_, err := a.Acquire(ctx)
	require.NoError(t, err)

	assert.Error(t, b.Renew(ctx))
	assert.NoError(t, a.Renew(ctx))
}

func TestRedisLeaseReleaseLetsAnotherAcquire(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLease(client, time.Second)
	b := NewRedisLease(client, time.Second)

	_, err := a.Acquire(ctx)
	require.NoError(t, err)
	a.Release(ctx)

	held, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedisLeaseReleaseIsNoopForNonHolder(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	a := NewRedisLease(client, time.Second)
	b := NewRedisLease(client, time.Second)

	_, err := a.Acquire(ctx)
	require.NoError(t, err)
	b.Release(ctx)

	assert.NoError(t, a.Renew(ctx))
}
