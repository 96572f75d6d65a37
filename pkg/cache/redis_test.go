package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisFromClient(client)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGetSetDelete(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetNXSingleWriter(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	first, err := c.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	val, _, err := c.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOperations(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "s", "a", "b"))
	require.NoError(t, c.SAdd(ctx, "s", "b", "c"))

	members, err := c.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, c.SRem(ctx, "s", "b"))
	members, err = c.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestListOperations(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.RPush(ctx, "l", "1", "2"))
	require.NoError(t, c.RPush(ctx, "l", "3"))

	vals, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, vals)
}

func TestKeysScan(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "alert:1", "a", 0))
	require.NoError(t, c.Set(ctx, "alert:2", "b", 0))
	require.NoError(t, c.Set(ctx, "workflow:1", "c", 0))

	keys, err := c.Keys(ctx, "alert:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alert:1", "alert:2"}, keys)
}

func TestLeaseAcquireRelease(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	lease := NewLease(c, "workflow-lock:w1", "holder-a", time.Minute)
	require.NoError(t, lease.Acquire(ctx))

	// A second holder cannot take the lease while held.
	other := NewLease(c, "workflow-lock:w1", "holder-b", time.Minute)
	assert.ErrorIs(t, other.Acquire(ctx), ErrLeaseHeld)

	// Release only drops the holder's own lease.
	require.NoError(t, other.Release(ctx))
	_, ok, err := c.Get(ctx, "workflow-lock:w1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, other.Acquire(ctx))

	// Expired leases free themselves.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, lease.Acquire(ctx))
}
