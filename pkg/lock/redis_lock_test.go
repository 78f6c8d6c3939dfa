package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) (*miniredis.Miniredis, *RedisLock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, NewRedisLock(client)
}

func TestAcquireRelease(t *testing.T) {
	_, l := newTestLock(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "sweep:addr:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// 已被持有，再抢失败
	ok, err = l.Acquire(ctx, "sweep:addr:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "sweep:addr:1"))

	ok, err = l.Acquire(ctx, "sweep:addr:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseOnlyDeletesOwnLock(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewRedisLock(client)
	b := NewRedisLock(client)

	ok, err := a.Acquire(ctx, "sweep:addr:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A 的锁过期后被 B 抢到
	srv.FastForward(2 * time.Second)
	ok, err = b.Acquire(ctx, "sweep:addr:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// 迟到的 A Release 不能删掉 B 的锁
	require.NoError(t, a.Release(ctx, "sweep:addr:1"))
	assert.True(t, srv.Exists("lock:sweep:addr:1"))

	require.NoError(t, b.Release(ctx, "sweep:addr:1"))
	assert.False(t, srv.Exists("lock:sweep:addr:1"))
}

func TestReleaseWithoutHoldIsNoop(t *testing.T) {
	_, l := newTestLock(t)
	require.NoError(t, l.Release(context.Background(), "never-held"))
}
