package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Hour), mr
}

func TestSeenAfterMark(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	assert.False(t, c.Seen(ctx, "play", "msg-1"))
	c.Mark(ctx, "play", "msg-1")
	assert.True(t, c.Seen(ctx, "play", "msg-1"))
	assert.False(t, c.Seen(ctx, "stripe", "msg-1"), "keys are scoped by provider")

	assert.True(t, mr.Exists("delivery:play:msg-1"))
	assert.Equal(t, time.Hour, mr.TTL("delivery:play:msg-1"))

	mr.FastForward(2 * time.Hour)
	assert.False(t, c.Seen(ctx, "play", "msg-1"))
}

func TestFailsOpenWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	c := New(client, time.Hour)

	c.Mark(ctx, "app_store", "n-1")
	mr.Close()

	assert.False(t, c.Seen(ctx, "app_store", "n-1"))
	c.Mark(ctx, "app_store", "n-2")
	assert.Error(t, c.Ping(ctx))
}

func TestNilCacheIsInert(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	c.Mark(ctx, "play", "x")
	assert.False(t, c.Seen(ctx, "play", "x"))
	assert.NoError(t, c.Ping(ctx))
	assert.NoError(t, c.Close())
}

func TestConnect(t *testing.T) {
	c, err := Connect(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, c)

	mr := miniredis.RunT(t)
	c, err = Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	assert.NoError(t, c.Ping(context.Background()))

	_, err = Connect(context.Background(), "://bad")
	assert.Error(t, err)
}
