package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

type balance struct {
	Total string `json:"total"`
}

func TestCache_JSONRoundTripAndMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	var got balance
	require.ErrorIs(t, c.GetJSON(ctx, "balance:a", &got), ErrCacheMiss)

	require.NoError(t, c.SetJSON(ctx, "balance:a", balance{Total: "1.50"}, 30*time.Second))
	require.NoError(t, c.GetJSON(ctx, "balance:a", &got))
	assert.Equal(t, "1.50", got.Total)

	mr.FastForward(31 * time.Second)
	assert.ErrorIs(t, c.GetJSON(ctx, "balance:a", &got), ErrCacheMiss)
}

func TestCache_SetNX(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "webhook:evt_1", "processing", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "webhook:evt_1", "processing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Lock(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	lock, err := c.AcquireLock(ctx, "setup:acct_1", 10*time.Second)
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, "setup:acct_1", 10*time.Second)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, c.ReleaseLock(ctx, lock))
	again, err := c.AcquireLock(ctx, "setup:acct_1", 10*time.Second)
	require.NoError(t, err)

	// An expired lock taken over by someone else is not released by the
	// previous owner.
	mr.FastForward(11 * time.Second)
	other, err := c.AcquireLock(ctx, "setup:acct_1", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.ReleaseLock(ctx, again))
	assert.True(t, mr.Exists("setup:acct_1"))

	require.NoError(t, c.ReleaseLock(ctx, other))
	assert.False(t, mr.Exists("setup:acct_1"))
}

func TestCache_GenerationGuardedSet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	gen, err := c.Generation(ctx, "gen:a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	ok, err := c.SetJSONIfGeneration(ctx, "gen:a", gen, "balance:a", balance{Total: "10"}, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, mr.TTL("balance:a"))

	next, err := c.BumpGeneration(ctx, "gen:a", "balance:a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
	assert.False(t, mr.Exists("balance:a"))
	assert.Equal(t, time.Hour, mr.TTL("gen:a"))

	// A fill that read generation 0 lost the race.
	ok, err = c.SetJSONIfGeneration(ctx, "gen:a", gen, "balance:a", balance{Total: "10"}, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("balance:a"))

	ok, err = c.SetJSONIfGeneration(ctx, "gen:a", next, "balance:a", balance{Total: "6"}, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	var got balance
	require.NoError(t, c.GetJSON(ctx, "balance:a", &got))
	assert.Equal(t, "6", got.Total)
}
