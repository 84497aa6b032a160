package credits

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/credits/pkg/cache"
)

const (
	balanceKeyPrefix    = "credits:balance:"
	balanceGenKeyPrefix = "credits:balance-gen:"

	// balanceGenTTL outlives any read in flight by a wide margin.
	balanceGenTTL = 24 * time.Hour
)

// BalanceCache is a cache-aside store for Balance snapshots. Entries expire
// after a fixed TTL and are invalidated by the ledger after every write.
//
// Fills are generation guarded: a reader takes Version before loading the
// account and Set is dropped if an Invalidate happened in between.
type BalanceCache interface {
	Get(ctx context.Context, accountID string) (Balance, bool, error)
	Version(ctx context.Context, accountID string) (int64, error)
	Set(ctx context.Context, b Balance, version int64) error
	Invalidate(ctx context.Context, accountID string) error
}

// RedisBalanceCache keeps balances in Redis as JSON.
type RedisBalanceCache struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewRedisBalanceCache creates a cache with the given TTL.
func NewRedisBalanceCache(c *cache.Cache, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{cache: c, ttl: ttl}
}

func (r *RedisBalanceCache) Get(ctx context.Context, accountID string) (Balance, bool, error) {
	var b Balance
	err := r.cache.GetJSON(ctx, balanceKeyPrefix+accountID, &b)
	if errors.Is(err, cache.ErrCacheMiss) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, err
	}
	return b, true, nil
}

func (r *RedisBalanceCache) Version(ctx context.Context, accountID string) (int64, error) {
	return r.cache.Generation(ctx, balanceGenKeyPrefix+accountID)
}

func (r *RedisBalanceCache) Set(ctx context.Context, b Balance, version int64) error {
	_, err := r.cache.SetJSONIfGeneration(ctx, balanceGenKeyPrefix+b.AccountID, version, balanceKeyPrefix+b.AccountID, b, r.ttl)
	return err
}

func (r *RedisBalanceCache) Invalidate(ctx context.Context, accountID string) error {
	_, err := r.cache.BumpGeneration(ctx, balanceGenKeyPrefix+accountID, balanceKeyPrefix+accountID, balanceGenTTL)
	return err
}

// NoopBalanceCache never caches.
type NoopBalanceCache struct{}

func (NoopBalanceCache) Get(context.Context, string) (Balance, bool, error) { return Balance{}, false, nil }
func (NoopBalanceCache) Version(context.Context, string) (int64, error) { return 0, nil }
func (NoopBalanceCache) Set(context.Context, Balance, int64) error { return nil }
func (NoopBalanceCache) Invalidate(context.Context, string) error { return nil }
