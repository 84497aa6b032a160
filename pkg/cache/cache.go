package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crosslogic/credits/internal/config"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrCacheMiss is returned by GetJSON when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// ErrLockHeld is returned by AcquireLock when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another owner")

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// setIfGenerationScript writes KEYS[2] only while KEYS[1] still holds the
// generation the caller read. A missing generation counts as 0.
var setIfGenerationScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[1])
if (gen or "0") ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// bumpGenerationScript advances the generation and drops the value in one step.
var bumpGenerationScript = redis.NewScript(`
local gen = redis.call("INCR", KEYS[1])
if tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
redis.call("DEL", KEYS[2])
return gen
`)

// Cache wraps the Redis client
type Cache struct {
	Client *redis.Client
}

// NewCache creates a new Redis cache client
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.PoolSize / 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return &Cache{Client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{Client: client}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.Client.Close()
}

// Health checks cache health
func (c *Cache) Health(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Set sets a key-value pair with expiration
func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.Client.Set(ctx, key, value, expiration).Err()
}

// SetNX sets key only if it does not exist and reports whether it was set
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, expiration).Result()
}

// Get retrieves a value by key
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.Client.Get(ctx, key).Result()
}

// SetJSON stores value encoded as JSON
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Client.Set(ctx, key, data, expiration).Err()
}

// GetJSON decodes the JSON value at key into dest. Missing keys return
// ErrCacheMiss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Delete deletes a key
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}

// Exists checks if a key exists
func (c *Cache) Exists(ctx context.Context, keys ...string) (int64, error) {
	return c.Client.Exists(ctx, keys...).Result()
}

// Incr increments a counter, creating it at 1.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	return c.Client.Incr(ctx, key).Result()
}

// Expire sets a TTL on key.
func (c *Cache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.Client.Expire(ctx, key, expiration).Err()
}

// Generation returns the counter stored at genKey, or 0 when it is unset.
func (c *Cache) Generation(ctx context.Context, genKey string) (int64, error) {
	gen, err := c.Client.Get(ctx, genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// SetJSONIfGeneration stores value at key only if genKey still equals gen.
// It reports whether the value was written.
func (c *Cache) SetJSONIfGeneration(ctx context.Context, genKey string, gen int64, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	n, err := setIfGenerationScript.Run(ctx, c.Client, []string{genKey, key},
		strconv.FormatInt(gen, 10), data, expiration.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// BumpGeneration increments genKey and deletes key atomically, so any fill
// that read the old generation is rejected.
func (c *Cache) BumpGeneration(ctx context.Context, genKey, key string, genTTL time.Duration) (int64, error) {
	return bumpGenerationScript.Run(ctx, c.Client, []string{genKey, key}, genTTL.Milliseconds()).Int64()
}

// Lock is a held distributed lock.
type Lock struct {
	Key   string
	token string
}

// AcquireLock takes a short-lived lock on key. It does not wait: if someone
// else holds the lock ErrLockHeld is returned.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{Key: key, token: token}, nil
}

// ReleaseLock releases lock if it is still owned by the caller. A lock that
// already expired and was taken by someone else is left alone.
func (c *Cache) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, c.Client, []string{lock.Key}, lock.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", lock.Key, err)
	}
	return nil
}
