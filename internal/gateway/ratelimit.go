package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/credits/pkg/cache"
	"go.uber.org/zap"
)

// DefaultCheckoutLimit is the per-account request budget per minute for
// routes that reach the payment provider.
const DefaultCheckoutLimit = 10

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit      int64
	Remaining  int64
	ResetAt    int64
	RetryAfter int64
}

// RateLimiter is a fixed one-minute window counter per account, kept in
// Redis so every replica shares it.
type RateLimiter struct {
	cache  *cache.Cache
	limit  int64
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter creates a rate limiter. A nil cache disables limiting.
func NewRateLimiter(cacheClient *cache.Cache, perMinute int64, logger *zap.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultCheckoutLimit
	}
	return &RateLimiter{
		cache:  cacheClient,
		limit:  perMinute,
		logger: logger,
		now:    time.Now,
	}
}

// Allow counts one request for accountID against the current window.
func (rl *RateLimiter) Allow(ctx context.Context, accountID string) (bool, RateLimitInfo, error) {
	now := rl.now().UTC()
	windowEnd := now.Truncate(time.Minute).Add(time.Minute)
	info := RateLimitInfo{Limit: rl.limit, Remaining: rl.limit, ResetAt: windowEnd.Unix()}
	if rl.cache == nil {
		return true, info, nil
	}

	key := fmt.Sprintf("ratelimit:account:%s:minute:%s", accountID, now.Format("2006-01-02T15:04"))
	count, err := rl.cache.Incr(ctx, key)
	if err != nil {
		return false, info, fmt.Errorf("rate limit %s: %w", accountID, err)
	}

	// Set expiration on first increment
	if count == 1 {
		if err := rl.cache.Expire(ctx, key, 65*time.Second); err != nil {
			rl.logger.Debug("failed to set rate limit expiry", zap.String("key", key), zap.Error(err))
		}
	}

	if count > rl.limit {
		info.Remaining = 0
		info.RetryAfter = int64(windowEnd.Sub(now).Seconds()) + 1
		return false, info, nil
	}
	info.Remaining = rl.limit - count
	return true, info, nil
}
