package redis

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/client"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache implements fixed-window counters keyed by action and
// actor. The window starts at the first hit and never slides; callers
// accept up to double the limit across a window boundary.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(c *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: c}
}

func rateLimitKey(action, actor string) string {
	return fmt.Sprintf("%s%s:%s", rateLimitPrefix, action, actor)
}

// Hit records one attempt and returns the count within the current
// window. The first hit of a window arms its expiry.
func (c *RateLimitCache) Hit(ctx context.Context, action, actor string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, rateLimitKey(action, actor), window)
	if err != nil {
		return 0, fmt.Errorf("failed to count rate limit hit: %w", err)
	}
	return count, nil
}

// RetryAfter reports how long until the current window for an
// action/actor pair resets.
func (c *RateLimitCache) RetryAfter(ctx context.Context, action, actor string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ttl, err := c.client.TTL(ctx, rateLimitKey(action, actor))
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Reset clears the window for an action/actor pair.
func (c *RateLimitCache) Reset(ctx context.Context, action, actor string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, rateLimitKey(action, actor)); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
