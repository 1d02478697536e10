package redis

import (
	"context"
	"fmt"
	"time"

	"identity-service/internal/client"
)

const reactivationPrefix = "reactivation_pending:"

// ReactivationCache dedupes reactivation requests: one pending request
// per account within the dedupe horizon, enforced with SetNX so two
// concurrent submissions cannot both win.
type ReactivationCache struct {
	client *client.RedisClient
}

func NewReactivationCache(c *client.RedisClient) *ReactivationCache {
	return &ReactivationCache{client: c}
}

// Claim marks an account as having a pending request. Returns false
// when one already exists.
func (c *ReactivationCache) Claim(ctx context.Context, accountID, requestID string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := c.client.SetNX(ctx, reactivationPrefix+accountID, requestID, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim reactivation slot: %w", err)
	}
	return ok, nil
}

// Release frees an account's pending slot after the request is decided.
func (c *ReactivationCache) Release(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, reactivationPrefix+accountID); err != nil {
		return fmt.Errorf("failed to release reactivation slot: %w", err)
	}
	return nil
}
