package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const blacklistPrefix = "blacklist:"

// BlacklistCache is the revocation list: the only path from "token is
// cryptographically valid" to "token is actually rejected". Entries live
// exactly as long as the token would have, derived from its embedded
// expiry by the caller.
type BlacklistCache struct {
	client *client.RedisClient
}

func NewBlacklistCache(c *client.RedisClient) *BlacklistCache {
	return &BlacklistCache{client: c}
}

// Add revokes a token for the given remaining lifetime. A non-positive
// TTL means the token has already expired naturally and nothing is
// stored.
func (c *BlacklistCache) Add(ctx context.Context, token, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, blacklistPrefix+token, reason, ttl); err != nil {
		util.Error("Failed to blacklist token",
			zap.String("reason", reason),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to blacklist token: %w", err)
	}

	util.Debug("Token blacklisted",
		zap.String("reason", reason),
		zap.Duration("ttl", ttl))
	return nil
}

// Contains reports whether a token is revoked.
func (c *BlacklistCache) Contains(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := c.client.Exists(ctx, blacklistPrefix+token)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}

	return exists, nil
}

// TTL reports the remaining blacklist lifetime of a token.
func (c *BlacklistCache) TTL(ctx context.Context, token string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ttl, err := c.client.TTL(ctx, blacklistPrefix+token)
	if err != nil {
		return 0, fmt.Errorf("failed to read blacklist TTL: %w", err)
	}
	return ttl, nil
}
