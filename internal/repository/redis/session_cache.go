package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const (
	sessionPrefix      = "session:"       // session:{token} -> SessionMeta JSON
	userSessionsPrefix = "user_sessions:" // user_sessions:{userId} -> set of tokens
)

// SessionCache holds the fast-path session state: one entry per live
// token plus the per-account registry set used for device listing and
// bulk logout.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(c *client.RedisClient) *SessionCache {
	return &SessionCache{client: c}
}

// Set mirrors a freshly minted session and registers its token in the
// account's session set, in one pipeline.
func (c *SessionCache) Set(ctx context.Context, token string, meta *model.SessionMeta, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}

	registryKey := userSessionsPrefix + meta.AccountID

	pipe := c.client.Pipeline()
	pipe.Set(ctx, sessionPrefix+token, data, ttl)
	pipe.SAdd(ctx, registryKey, token)
	pipe.Expire(ctx, registryKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to set session cache entry",
			zap.String("account_id", meta.AccountID),
			zap.String("session_id", meta.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to set session cache entry: %w", err)
	}

	util.Debug("Session cached",
		zap.String("account_id", meta.AccountID),
		zap.String("session_id", meta.SessionID),
		zap.Duration("ttl", ttl))
	return nil
}

// Get returns the cached session for a token, or (nil, nil) on a miss.
func (c *SessionCache) Get(ctx context.Context, token string) (*model.SessionMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, sessionPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}

	var meta model.SessionMeta
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		_ = c.client.Del(ctx, sessionPrefix+token)
		return nil, nil
	}

	return &meta, nil
}

// Delete removes a token's cache mirror and pulls it out of the
// account's registry set.
func (c *SessionCache) Delete(ctx context.Context, accountID, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Del(ctx, sessionPrefix+token)
	if accountID != "" {
		pipe.SRem(ctx, userSessionsPrefix+accountID, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete session cache entry",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to delete session cache entry: %w", err)
	}

	return nil
}

// RegistryTokens returns every token currently registered for an account.
// Members may be stale; callers prune tokens without a live cache entry.
func (c *SessionCache) RegistryTokens(ctx context.Context, accountID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tokens, err := c.client.SMembers(ctx, userSessionsPrefix+accountID)
	if err != nil {
		util.Error("Failed to read session registry",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read session registry: %w", err)
	}

	return tokens, nil
}

// Prune removes registry members that no longer resolve to a live cache
// entry and returns the tokens that are still valid.
func (c *SessionCache) Prune(ctx context.Context, accountID string) ([]string, error) {
	tokens, err := c.RegistryTokens(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	live := make([]string, 0, len(tokens))
	var stale []interface{}
	for _, token := range tokens {
		exists, err := c.client.Exists(ctx, sessionPrefix+token)
		if err != nil {
			return nil, fmt.Errorf("failed to check session entry: %w", err)
		}
		if exists {
			live = append(live, token)
		} else {
			stale = append(stale, token)
		}
	}

	if len(stale) > 0 {
		if err := c.client.SRem(ctx, userSessionsPrefix+accountID, stale...); err != nil {
			util.Warn("Failed to prune stale registry members",
				zap.String("account_id", accountID),
				zap.Int("stale", len(stale)),
				zap.Error(err))
		} else {
			util.Debug("Pruned stale session registry members",
				zap.String("account_id", accountID),
				zap.Int("stale", len(stale)))
		}
	}

	return live, nil
}

// DeleteAll drops every cached session of an account plus the registry
// set itself, in one pipeline. Returns the tokens that were registered.
func (c *SessionCache) DeleteAll(ctx context.Context, accountID string, exceptToken string) ([]string, error) {
	tokens, err := c.RegistryTokens(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	removed := make([]string, 0, len(tokens))
	pipe := c.client.Pipeline()
	for _, token := range tokens {
		if exceptToken != "" && token == exceptToken {
			continue
		}
		pipe.Del(ctx, sessionPrefix+token)
		pipe.SRem(ctx, userSessionsPrefix+accountID, token)
		removed = append(removed, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete account sessions",
			zap.String("account_id", accountID),
			zap.Int("session_count", len(removed)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to delete account sessions: %w", err)
	}

	util.Info("Account sessions removed from cache",
		zap.String("account_id", accountID),
		zap.Int("session_count", len(removed)))

	return removed, nil
}
