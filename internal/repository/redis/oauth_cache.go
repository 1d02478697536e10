package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/client"
)

const oauthStatePrefix = "oauth_state:"

// OAuthStatePayload is what gets pinned to a state nonce for the
// duration of a provider round trip. The requested role rides server
// side so the callback never trusts a client-supplied one.
type OAuthStatePayload struct {
	Provider string `json:"provider"`
	Role     string `json:"role"`
	Device   string `json:"device"`
	OS       string `json:"os"`
	Browser  string `json:"browser"`
	IP       string `json:"ip"`
}

// OAuthStateCache holds in-flight OAuth state nonces. A nonce is valid
// for one callback and expires with the provider round trip.
type OAuthStateCache struct {
	client *client.RedisClient
}

func NewOAuthStateCache(c *client.RedisClient) *OAuthStateCache {
	return &OAuthStateCache{client: c}
}

func (c *OAuthStateCache) Set(ctx context.Context, state string, payload *OAuthStatePayload, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth state: %w", err)
	}

	if err := c.client.Set(ctx, oauthStatePrefix+state, data, ttl); err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	return nil
}

// Consume atomically fetches and deletes a state nonce. Returns
// (nil, nil) when the nonce is unknown or already used.
func (c *OAuthStateCache) Consume(ctx context.Context, state string) (*OAuthStatePayload, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.client.GetDel(ctx, oauthStatePrefix+state)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	var payload OAuthStatePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, nil
	}
	return &payload, nil
}
