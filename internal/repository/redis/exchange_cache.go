package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/model"
)

const exchangeCodePrefix = "exchange_code:"

// ExchangeCache holds short-lived OAuth exchange codes. A code carries
// the minted session token across the browser redirect and is consumed
// exactly once.
type ExchangeCache struct {
	client *client.RedisClient
}

func NewExchangeCache(c *client.RedisClient) *ExchangeCache {
	return &ExchangeCache{client: c}
}

func (c *ExchangeCache) Set(ctx context.Context, code string, payload *model.ExchangeCode, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal exchange code: %w", err)
	}

	if err := c.client.Set(ctx, exchangeCodePrefix+code, data, ttl); err != nil {
		return fmt.Errorf("failed to store exchange code: %w", err)
	}
	return nil
}

// Consume atomically fetches and deletes an exchange code. Returns
// (nil, nil) when the code is unknown, expired, or already consumed.
func (c *ExchangeCache) Consume(ctx context.Context, code string) (*model.ExchangeCode, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.client.GetDel(ctx, exchangeCodePrefix+code)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume exchange code: %w", err)
	}

	var payload model.ExchangeCode
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, nil
	}
	return &payload, nil
}
