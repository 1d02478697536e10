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
	userByEmailPrefix = "user:" // user:{email} and user:{id} share the namespace
)

// AccountCache is the read-through replica of account rows, keyed both by
// normalized email and by account id. The durable store is ground truth;
// a miss or a failure here only costs a store round trip.
type AccountCache struct {
	client *client.RedisClient
	ttl    time.Duration
}

func NewAccountCache(c *client.RedisClient, ttl time.Duration) *AccountCache {
	return &AccountCache{client: c, ttl: ttl}
}

// cachedAccount is the cache wire form. The model's own json tags shape
// API responses and hide the credential columns, so the cache needs its
// own envelope carrying the full row.
type cachedAccount struct {
	Bucket         int        `json:"bucket"`
	ID             string     `json:"id"`
	Email          string     `json:"email,omitempty"`
	EmailHash      string     `json:"emailHash"`
	EmailEncrypted []byte     `json:"emailEncrypted,omitempty"`
	EmailKeyID     string     `json:"emailKeyId,omitempty"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	PasswordHash   string     `json:"passwordHash,omitempty"`
	PasswordSalt   string     `json:"passwordSalt,omitempty"`
	PepperVersion  int        `json:"pepperVersion"`
	Role           string     `json:"role"`
	IsVerified     bool       `json:"isVerified"`
	IsActive       bool       `json:"isActive"`
	IsBanned       bool       `json:"isBanned"`
	BannedBy       string     `json:"bannedBy,omitempty"`
	BannedReason   string     `json:"bannedReason,omitempty"`
	BannedAt       *time.Time `json:"bannedAt,omitempty"`
	ImageURL       string     `json:"imageUrl,omitempty"`
	ImagePublicID  string     `json:"imagePublicId,omitempty"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func toCached(a *model.Account) *cachedAccount {
	return &cachedAccount{
		Bucket:         a.Bucket,
		ID:             a.ID,
		Email:          a.Email,
		EmailHash:      a.EmailHash,
		EmailEncrypted: a.EmailEncrypted,
		EmailKeyID:     a.EmailKeyID,
		FirstName:      a.FirstName,
		LastName:       a.LastName,
		PasswordHash:   a.PasswordHash,
		PasswordSalt:   a.PasswordSalt,
		PepperVersion:  a.PepperVersion,
		Role:           a.Role,
		IsVerified:     a.IsVerified,
		IsActive:       a.IsActive,
		IsBanned:       a.IsBanned,
		BannedBy:       a.BannedBy,
		BannedReason:   a.BannedReason,
		BannedAt:       a.BannedAt,
		ImageURL:       a.ImageURL,
		ImagePublicID:  a.ImagePublicID,
		LastLogin:      a.LastLogin,
		DeletedAt:      a.DeletedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (c *cachedAccount) toModel() *model.Account {
	return &model.Account{
		Bucket:         c.Bucket,
		ID:             c.ID,
		Email:          c.Email,
		EmailHash:      c.EmailHash,
		EmailEncrypted: c.EmailEncrypted,
		EmailKeyID:     c.EmailKeyID,
		FirstName:      c.FirstName,
		LastName:       c.LastName,
		PasswordHash:   c.PasswordHash,
		PasswordSalt:   c.PasswordSalt,
		PepperVersion:  c.PepperVersion,
		Role:           c.Role,
		IsVerified:     c.IsVerified,
		IsActive:       c.IsActive,
		IsBanned:       c.IsBanned,
		BannedBy:       c.BannedBy,
		BannedReason:   c.BannedReason,
		BannedAt:       c.BannedAt,
		ImageURL:       c.ImageURL,
		ImagePublicID:  c.ImagePublicID,
		LastLogin:      c.LastLogin,
		DeletedAt:      c.DeletedAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (c *AccountCache) Set(ctx context.Context, account *model.Account) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(toCached(account))
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.Set(ctx, userByEmailPrefix+account.Email, data, c.ttl)
	pipe.Set(ctx, userByEmailPrefix+account.ID, data, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to cache account",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return fmt.Errorf("failed to cache account: %w", err)
	}

	return nil
}

// GetByEmail returns the cached account for a normalized email, or
// (nil, nil) on a miss.
func (c *AccountCache) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return c.get(ctx, userByEmailPrefix+email)
}

// GetByID returns the cached account for an id, or (nil, nil) on a miss.
func (c *AccountCache) GetByID(ctx context.Context, accountID string) (*model.Account, error) {
	return c.get(ctx, userByEmailPrefix+accountID)
}

func (c *AccountCache) get(ctx context.Context, key string) (*model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		util.Error("Failed to read account cache",
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read account cache: %w", err)
	}

	var cached cachedAccount
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		// Poisoned entry: drop it and treat as a miss
		_ = c.client.Del(ctx, key)
		return nil, nil
	}

	return cached.toModel(), nil
}

// Invalidate drops both cache keys for an account. Every durable mutation
// of the account row goes through this.
func (c *AccountCache) Invalidate(ctx context.Context, accountID, email string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys := []string{userByEmailPrefix + accountID}
	if email != "" {
		keys = append(keys, userByEmailPrefix+email)
	}

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to invalidate account cache",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate account cache: %w", err)
	}

	util.Debug("Account cache invalidated", zap.String("account_id", accountID))
	return nil
}
