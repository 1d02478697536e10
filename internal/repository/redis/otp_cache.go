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
	otpPrefix         = "otp:"
	otpAttemptsPrefix = "otp_attempts:"
	linkTokenPrefix   = "verification_token:"
)

// VerificationCache holds short-lived verification artifacts: hashed OTP
// codes keyed by email and single-use link tokens keyed by their opaque
// value. Issuing a new OTP for an email supersedes any outstanding one
// and resets its attempt counter.
type VerificationCache struct {
	client *client.RedisClient
}

func NewVerificationCache(c *client.RedisClient) *VerificationCache {
	return &VerificationCache{client: c}
}

// SetOTP stores a hashed OTP artifact for an email, replacing any
// previous artifact and clearing its attempt counter.
func (c *VerificationCache) SetOTP(ctx context.Context, email string, artifact *model.OTPArtifact, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal otp artifact: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, otpPrefix+email, data, ttl)
	pipe.Del(ctx, otpAttemptsPrefix+email)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store OTP artifact",
			zap.String("email", util.MaskEmail(email)),
			zap.Error(err))
		return fmt.Errorf("failed to store otp artifact: %w", err)
	}

	return nil
}

// GetOTP returns the outstanding OTP artifact for an email, or
// (nil, nil) when none exists.
func (c *VerificationCache) GetOTP(ctx context.Context, email string) (*model.OTPArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, otpPrefix+email)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read otp artifact: %w", err)
	}

	var artifact model.OTPArtifact
	if err := json.Unmarshal([]byte(data), &artifact); err != nil {
		// Poisoned entry: drop it so the next issue starts clean.
		_ = c.DeleteOTP(ctx, email)
		return nil, nil
	}
	return &artifact, nil
}

// IncrAttempts bumps the failed-attempt counter for an email's
// outstanding OTP and returns the new count. The counter expires with
// the same horizon as the artifact so it can never outlive it.
func (c *VerificationCache) IncrAttempts(ctx context.Context, email string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, otpAttemptsPrefix+email, ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to count otp attempts: %w", err)
	}
	return count, nil
}

// DeleteOTP removes an email's OTP artifact and attempt counter, both
// after a successful verification and after attempt exhaustion.
func (c *VerificationCache) DeleteOTP(ctx context.Context, email string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, otpPrefix+email, otpAttemptsPrefix+email); err != nil {
		util.Error("Failed to delete OTP artifact",
			zap.String("email", util.MaskEmail(email)),
			zap.Error(err))
		return fmt.Errorf("failed to delete otp artifact: %w", err)
	}
	return nil
}

// SetLinkToken stores a single-use link token artifact.
func (c *VerificationCache) SetLinkToken(ctx context.Context, token string, artifact *model.LinkTokenArtifact, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal link token: %w", err)
	}

	if err := c.client.Set(ctx, linkTokenPrefix+token, data, ttl); err != nil {
		return fmt.Errorf("failed to store link token: %w", err)
	}
	return nil
}

// ConsumeLinkToken atomically fetches and deletes a link token, so a
// token can be redeemed at most once. Returns (nil, nil) when the token
// is unknown, expired, or already consumed.
func (c *VerificationCache) ConsumeLinkToken(ctx context.Context, token string) (*model.LinkTokenArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := c.client.GetDel(ctx, linkTokenPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume link token: %w", err)
	}

	var artifact model.LinkTokenArtifact
	if err := json.Unmarshal([]byte(data), &artifact); err != nil {
		return nil, nil
	}
	return &artifact, nil
}
