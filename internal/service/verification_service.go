package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/errs"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

// VerificationService issues and validates the short-lived email
// verification artifacts: 6-digit OTP codes and single-use link tokens.
// Both live only in the cache; losing them means re-requesting, never a
// stuck account.
type VerificationService struct {
	cache  *rediscache.VerificationCache
	hasher *hashing.Hasher
	cfg    *config.VerificationConfig
}

func NewVerificationService(cache *rediscache.VerificationCache, hasher *hashing.Hasher, cfg *config.VerificationConfig) *VerificationService {
	return &VerificationService{
		cache:  cache,
		hasher: hasher,
		cfg:    cfg,
	}
}

// IssueOTP generates, hashes and stores a fresh code for an email,
// superseding any outstanding one. Returns the plaintext code for the
// mailer; it is never stored.
func (s *VerificationService) IssueOTP(ctx context.Context, email, purpose string) (string, error) {
	code, err := generateOTP()
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}

	result, err := s.hasher.HashOTP(code)
	if err != nil {
		return "", fmt.Errorf("failed to hash otp: %w", err)
	}

	ttl := s.otpTTL(purpose)
	artifact := &model.OTPArtifact{
		CodeHash:      result.Hash,
		Salt:          result.Salt,
		PepperVersion: result.PepperVersion,
		Purpose:       purpose,
		ExpiresAt:     time.Now().UTC().Add(ttl),
	}

	if err := s.cache.SetOTP(ctx, email, artifact, ttl); err != nil {
		return "", err
	}

	util.Info("OTP issued",
		zap.String("email", util.MaskEmail(email)),
		zap.String("purpose", purpose))

	return code, nil
}

// VerifyOTP checks a submitted code against the outstanding artifact.
// A malformed code is rejected before it costs an attempt. The third
// failed attempt consumes the artifact, so a later correct code finds
// nothing.
func (s *VerificationService) VerifyOTP(ctx context.Context, email, code, purpose string) error {
	if err := validateOTPFormat(code); err != nil {
		return err
	}

	artifact, err := s.cache.GetOTP(ctx, email)
	if err != nil {
		return errs.Internal(err)
	}
	if artifact == nil || artifact.Purpose != purpose {
		return errs.OTPFailed("no active verification code, request a new one")
	}
	if time.Now().UTC().After(artifact.ExpiresAt) {
		_ = s.cache.DeleteOTP(ctx, email)
		return errs.OTPFailed("verification code expired, request a new one")
	}

	attempts, err := s.cache.IncrAttempts(ctx, email, s.otpTTL(purpose))
	if err != nil {
		return errs.Internal(err)
	}
	maxAttempts := int64(s.cfg.MaxOTPAttempts)
	if attempts > maxAttempts {
		_ = s.cache.DeleteOTP(ctx, email)
		return errs.OTPFailed("too many attempts, request a new code")
	}

	ok, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          artifact.CodeHash,
		Salt:          artifact.Salt,
		PepperVersion: artifact.PepperVersion,
	})
	if err != nil {
		return errs.Internal(err)
	}
	if !ok {
		if attempts >= maxAttempts {
			_ = s.cache.DeleteOTP(ctx, email)
			return errs.OTPFailed("too many attempts, request a new code")
		}
		util.Warn("OTP attempt failed",
			zap.String("email", util.MaskEmail(email)),
			zap.Int64("attempts", attempts))
		return errs.OTPFailed("incorrect verification code").
			WithDetail("attemptsRemaining", maxAttempts-attempts)
	}

	if err := s.cache.DeleteOTP(ctx, email); err != nil {
		util.Warn("Failed to clear consumed OTP",
			zap.String("email", util.MaskEmail(email)),
			zap.Error(err))
	}

	return nil
}

// OTPStatus reports whether an email has an outstanding code and when
// it expires, without consuming an attempt.
func (s *VerificationService) OTPStatus(ctx context.Context, email string) (bool, time.Time, error) {
	artifact, err := s.cache.GetOTP(ctx, email)
	if err != nil {
		return false, time.Time{}, errs.Internal(err)
	}
	if artifact == nil || time.Now().UTC().After(artifact.ExpiresAt) {
		return false, time.Time{}, nil
	}
	return true, artifact.ExpiresAt, nil
}

// IssueLinkToken mints a single-use opaque token carrying the email and
// purpose through a clickable link.
func (s *VerificationService) IssueLinkToken(ctx context.Context, email, purpose string) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate link token: %w", err)
	}

	artifact := &model.LinkTokenArtifact{
		Email:     email,
		Purpose:   purpose,
		ExpiresAt: time.Now().UTC().Add(s.cfg.LinkTokenTTL),
	}

	if err := s.cache.SetLinkToken(ctx, token, artifact, s.cfg.LinkTokenTTL); err != nil {
		return "", err
	}

	return token, nil
}

// ConsumeLinkToken redeems a link token once. A second redemption, a
// purpose mismatch or an expired token all fail identically.
func (s *VerificationService) ConsumeLinkToken(ctx context.Context, token, purpose string) (string, error) {
	artifact, err := s.cache.ConsumeLinkToken(ctx, token)
	if err != nil {
		return "", errs.Internal(err)
	}
	if artifact == nil || artifact.Purpose != purpose || time.Now().UTC().After(artifact.ExpiresAt) {
		return "", errs.InvalidToken("verification link is invalid or expired")
	}

	return artifact.Email, nil
}

func (s *VerificationService) otpTTL(purpose string) time.Duration {
	if purpose == model.PurposePasswordReset {
		return s.cfg.ResetOTPTTL
	}
	return s.cfg.OTPTTL
}

// generateOTP draws a uniform 6-digit code from crypto/rand.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
