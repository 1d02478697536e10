package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/errs"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

// Rate-limited actions. The action name is part of the counter key, so
// renaming one resets its windows.
const (
	ActionRegister   = "register"
	ActionLogin      = "login"
	ActionOTPResend  = "otp_resend"
	ActionResetIP    = "pw_reset_ip"
	ActionResetEmail = "pw_reset_email"
)

type limitRule struct {
	limit  int
	window time.Duration
}

// RateLimiter enforces fixed-window limits per action and actor. A
// counter backend failure fails OPEN: availability of login and
// registration is worth more than a strict count, and the event is
// logged for the monitor.
type RateLimiter struct {
	cache *rediscache.RateLimitCache
	rules map[string]limitRule
}

func NewRateLimiter(cache *rediscache.RateLimitCache, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cache: cache,
		rules: map[string]limitRule{
			ActionRegister:   {limit: cfg.RegisterPerIP, window: cfg.RegisterWindow},
			ActionLogin:      {limit: cfg.LoginPerIP, window: cfg.LoginWindow},
			ActionOTPResend:  {limit: cfg.OTPResend, window: cfg.OTPResendWindow},
			ActionResetIP:    {limit: cfg.ResetPerIP, window: cfg.ResetWindow},
			ActionResetEmail: {limit: cfg.ResetPerEmail, window: cfg.ResetWindow},
		},
	}
}

// Allow records one attempt for an action/actor pair. Returns an
// errs.RateLimited carrying retryAfter when the window is exhausted.
func (l *RateLimiter) Allow(ctx context.Context, action, actor string) error {
	rule, ok := l.rules[action]
	if !ok || rule.limit <= 0 {
		return nil
	}

	count, err := l.cache.Hit(ctx, action, actor, rule.window)
	if err != nil {
		util.Warn("Rate limit counter unavailable, failing open",
			zap.String("action", action),
			zap.Error(err))
		return nil
	}

	if count <= int64(rule.limit) {
		return nil
	}

	retryAfter := rule.window
	if ttl, err := l.cache.RetryAfter(ctx, action, actor); err == nil && ttl > 0 {
		retryAfter = ttl
	}

	util.Warn("Rate limit exceeded",
		zap.String("action", action),
		zap.Int64("count", count),
		zap.Int("limit", rule.limit))

	return errs.RateLimited(int(retryAfter.Seconds() + 0.999))
}

// Reset clears an actor's window, used after a successful verification
// so a legitimate user is not locked out of the follow-up step.
func (l *RateLimiter) Reset(ctx context.Context, action, actor string) {
	if err := l.cache.Reset(ctx, action, actor); err != nil {
		util.Warn("Failed to reset rate limit window",
			zap.String("action", action),
			zap.Error(err))
	}
}
