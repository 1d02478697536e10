package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/errs"
	rediscache "identity-service/internal/repository/redis"
)

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < env.cfg.RateLimit.LoginPerIP; i++ {
		require.NoError(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))
	}

	err := env.limiter.Allow(ctx, ActionLogin, "198.51.100.7")
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))

	var appErr *errs.Error
	require.ErrorAs(t, err, &appErr)
	retryAfter, ok := appErr.Details["retryAfter"].(int)
	require.True(t, ok)
	assert.Greater(t, retryAfter, 0)
}

func TestRateLimiterActorsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i <= env.cfg.RateLimit.LoginPerIP; i++ {
		_ = env.limiter.Allow(ctx, ActionLogin, "198.51.100.7")
	}
	require.Error(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))

	// A different IP and a different action are untouched.
	require.NoError(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.8"))
	require.NoError(t, env.limiter.Allow(ctx, ActionRegister, "198.51.100.7"))
}

func TestRateLimiterWindowBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < env.cfg.RateLimit.LoginPerIP; i++ {
		require.NoError(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))
	}
	require.Error(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))

	// Once the window TTL lapses the counter restarts at 1, so a full
	// burst fits again back to back across the edge.
	env.mr.FastForward(env.cfg.RateLimit.LoginWindow + time.Second)

	require.NoError(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))
	count, err := env.mr.Get("rate_limit:login:198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	for i := 1; i < env.cfg.RateLimit.LoginPerIP; i++ {
		require.NoError(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))
	}
	require.Error(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))
}

func TestRateLimiterWindowsComeFromConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.limiter.Allow(ctx, ActionOTPResend, "asha@example.com"))

	ttl := env.mr.TTL("rate_limit:otp_resend:asha@example.com")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, env.cfg.RateLimit.OTPResendWindow)
}

func TestRateLimiterReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i <= env.cfg.RateLimit.LoginPerIP; i++ {
		_ = env.limiter.Allow(ctx, ActionLogin, "198.51.100.7")
	}
	require.Error(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))

	env.limiter.Reset(ctx, ActionLogin, "198.51.100.7")
	require.NoError(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))
}

func TestRateLimiterFailsOpenWhenBackendDown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mr.Close()

	require.NoError(t, env.limiter.Allow(ctx, ActionLogin, "198.51.100.7"))
	require.NoError(t, env.limiter.Allow(ctx, ActionRegister, "198.51.100.7"))
}

func TestRateLimiterUnknownActionIsUnlimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	limiter := NewRateLimiter(rediscache.NewRateLimitCache(env.redis), &env.cfg.RateLimit)
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Allow(ctx, "unmetered_action", "198.51.100.7"))
	}
}
