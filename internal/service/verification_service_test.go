package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/errs"
	"identity-service/internal/model"
)

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestVerifyOTPRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, err := env.verification.IssueOTP(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)
	require.Len(t, code, 6)

	require.NoError(t, env.verification.VerifyOTP(ctx, "asha@example.com", code, model.PurposeRegistration))

	// Consumed on success: replaying the same code finds nothing.
	err = env.verification.VerifyOTP(ctx, "asha@example.com", code, model.PurposeRegistration)
	require.Error(t, err)
	assert.Equal(t, errs.CodeOTPFailed, errs.CodeOf(err))
}

func TestVerifyOTPMalformedCodeCostsNoAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, err := env.verification.IssueOTP(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)

	for _, bad := range []string{"12345", "1234567", "abc123", ""} {
		err := env.verification.VerifyOTP(ctx, "asha@example.com", bad, model.PurposeRegistration)
		require.Error(t, err)
		assert.Equal(t, errs.CodeInvalidOTPFormat, errs.CodeOf(err))
	}

	// Format rejections above consumed no attempts.
	require.NoError(t, env.verification.VerifyOTP(ctx, "asha@example.com", code, model.PurposeRegistration))
}

func TestVerifyOTPAttemptCeiling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, err := env.verification.IssueOTP(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)
	bad := wrongCode(code)

	for i := 0; i < 2; i++ {
		err := env.verification.VerifyOTP(ctx, "asha@example.com", bad, model.PurposeRegistration)
		require.Error(t, err)
		assert.Equal(t, errs.CodeOTPFailed, errs.CodeOf(err))
		assert.Contains(t, err.Error(), "incorrect")
	}

	// Third failure consumes the artifact.
	err = env.verification.VerifyOTP(ctx, "asha@example.com", bad, model.PurposeRegistration)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many attempts")

	// The correct code on the fourth try finds nothing outstanding.
	err = env.verification.VerifyOTP(ctx, "asha@example.com", code, model.PurposeRegistration)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active verification code")
}

func TestVerifyOTPPurposeMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, err := env.verification.IssueOTP(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)

	err = env.verification.VerifyOTP(ctx, "asha@example.com", code, model.PurposePasswordReset)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active verification code")
}

func TestIssueOTPSupersedesAndResetsAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.verification.IssueOTP(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)

	// Burn two attempts against the first code.
	for i := 0; i < 2; i++ {
		_ = env.verification.VerifyOTP(ctx, "asha@example.com", wrongCode(first), model.PurposeRegistration)
	}

	second, err := env.verification.IssueOTP(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)

	// The old code no longer verifies unless it happens to collide. The
	// failed try costs one attempt against the fresh budget.
	if first != second {
		err := env.verification.VerifyOTP(ctx, "asha@example.com", first, model.PurposeRegistration)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "incorrect")
	}

	// The reissue restarted the attempt counter: with two failures already
	// burned on the first code, a wrong try here still reports a mismatch
	// rather than exhaustion, and the correct code goes through after it.
	err = env.verification.VerifyOTP(ctx, "asha@example.com", wrongCode(second), model.PurposeRegistration)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incorrect")

	require.NoError(t, env.verification.VerifyOTP(ctx, "asha@example.com", second, model.PurposeRegistration))
}

func TestOTPStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending, _, err := env.verification.OTPStatus(ctx, "asha@example.com")
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = env.verification.IssueOTP(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)

	pending, expiresAt, err := env.verification.OTPStatus(ctx, "asha@example.com")
	require.NoError(t, err)
	assert.True(t, pending)
	assert.WithinDuration(t, time.Now().Add(env.cfg.Verification.OTPTTL), expiresAt, time.Minute)
}

func TestLinkTokenSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token, err := env.verification.IssueLinkToken(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)

	email, err := env.verification.ConsumeLinkToken(ctx, token, model.PurposeRegistration)
	require.NoError(t, err)
	assert.Equal(t, "asha@example.com", email)

	_, err = env.verification.ConsumeLinkToken(ctx, token, model.PurposeRegistration)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidToken, errs.CodeOf(err))
}

func TestLinkTokenPurposeMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token, err := env.verification.IssueLinkToken(ctx, "asha@example.com", model.PurposeRegistration)
	require.NoError(t, err)

	_, err = env.verification.ConsumeLinkToken(ctx, token, model.PurposePasswordReset)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidToken, errs.CodeOf(err))

	// The mismatch consumed it all the same.
	_, err = env.verification.ConsumeLinkToken(ctx, token, model.PurposeRegistration)
	require.Error(t, err)
}
