package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromExtractsTaggedError(t *testing.T) {
	tagged := InvalidCredentials()
	wrapped := fmt.Errorf("login: %w", tagged)

	got := From(wrapped)
	assert.Equal(t, CodeInvalidCredentials, got.Code)
	assert.Equal(t, http.StatusUnauthorized, got.Status)
}

func TestFromMasksUntaggedErrors(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")

	got := From(cause)
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.Equal(t, "internal server error", got.Message)
	assert.ErrorIs(t, got, cause)
}

func TestCodeAndStatusHelpers(t *testing.T) {
	err := fmt.Errorf("outer: %w", AccountDeactivated())

	assert.Equal(t, CodeAccountDeactivated, CodeOf(err))
	assert.Equal(t, http.StatusForbidden, StatusOf(err))
	assert.True(t, IsCode(err, CodeAccountDeactivated))
	assert.False(t, IsCode(err, CodeAccountBanned))
	assert.False(t, IsCode(errors.New("plain"), CodeInternal))
}

func TestWithDetailCopies(t *testing.T) {
	base := RateLimited(30)
	derived := base.WithDetail("action", "login")

	assert.Equal(t, 30, base.Details["retryAfter"])
	assert.NotContains(t, base.Details, "action")
	assert.Equal(t, "login", derived.Details["action"])
	assert.Equal(t, 30, derived.Details["retryAfter"])
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("gocql: no hosts available")
	err := NotFound("session").WithCause(cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeNotFound, err.Code)
	assert.Contains(t, err.Error(), "no hosts available")
}

func TestBannedDetails(t *testing.T) {
	err := AccountBanned("abusive content", "2026-08-01T00:00:00Z")
	assert.Equal(t, "abusive content", err.Details["reason"])
	assert.Equal(t, "2026-08-01T00:00:00Z", err.Details["bannedAt"])
}
