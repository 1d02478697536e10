package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func managerConfig() *config.Config {
	return &config.Config{
		Token: config.TokenConfig{
			Secret:   "test-signing-secret-test-signing",
			Issuer:   "identity-service",
			Audience: "identity-clients",
			TTL:      time.Hour,
		},
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	cfg := managerConfig()
	cfg.Token.Secret = ""
	_, err := NewManager(cfg)
	require.Error(t, err)

	cfg = managerConfig()
	cfg.Token.TTL = 0
	_, err = NewManager(cfg)
	require.Error(t, err)
}

func TestMintAndParse(t *testing.T) {
	manager, err := NewManager(managerConfig())
	require.NoError(t, err)

	signed, expiresAt, err := manager.Mint("acct-1", "sess-1", "STUDENT")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := manager.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "STUDENT", claims.Role)
	assert.Equal(t, "sess-1", claims.ID)
}

func TestParseRejectsForeignSecret(t *testing.T) {
	manager, err := NewManager(managerConfig())
	require.NoError(t, err)

	other := managerConfig()
	other.Token.Secret = "a-completely-different-secret-val"
	foreign, err := NewManager(other)
	require.NoError(t, err)

	signed, _, err := foreign.Mint("acct-1", "sess-1", "STUDENT")
	require.NoError(t, err)

	_, err = manager.Parse(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsWrongIssuerAndAudience(t *testing.T) {
	manager, err := NewManager(managerConfig())
	require.NoError(t, err)

	other := managerConfig()
	other.Token.Issuer = "someone-else"
	foreign, err := NewManager(other)
	require.NoError(t, err)

	signed, _, err := foreign.Mint("acct-1", "sess-1", "STUDENT")
	require.NoError(t, err)
	_, err = manager.Parse(signed)
	require.Error(t, err)

	other = managerConfig()
	other.Token.Audience = "another-app"
	foreign, err = NewManager(other)
	require.NoError(t, err)

	signed, _, err = foreign.Mint("acct-1", "sess-1", "STUDENT")
	require.NoError(t, err)
	_, err = manager.Parse(signed)
	require.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	cfg := managerConfig()
	cfg.Token.TTL = time.Millisecond
	manager, err := NewManager(cfg)
	require.NoError(t, err)

	signed, _, err := manager.Mint("acct-1", "sess-1", "STUDENT")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = manager.Parse(signed)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	manager, err := NewManager(managerConfig())
	require.NoError(t, err)

	for _, bad := range []string{"", "garbage", "a.b.c"} {
		_, err := manager.Parse(bad)
		require.Error(t, err, bad)
	}
}

func TestRemainingLifetime(t *testing.T) {
	manager, err := NewManager(managerConfig())
	require.NoError(t, err)

	signed, expiresAt, err := manager.Mint("acct-1", "sess-1", "STUDENT")
	require.NoError(t, err)

	claims, err := manager.Parse(signed)
	require.NoError(t, err)

	remaining := claims.RemainingLifetime()
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, time.Until(expiresAt)+time.Second)

	var empty Claims
	assert.Zero(t, empty.RemainingLifetime())
}
