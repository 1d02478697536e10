package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/errs"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

func testDevice() util.DeviceInfo {
	return util.DeviceInfo{Device: "Pixel 8", OS: "Android 15", Browser: "Chrome"}
}

func seedAccount(env *testEnv) *model.Account {
	return &model.Account{
		ID:         "acct-1",
		Role:       model.RoleStudent,
		IsVerified: true,
		IsActive:   true,
	}
}

func TestCreateAndValidateSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := seedAccount(env)

	session, signed, err := env.session.CreateSession(ctx, account, testDevice(), "203.0.113.10")
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	assert.Equal(t, account.ID, session.AccountID)
	assert.True(t, session.IsActive)

	claims, meta, err := env.session.ValidateToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, account.ID, claims.AccountID)
	assert.Equal(t, session.ID, claims.SessionID)
	assert.Equal(t, model.RoleStudent, claims.Role)
	assert.Equal(t, session.ID, meta.SessionID)
	assert.Equal(t, "Pixel 8", meta.Device)
}

func TestValidateTokenFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, signed, err := env.session.CreateSession(ctx, seedAccount(env), testDevice(), "203.0.113.10")
	require.NoError(t, err)

	// Drop the cache entry; validation must rebuild it from the
	// durable row.
	env.mr.FlushAll()

	claims, meta, err := env.session.ValidateToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)
	require.NotNil(t, meta)

	// The fallback re-warmed the cache: a second validation succeeds
	// even with the durable store's row gone.
	env.sessions.sessions = map[string]*model.Session{}
	_, _, err = env.session.ValidateToken(ctx, signed)
	require.NoError(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.session.ValidateToken(ctx, "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidToken, errs.CodeOf(err))
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, signed, err := env.session.CreateSession(ctx, seedAccount(env), testDevice(), "203.0.113.10")
	require.NoError(t, err)

	claims, _, err := env.session.ValidateToken(ctx, signed)
	require.NoError(t, err)

	require.NoError(t, env.session.Logout(ctx, signed, claims))

	_, _, err = env.session.ValidateToken(ctx, signed)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidToken, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "revoked")

	// Blacklist entry expires with the token, not later.
	ttl := env.mr.TTL("blacklist:" + signed)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, env.cfg.Token.TTL)
}

func TestLogoutSucceedsWhenCacheDegraded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, signed, err := env.session.CreateSession(ctx, seedAccount(env), testDevice(), "203.0.113.10")
	require.NoError(t, err)

	claims, _, err := env.session.ValidateToken(ctx, signed)
	require.NoError(t, err)

	// With the cache down, the blacklist and mirror writes fail but the
	// durable row is still revoked and logout reports success.
	env.mr.SetError("redis degraded")
	require.NoError(t, env.session.Logout(ctx, signed, claims))
	env.mr.SetError("")

	stored := env.sessions.sessions[session.ID]
	require.NotNil(t, stored)
	assert.False(t, stored.IsActive)
}

func TestSessionCapEvictsOldest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := seedAccount(env)

	tokens := make([]string, 0, env.cfg.Session.MaxPerAccount)
	for i := 0; i < env.cfg.Session.MaxPerAccount; i++ {
		_, signed, err := env.session.CreateSession(ctx, account, testDevice(), "203.0.113.10")
		require.NoError(t, err)
		tokens = append(tokens, signed)
	}
	require.Equal(t, env.cfg.Session.MaxPerAccount, env.sessions.activeCount(account.ID))

	// The cap-breaching login evicts the oldest session.
	_, signed, err := env.session.CreateSession(ctx, account, testDevice(), "203.0.113.10")
	require.NoError(t, err)

	assert.Equal(t, env.cfg.Session.MaxPerAccount, env.sessions.activeCount(account.ID))

	_, _, err = env.session.ValidateToken(ctx, tokens[0])
	require.Error(t, err, "oldest token must be revoked")

	for _, still := range tokens[1:] {
		_, _, err := env.session.ValidateToken(ctx, still)
		require.NoError(t, err)
	}
	_, _, err = env.session.ValidateToken(ctx, signed)
	require.NoError(t, err)
}

func TestListSessionsNewestFirstWithCurrentFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := seedAccount(env)

	first, _, err := env.session.CreateSession(ctx, account, testDevice(), "203.0.113.10")
	require.NoError(t, err)
	second, _, err := env.session.CreateSession(ctx, account, util.DeviceInfo{Device: "MacBook", OS: "macOS", Browser: "Safari"}, "203.0.113.11")
	require.NoError(t, err)

	listed, err := env.session.ListSessions(ctx, account.ID, first.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	assert.Equal(t, second.ID, listed[0].ID)
	assert.Equal(t, first.ID, listed[1].ID)
	assert.False(t, listed[0].Current)
	assert.True(t, listed[1].Current)

	for _, session := range listed {
		assert.Empty(t, session.Token, "tokens must never leave the service")
	}
}

func TestInvalidateAllKeepsExceptedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := seedAccount(env)

	var keep *model.Session
	var keepToken string
	others := make([]string, 0, 3)
	for i := 0; i < 4; i++ {
		session, signed, err := env.session.CreateSession(ctx, account, testDevice(), "203.0.113.10")
		require.NoError(t, err)
		if i == 3 {
			keep, keepToken = session, signed
		} else {
			others = append(others, signed)
		}
	}

	revoked, err := env.session.InvalidateAll(ctx, account.ID, keep.ID, keepToken, ReasonBulkInvalidate)
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	_, _, err = env.session.ValidateToken(ctx, keepToken)
	require.NoError(t, err)

	for _, gone := range others {
		_, _, err := env.session.ValidateToken(ctx, gone)
		require.Error(t, err)
	}

	// The registry set kept only the excepted token.
	members, err := env.mr.Members("user_sessions:" + account.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{keepToken}, members)
}

func TestInvalidateAllClearsRegistry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := seedAccount(env)

	for i := 0; i < 3; i++ {
		_, _, err := env.session.CreateSession(ctx, account, testDevice(), "203.0.113.10")
		require.NoError(t, err)
	}
	require.True(t, env.mr.Exists("user_sessions:"+account.ID))

	revoked, err := env.session.InvalidateAll(ctx, account.ID, "", "", ReasonBulkInvalidate)
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)
	assert.False(t, env.mr.Exists("user_sessions:"+account.ID))
}

func TestListSessionsPrunesStaleRegistryMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := seedAccount(env)

	_, signed, err := env.session.CreateSession(ctx, account, testDevice(), "203.0.113.10")
	require.NoError(t, err)

	// A registry member whose cache mirror is gone is a leftover from an
	// expired session.
	_, err = env.mr.SetAdd("user_sessions:"+account.ID, "stale-token")
	require.NoError(t, err)

	_, err = env.session.ListSessions(ctx, account.ID, "")
	require.NoError(t, err)

	members, err := env.mr.Members("user_sessions:" + account.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{signed}, members)
}

func TestInvalidateAllOnEmptyAccountRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	revoked, err := env.session.InvalidateAll(ctx, "acct-none", "", "", ReasonBulkInvalidate)
	require.NoError(t, err)
	assert.Zero(t, revoked)
	assert.Empty(t, env.searcher.events)
}
