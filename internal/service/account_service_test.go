package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/errs"
	"identity-service/internal/model"
)

func TestDeleteAccountRevokesAndAnonymizes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")
	_, _, signed, err := env.auth.Login(ctx, "asha@example.com", "Sup3rSecret", "", "203.0.113.10", testDevice())
	require.NoError(t, err)
	env.auth.Drain()

	require.NoError(t, env.account.DeleteAccount(ctx, account.ID))

	// The session died with the account.
	_, _, err = env.session.ValidateToken(ctx, signed)
	require.Error(t, err)

	// The row is anonymized in place and the email lookup freed.
	stored, err := env.accounts.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted())
	assert.Empty(t, stored.FirstName)
	assert.Empty(t, stored.EmailEncrypted)

	byEmail, err := env.accounts.GetAccountByEmailHash(ctx, EmailHash("asha@example.com"))
	require.NoError(t, err)
	assert.Nil(t, byEmail)

	// The freed address can register again.
	_, _, err = env.auth.Register(ctx, studentRequest("asha@example.com"), "203.0.113.99")
	require.NoError(t, err)
}

func TestBanBlocksLoginAndKillsSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")
	_, _, signed, err := env.auth.Login(ctx, "asha@example.com", "Sup3rSecret", "", "203.0.113.10", testDevice())
	require.NoError(t, err)
	env.auth.Drain()

	require.NoError(t, env.account.Ban(ctx, account.ID, "admin-1", "repeated policy violations"))

	_, _, err = env.session.ValidateToken(ctx, signed)
	require.Error(t, err)

	_, _, _, err = env.auth.Login(ctx, "asha@example.com", "Sup3rSecret", "", "203.0.113.10", testDevice())
	require.Error(t, err)
	assert.Equal(t, errs.CodeAccountBanned, errs.CodeOf(err))
}

func TestBanReasonLengthEnforced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")

	err := env.account.Ban(ctx, account.ID, "admin-1", "too short")
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestUnbanRestoresLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")
	require.NoError(t, env.account.Ban(ctx, account.ID, "admin-1", "repeated policy violations"))

	require.NoError(t, env.account.Unban(ctx, account.ID))

	_, _, _, err := env.auth.Login(ctx, "asha@example.com", "Sup3rSecret", "", "203.0.113.10", testDevice())
	require.NoError(t, err)
}

func TestUnbanNotBannedFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")

	err := env.account.Unban(ctx, account.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestReactivationFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")
	require.NoError(t, env.account.Ban(ctx, account.ID, "admin-1", "repeated policy violations"))

	request, err := env.account.RequestReactivation(ctx, "asha@example.com", "I understand the rules now and will follow them", "203.0.113.10")
	require.NoError(t, err)
	assert.Equal(t, model.ReactivationPending, request.Status)
	assert.Equal(t, account.ID, request.AccountID)

	status, err := env.account.ReactivationStatus(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, request.ID, status.ID)

	decided, err := env.account.DecideReactivation(ctx, request.ID, "admin-2", true)
	require.NoError(t, err)
	assert.Equal(t, model.ReactivationApproved, decided.Status)
	assert.Equal(t, "admin-2", decided.ReviewedBy)

	// Approval lifted the ban and restored the account.
	_, _, _, err = env.auth.Login(ctx, "asha@example.com", "Sup3rSecret", "", "203.0.113.10", testDevice())
	require.NoError(t, err)
}

func TestReactivationRejectionLeavesAccountInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")
	require.NoError(t, env.account.Ban(ctx, account.ID, "admin-1", "repeated policy violations"))

	request, err := env.account.RequestReactivation(ctx, "asha@example.com", "I understand the rules now and will follow them", "203.0.113.10")
	require.NoError(t, err)

	decided, err := env.account.DecideReactivation(ctx, request.ID, "admin-2", false)
	require.NoError(t, err)
	assert.Equal(t, model.ReactivationRejected, decided.Status)

	_, _, _, err = env.auth.Login(ctx, "asha@example.com", "Sup3rSecret", "", "203.0.113.10", testDevice())
	require.Error(t, err)
	assert.Equal(t, errs.CodeAccountBanned, errs.CodeOf(err))

	// A rejected decision frees the claim: the holder may file again.
	_, err = env.account.RequestReactivation(ctx, "asha@example.com", "Second appeal with more context on the incident", "203.0.113.10")
	require.NoError(t, err)
}

func TestReactivationDuplicatePendingRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")
	require.NoError(t, env.account.Ban(ctx, account.ID, "admin-1", "repeated policy violations"))

	_, err := env.account.RequestReactivation(ctx, "asha@example.com", "I understand the rules now and will follow them", "203.0.113.10")
	require.NoError(t, err)

	_, err = env.account.RequestReactivation(ctx, "asha@example.com", "Filing again straight away to nag the queue", "203.0.113.10")
	require.Error(t, err)
	assert.Equal(t, errs.CodeRequestAlreadyExists, errs.CodeOf(err))
}

func TestReactivationForActiveAccountRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "asha@example.com", "Sup3rSecret")

	_, err := env.account.RequestReactivation(ctx, "asha@example.com", "My account works fine but I am filing anyway", "203.0.113.10")
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestReactivationUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.account.RequestReactivation(ctx, "nobody@example.com", "Please reinstate an account that never existed", "203.0.113.10")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestDecideReactivationTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "asha@example.com", "Sup3rSecret")
	require.NoError(t, env.account.Ban(ctx, account.ID, "admin-1", "repeated policy violations"))

	request, err := env.account.RequestReactivation(ctx, "asha@example.com", "I understand the rules now and will follow them", "203.0.113.10")
	require.NoError(t, err)

	_, err = env.account.DecideReactivation(ctx, request.ID, "admin-2", true)
	require.NoError(t, err)

	_, err = env.account.DecideReactivation(ctx, request.ID, "admin-3", false)
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}
