package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

// IdentityRepository stores OAuth provider links and the durable audit
// trail of exchange codes. The live consume path for exchange codes is
// the cache; the rows here exist for investigation.
type IdentityRepository struct {
	client *ScyllaClient
}

func NewIdentityRepository(client *ScyllaClient) *IdentityRepository {
	return &IdentityRepository{
		client: client,
	}
}

// LinkIdentity binds a provider subject to an account. The insert uses
// IF NOT EXISTS so a replayed callback cannot rebind an existing
// subject; the returned identity is whichever link won.
func (r *IdentityRepository) LinkIdentity(ctx context.Context, identity *model.OAuthIdentity) (*model.OAuthIdentity, error) {
	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = time.Now().UTC()
	}

	applied := make(map[string]interface{})
	query := r.client.Prepared.CreateIdentity.WithContext(ctx).Bind(
		identity.Provider, identity.ProviderUserID, identity.AccountID, identity.LinkedAt)

	ok, err := query.MapScanCAS(applied)
	if err != nil {
		util.Error("Failed to link identity",
			zap.String("provider", identity.Provider),
			zap.String("account_id", identity.AccountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to link identity: %w", err)
	}

	if ok {
		// Also record the reverse lookup row. Not in the CAS, so a crash
		// between the two writes loses only the listing view.
		idx := r.client.Query(`
            INSERT INTO oauth_identities_by_account (account_id, provider, provider_user_id, linked_at)
            VALUES (?, ?, ?, ?)`,
			identity.AccountID, identity.Provider, identity.ProviderUserID, identity.LinkedAt).WithContext(ctx)
		if err := r.client.ExecuteWithRetry(idx, 3); err != nil {
			util.Warn("Failed to write identity listing row",
				zap.String("provider", identity.Provider),
				zap.String("account_id", identity.AccountID),
				zap.Error(err))
		}

		util.Info("Identity linked",
			zap.String("provider", identity.Provider),
			zap.String("account_id", identity.AccountID))
		return identity, nil
	}

	existing := &model.OAuthIdentity{
		Provider:       identity.Provider,
		ProviderUserID: identity.ProviderUserID,
	}
	if v, found := applied["account_id"]; found {
		existing.AccountID, _ = v.(string)
	}
	if v, found := applied["linked_at"]; found {
		if t, isTime := v.(time.Time); isTime {
			existing.LinkedAt = t
		}
	}
	return existing, nil
}

// GetIdentity returns the account linked to a provider subject, or
// (nil, nil) when none is.
func (r *IdentityRepository) GetIdentity(ctx context.Context, provider, providerUserID string) (*model.OAuthIdentity, error) {
	identity := &model.OAuthIdentity{}

	query := r.client.Prepared.GetIdentity.WithContext(ctx).Bind(provider, providerUserID)

	err := r.client.ScanWithRetry(query,
		&identity.Provider, &identity.ProviderUserID, &identity.AccountID, &identity.LinkedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	return identity, nil
}

// GetIdentitiesByAccount lists every provider linked to an account.
func (r *IdentityRepository) GetIdentitiesByAccount(ctx context.Context, accountID string) ([]*model.OAuthIdentity, error) {
	iter := r.client.Prepared.GetIdentityByAccount.WithContext(ctx).Bind(accountID).Iter()

	var identities []*model.OAuthIdentity
	for {
		identity := &model.OAuthIdentity{}
		if !iter.Scan(&identity.Provider, &identity.ProviderUserID, &identity.AccountID, &identity.LinkedAt) {
			break
		}
		identities = append(identities, identity)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return identities, nil
}

// RecordExchangeCode appends the durable audit row for an issued code.
func (r *IdentityRepository) RecordExchangeCode(ctx context.Context, code *model.ExchangeCode) error {
	query := r.client.Prepared.CreateExchangeCode.WithContext(ctx).Bind(
		code.Code, code.AccountID, code.Used, code.ExpiresAt, code.CreatedAt)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to record exchange code: %w", err)
	}
	return nil
}

// MarkExchangeCodeUsed flips the audit row after a successful redeem.
func (r *IdentityRepository) MarkExchangeCodeUsed(ctx context.Context, code string) error {
	query := r.client.Prepared.MarkExchangeCodeUsed.WithContext(ctx).Bind(true, code)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to mark exchange code used: %w", err)
	}
	return nil
}
