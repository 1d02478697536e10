package service

import (
	"context"
	"time"

	"identity-service/internal/model"
)

// Durable-store interfaces the services depend on. The scylla package
// provides the production implementations; tests substitute in-memory
// fakes.

type AccountStore interface {
	CreateAccount(ctx context.Context, account *model.Account) error
	GetAccountByID(ctx context.Context, accountID string) (*model.Account, error)
	GetAccountByEmailHash(ctx context.Context, emailHash string) (*model.Account, error)
	UpdateProfile(ctx context.Context, account *model.Account) error
	SetVerified(ctx context.Context, accountID string, verified bool) error
	UpdatePassword(ctx context.Context, accountID, hash, salt string, pepperVersion int) error
	UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error
	SoftDelete(ctx context.Context, account *model.Account) error
	BanAccount(ctx context.Context, accountID, bannedBy, reason string) error
	UnbanAccount(ctx context.Context, accountID string) error
	SetActive(ctx context.Context, accountID string, active bool) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *model.Session) error
	GetSessionByToken(ctx context.Context, token string) (*model.Session, error)
	GetSessionsByAccount(ctx context.Context, accountID string) ([]*model.Session, error)
	DeactivateSession(ctx context.Context, accountID, sessionID, token, reason string) error
	DeactivateAll(ctx context.Context, accountID, exceptSessionID, reason string) ([]*model.Session, error)
	TouchSession(ctx context.Context, accountID, sessionID string) error
}

type IdentityStore interface {
	LinkIdentity(ctx context.Context, identity *model.OAuthIdentity) (*model.OAuthIdentity, error)
	GetIdentity(ctx context.Context, provider, providerUserID string) (*model.OAuthIdentity, error)
	GetIdentitiesByAccount(ctx context.Context, accountID string) ([]*model.OAuthIdentity, error)
	RecordExchangeCode(ctx context.Context, code *model.ExchangeCode) error
	MarkExchangeCodeUsed(ctx context.Context, code string) error
}

type ReactivationStore interface {
	CreateRequest(ctx context.Context, request *model.ReactivationRequest) error
	GetRequest(ctx context.Context, requestID string) (*model.ReactivationRequest, error)
	GetLatestByAccount(ctx context.Context, accountID string) (*model.ReactivationRequest, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*model.ReactivationRequest, error)
	Decide(ctx context.Context, request *model.ReactivationRequest, status, reviewedBy string) error
}
