package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{
		client: client,
	}
}

// CreateSession writes the per-account row and the token lookup row in
// one logged batch.
func (r *SessionRepository) CreateSession(ctx context.Context, session *model.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActivity = now
	session.IsActive = true

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateSession.Statement(),
		session.AccountID, session.ID, session.Token, session.Device, session.OS,
		session.Browser, session.IP, session.IsActive, session.RevokedReason,
		session.CreatedAt, session.ExpiresAt, session.LastActivity)

	batch.Query(r.client.Prepared.CreateSessionByToken.Statement(),
		session.Token, session.AccountID, session.ID, session.Device, session.OS,
		session.Browser, session.IP, session.IsActive, session.RevokedReason,
		session.CreatedAt, session.ExpiresAt, session.LastActivity)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create session",
			zap.String("account_id", session.AccountID),
			zap.String("session_id", session.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Info("Session created",
		zap.String("account_id", session.AccountID),
		zap.String("session_id", session.ID),
		zap.String("device", session.Device))

	return nil
}

// GetSessionByToken returns the session owning a token, or (nil, nil)
// when the token is unknown.
func (r *SessionRepository) GetSessionByToken(ctx context.Context, token string) (*model.Session, error) {
	session := &model.Session{}

	query := r.client.Prepared.GetSessionByToken.WithContext(ctx).Bind(token)

	err := r.client.ScanWithRetry(query,
		&session.Token, &session.AccountID, &session.ID, &session.Device, &session.OS,
		&session.Browser, &session.IP, &session.IsActive, &session.RevokedReason,
		&session.CreatedAt, &session.ExpiresAt, &session.LastActivity)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get session by token", zap.Error(err))
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}

	return session, nil
}

// GetSessionsByAccount returns every session row for an account,
// including revoked and expired ones. Callers filter.
func (r *SessionRepository) GetSessionsByAccount(ctx context.Context, accountID string) ([]*model.Session, error) {
	iter := r.client.Prepared.GetSessionsByAccount.WithContext(ctx).Bind(accountID).Iter()

	var sessions []*model.Session
	for {
		session := &model.Session{}
		if !iter.Scan(
			&session.AccountID, &session.ID, &session.Token, &session.Device, &session.OS,
			&session.Browser, &session.IP, &session.IsActive, &session.RevokedReason,
			&session.CreatedAt, &session.ExpiresAt, &session.LastActivity) {
			break
		}
		sessions = append(sessions, session)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list sessions",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}

// DeactivateSession marks both rows of a session revoked.
func (r *SessionRepository) DeactivateSession(ctx context.Context, accountID, sessionID, token, reason string) error {
	now := time.Now().UTC()

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.DeactivateSession.Statement(),
		false, reason, now, accountID, sessionID)
	batch.Query(r.client.Prepared.DeactivateByToken.Statement(),
		false, reason, now, token)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to deactivate session",
			zap.String("account_id", accountID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to deactivate session: %w", err)
	}

	util.Info("Session deactivated",
		zap.String("account_id", accountID),
		zap.String("session_id", sessionID),
		zap.String("reason", reason))

	return nil
}

// DeactivateAll revokes every active session of an account, optionally
// sparing one session id. Returns the sessions that were revoked.
func (r *SessionRepository) DeactivateAll(ctx context.Context, accountID, exceptSessionID, reason string) ([]*model.Session, error) {
	sessions, err := r.GetSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var revoked []*model.Session

	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, session := range sessions {
		if !session.IsActive || session.ID == exceptSessionID {
			continue
		}
		batch.Query(r.client.Prepared.DeactivateSession.Statement(),
			false, reason, now, accountID, session.ID)
		batch.Query(r.client.Prepared.DeactivateByToken.Statement(),
			false, reason, now, session.Token)
		revoked = append(revoked, session)
	}

	if len(revoked) == 0 {
		return nil, nil
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to deactivate sessions",
			zap.String("account_id", accountID),
			zap.Int("count", len(revoked)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to deactivate sessions: %w", err)
	}

	util.Info("Sessions deactivated",
		zap.String("account_id", accountID),
		zap.Int("count", len(revoked)),
		zap.String("reason", reason))

	return revoked, nil
}

// TouchSession advances last_activity on the per-account row.
func (r *SessionRepository) TouchSession(ctx context.Context, accountID, sessionID string) error {
	query := r.client.Prepared.TouchSession.WithContext(ctx).Bind(time.Now().UTC(), accountID, sessionID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}
