package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/errs"
	"identity-service/internal/model"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// Session revocation reasons stamped on durable rows and blacklist
// entries.
const (
	ReasonLogout         = "logout"
	ReasonEvicted        = "evicted_oldest"
	ReasonBulkInvalidate = "bulk_invalidation"
	ReasonPasswordReset  = "password_reset"
	ReasonAccountClosed  = "account_closed"
	ReasonBanned         = "banned"
)

// SessionService owns the token lifecycle: minting sessions, the
// fast-path validity check, revocation and the per-account registry.
type SessionService struct {
	store     SessionStore
	cache     *rediscache.SessionCache
	blacklist *rediscache.BlacklistCache
	tokens    *token.Manager
	monitor   *SecurityMonitor
	cfg       *config.SessionConfig
}

func NewSessionService(
	store SessionStore,
	cache *rediscache.SessionCache,
	blacklist *rediscache.BlacklistCache,
	tokens *token.Manager,
	monitor *SecurityMonitor,
	cfg *config.SessionConfig,
) *SessionService {
	return &SessionService{
		store:     store,
		cache:     cache,
		blacklist: blacklist,
		tokens:    tokens,
		monitor:   monitor,
		cfg:       cfg,
	}
}

// CreateSession mints a token and records the session durably and in
// the cache. When the account is at its session cap the oldest active
// session is evicted first.
func (s *SessionService) CreateSession(ctx context.Context, account *model.Account, device util.DeviceInfo, ip string) (*model.Session, string, error) {
	if err := s.enforceSessionCap(ctx, account.ID); err != nil {
		return nil, "", err
	}

	session := &model.Session{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		Device:    device.Device,
		OS:        device.OS,
		Browser:   device.Browser,
		IP:        ip,
	}

	signed, expiresAt, err := s.tokens.Mint(account.ID, session.ID, account.Role)
	if err != nil {
		return nil, "", errs.Internal(err)
	}
	session.Token = signed
	session.ExpiresAt = expiresAt

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, "", errs.Internal(err)
	}

	meta := &model.SessionMeta{
		SessionID: session.ID,
		AccountID: session.AccountID,
		Device:    session.Device,
		OS:        session.OS,
		Browser:   session.Browser,
		IP:        session.IP,
		ExpiresAt: session.ExpiresAt,
	}
	if err := s.cache.Set(ctx, signed, meta, time.Until(expiresAt)); err != nil {
		// Durable row exists; validation falls back to the store.
		util.Warn("Failed to cache new session",
			zap.String("account_id", account.ID),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	return session, signed, nil
}

// ValidateToken is the per-request gate: signature and expiry first,
// then the blacklist, then the session record (cache fast path with a
// durable fallback that re-warms the cache).
func (s *SessionService) ValidateToken(ctx context.Context, tokenString string) (*token.Claims, *model.SessionMeta, error) {
	claims, err := s.tokens.Parse(tokenString)
	if err != nil {
		return nil, nil, errs.InvalidToken("token is invalid or expired")
	}

	blacklisted, err := s.blacklist.Contains(ctx, tokenString)
	if err != nil {
		util.Warn("Blacklist check failed", zap.Error(err))
		return nil, nil, errs.Internal(err)
	}
	if blacklisted {
		return nil, nil, errs.InvalidToken("token has been revoked")
	}

	meta, err := s.cache.Get(ctx, tokenString)
	if err != nil {
		util.Warn("Session cache read failed, falling back to store", zap.Error(err))
	}
	if meta != nil {
		if time.Now().UTC().After(meta.ExpiresAt) {
			return nil, nil, errs.InvalidToken("session has expired")
		}
		return claims, meta, nil
	}

	session, err := s.store.GetSessionByToken(ctx, tokenString)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	if session == nil || !session.IsActive || time.Now().UTC().After(session.ExpiresAt) {
		return nil, nil, errs.InvalidToken("session is no longer active")
	}

	meta = &model.SessionMeta{
		SessionID: session.ID,
		AccountID: session.AccountID,
		Device:    session.Device,
		OS:        session.OS,
		Browser:   session.Browser,
		IP:        session.IP,
		ExpiresAt: session.ExpiresAt,
	}
	if err := s.cache.Set(ctx, tokenString, meta, time.Until(session.ExpiresAt)); err != nil {
		util.Debug("Failed to re-warm session cache", zap.Error(err))
	}

	return claims, meta, nil
}

// Logout revokes the presented token. Each step is attempted even when
// an earlier one fails, and the logout itself always succeeds: a partial
// revocation still leaves the token blacklisted or the durable row
// revoked, never silently live.
func (s *SessionService) Logout(ctx context.Context, tokenString string, claims *token.Claims) error {
	if err := s.blacklist.Add(ctx, tokenString, ReasonLogout, claims.RemainingLifetime()); err != nil {
		util.Warn("Failed to blacklist token on logout",
			zap.String("session_id", claims.SessionID),
			zap.Error(err))
	}

	if err := s.cache.Delete(ctx, claims.AccountID, tokenString); err != nil {
		util.Debug("Failed to drop session from cache on logout",
			zap.String("session_id", claims.SessionID),
			zap.Error(err))
	}

	if err := s.store.DeactivateSession(ctx, claims.AccountID, claims.SessionID, tokenString, ReasonLogout); err != nil {
		util.Warn("Failed to revoke durable session on logout",
			zap.String("session_id", claims.SessionID),
			zap.Error(err))
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID: claims.AccountID,
		EventType: model.EventLogout,
	})

	return nil
}

// ListSessions returns the account's active sessions, newest first,
// with the caller's own session flagged.
func (s *SessionService) ListSessions(ctx context.Context, accountID, currentSessionID string) ([]*model.Session, error) {
	// Listing is the natural moment to drop registry members whose
	// cache entries already expired.
	if _, err := s.cache.Prune(ctx, accountID); err != nil {
		util.Debug("Failed to prune session registry",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	sessions, err := s.store.GetSessionsByAccount(ctx, accountID)
	if err != nil {
		return nil, errs.Internal(err)
	}

	now := time.Now().UTC()
	active := make([]*model.Session, 0, len(sessions))
	for _, session := range sessions {
		if !session.IsActive || now.After(session.ExpiresAt) {
			continue
		}
		session.Token = ""
		session.Current = session.ID == currentSessionID
		active = append(active, session)
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})

	return active, nil
}

// InvalidateAll revokes every session of an account except, optionally,
// the caller's own. The durable rows are the audit source; the cache
// registry is enumerated wholesale so stale members fall out with the
// live ones. Returns how many sessions were revoked.
func (s *SessionService) InvalidateAll(ctx context.Context, accountID, exceptSessionID, exceptToken, reason string) (int, error) {
	revoked, err := s.store.DeactivateAll(ctx, accountID, exceptSessionID, reason)
	if err != nil {
		return 0, errs.Internal(err)
	}

	for _, session := range revoked {
		if err := s.blacklist.Add(ctx, session.Token, reason, time.Until(session.ExpiresAt)); err != nil {
			util.Warn("Failed to blacklist revoked session",
				zap.String("session_id", session.ID),
				zap.Error(err))
		}
	}

	if _, err := s.cache.DeleteAll(ctx, accountID, exceptToken); err != nil {
		util.Warn("Failed to clear session registry",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	if len(revoked) > 0 {
		s.monitor.Record(ctx, &model.SecurityEvent{
			AccountID: accountID,
			EventType: model.EventBulkInvalidate,
			Detail:    reason,
		})
	}

	return len(revoked), nil
}

// Touch advances last-activity on the durable row, best effort.
func (s *SessionService) Touch(ctx context.Context, accountID, sessionID string) {
	if err := s.store.TouchSession(ctx, accountID, sessionID); err != nil {
		util.Debug("Failed to touch session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// enforceSessionCap evicts the oldest active session when the account
// is at its limit.
func (s *SessionService) enforceSessionCap(ctx context.Context, accountID string) error {
	sessions, err := s.store.GetSessionsByAccount(ctx, accountID)
	if err != nil {
		return errs.Internal(err)
	}

	now := time.Now().UTC()
	active := make([]*model.Session, 0, len(sessions))
	for _, session := range sessions {
		if session.IsActive && now.Before(session.ExpiresAt) {
			active = append(active, session)
		}
	}

	if len(active) < s.cfg.MaxPerAccount {
		return nil
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	// Evict as many as needed to fall one under the cap.
	toEvict := len(active) - s.cfg.MaxPerAccount + 1
	for i := 0; i < toEvict; i++ {
		oldest := active[i]
		if err := s.store.DeactivateSession(ctx, accountID, oldest.ID, oldest.Token, ReasonEvicted); err != nil {
			return errs.Internal(err)
		}
		if err := s.blacklist.Add(ctx, oldest.Token, ReasonEvicted, time.Until(oldest.ExpiresAt)); err != nil {
			util.Warn("Failed to blacklist evicted session",
				zap.String("session_id", oldest.ID),
				zap.Error(err))
		}
		if err := s.cache.Delete(ctx, accountID, oldest.Token); err != nil {
			util.Debug("Failed to drop evicted session from cache", zap.Error(err))
		}

		util.Info("Oldest session evicted for new login",
			zap.String("account_id", accountID),
			zap.String("session_id", oldest.ID))
	}

	return nil
}
