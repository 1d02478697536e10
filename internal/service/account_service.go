package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/errs"
	"identity-service/internal/model"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

const reactivationDedupeTTL = 7 * 24 * time.Hour

// AccountService covers the account lifecycle beyond authentication:
// soft deletion, administrative ban/unban and the reactivation request
// queue.
type AccountService struct {
	accounts      AccountStore
	accountCache  *rediscache.AccountCache
	reactivations ReactivationStore
	dedupe        *rediscache.ReactivationCache
	auth          *AuthService
	sessions      *SessionService
	notifier      *Notifier
	monitor       *SecurityMonitor
	cfg           *config.Config
}

func NewAccountService(
	accounts AccountStore,
	accountCache *rediscache.AccountCache,
	reactivations ReactivationStore,
	dedupe *rediscache.ReactivationCache,
	auth *AuthService,
	sessions *SessionService,
	notifier *Notifier,
	monitor *SecurityMonitor,
	cfg *config.Config,
) *AccountService {
	return &AccountService{
		accounts:      accounts,
		accountCache:  accountCache,
		reactivations: reactivations,
		dedupe:        dedupe,
		auth:          auth,
		sessions:      sessions,
		notifier:      notifier,
		monitor:       monitor,
		cfg:           cfg,
	}
}

// DeleteAccount soft-deletes the caller's account: every session is
// revoked, the row is anonymized in place and the email lookup freed.
// Each step past the durable delete is best effort.
func (s *AccountService) DeleteAccount(ctx context.Context, accountID string) error {
	account, err := s.auth.ResolveAccountByID(ctx, accountID)
	if err != nil {
		return errs.Internal(err)
	}
	if account == nil || account.IsDeleted() {
		return errs.NotFound("account")
	}

	if _, err := s.sessions.InvalidateAll(ctx, accountID, "", "", ReasonAccountClosed); err != nil {
		util.Warn("Failed to revoke sessions during account deletion",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	if err := s.accounts.SoftDelete(ctx, account); err != nil {
		return errs.Internal(err)
	}

	if err := s.accountCache.Invalidate(ctx, accountID, account.Email); err != nil {
		util.Debug("Failed to invalidate account cache", zap.Error(err))
	}

	if account.Email != "" {
		if err := s.notifier.SendEmail(ctx, accountID, account.Email, "account_deleted", map[string]string{
			"firstName": account.FirstName,
		}, "normal"); err != nil {
			util.Warn("Failed to send deletion email",
				zap.String("account_id", accountID),
				zap.Error(err))
		}
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID: accountID,
		EventType: model.EventAccountDelete,
	})

	util.Info("Account deleted", zap.String("account_id", accountID))
	return nil
}

// Ban marks an account banned, revokes its sessions and notifies the
// holder. Admin only; enforced at the router.
func (s *AccountService) Ban(ctx context.Context, accountID, bannedBy, reason string) error {
	if len(reason) < 10 || len(reason) > 500 {
		return errs.Validation("ban reason must be between 10 and 500 characters").WithDetail("field", "reason")
	}

	account, err := s.auth.ResolveAccountByID(ctx, accountID)
	if err != nil {
		return errs.Internal(err)
	}
	if account == nil || account.IsDeleted() {
		return errs.NotFound("account")
	}

	if err := s.accounts.BanAccount(ctx, accountID, bannedBy, reason); err != nil {
		return errs.Internal(err)
	}

	if err := s.accountCache.Invalidate(ctx, accountID, account.Email); err != nil {
		util.Debug("Failed to invalidate account cache", zap.Error(err))
	}

	if _, err := s.sessions.InvalidateAll(ctx, accountID, "", "", ReasonBanned); err != nil {
		util.Warn("Failed to revoke sessions of banned account",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID: accountID,
		EventType: model.EventBan,
		Detail:    reason,
	})

	return nil
}

// Unban clears the ban state.
func (s *AccountService) Unban(ctx context.Context, accountID string) error {
	account, err := s.auth.ResolveAccountByID(ctx, accountID)
	if err != nil {
		return errs.Internal(err)
	}
	if account == nil || account.IsDeleted() {
		return errs.NotFound("account")
	}
	if !account.IsBanned {
		return errs.Validation("account is not banned")
	}

	if err := s.accounts.UnbanAccount(ctx, accountID); err != nil {
		return errs.Internal(err)
	}

	if err := s.accountCache.Invalidate(ctx, accountID, account.Email); err != nil {
		util.Debug("Failed to invalidate account cache", zap.Error(err))
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID: accountID,
		EventType: model.EventUnban,
	})

	return nil
}

// RequestReactivation files a request on behalf of a deactivated or
// banned account holder. One pending request per account per week; the
// window is enforced with a SetNX claim so concurrent submissions
// cannot double-file.
func (s *AccountService) RequestReactivation(ctx context.Context, email, reason, ip string) (*model.ReactivationRequest, error) {
	email = util.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(reason) < 10 || len(reason) > 1000 {
		return nil, errs.Validation("reason must be between 10 and 1000 characters").WithDetail("field", "reason")
	}

	account, err := s.auth.ResolveAccountByEmail(ctx, email)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if account == nil || account.IsDeleted() {
		return nil, errs.NotFound("account")
	}
	if account.IsActive && !account.IsBanned {
		return nil, errs.Validation("account is already active")
	}

	request := &model.ReactivationRequest{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		Reason:    util.SanitizeInput(reason),
		IP:        ip,
	}

	claimed, err := s.dedupe.Claim(ctx, account.ID, request.ID, reactivationDedupeTTL)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !claimed {
		return nil, errs.RequestAlreadyExists()
	}

	if err := s.reactivations.CreateRequest(ctx, request); err != nil {
		// Free the claim so a retry is possible.
		if rerr := s.dedupe.Release(ctx, account.ID); rerr != nil {
			util.Warn("Failed to release reactivation claim",
				zap.String("account_id", account.ID),
				zap.Error(rerr))
		}
		return nil, errs.Internal(err)
	}

	if err := s.notifier.SendNotification(ctx, account.ID, "reactivation_filed", map[string]string{
		"requestId": request.ID,
	}); err != nil {
		util.Warn("Failed to notify reactivation filing",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}

	return request, nil
}

// ReactivationStatus returns the account's most recent request.
func (s *AccountService) ReactivationStatus(ctx context.Context, accountID string) (*model.ReactivationRequest, error) {
	request, err := s.reactivations.GetLatestByAccount(ctx, accountID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if request == nil {
		return nil, errs.NotFound("reactivation request")
	}
	return request, nil
}

// DecideReactivation is the administrator's review: approval restores
// the account (and lifts a ban), rejection only records the outcome.
func (s *AccountService) DecideReactivation(ctx context.Context, requestID, reviewedBy string, approve bool) (*model.ReactivationRequest, error) {
	request, err := s.reactivations.GetRequest(ctx, requestID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if request == nil {
		return nil, errs.NotFound("reactivation request")
	}
	if request.Status != model.ReactivationPending {
		return nil, errs.Validation("request has already been decided")
	}

	status := model.ReactivationRejected
	if approve {
		status = model.ReactivationApproved
	}

	if err := s.reactivations.Decide(ctx, request, status, reviewedBy); err != nil {
		return nil, errs.Internal(err)
	}

	if err := s.dedupe.Release(ctx, request.AccountID); err != nil {
		util.Debug("Failed to release reactivation claim", zap.Error(err))
	}

	if approve {
		account, err := s.auth.ResolveAccountByID(ctx, request.AccountID)
		if err == nil && account != nil {
			if account.IsBanned {
				if err := s.accounts.UnbanAccount(ctx, account.ID); err != nil {
					util.Error("Failed to lift ban on approved reactivation",
						zap.String("account_id", account.ID),
						zap.Error(err))
				}
			}
			if err := s.accounts.SetActive(ctx, account.ID, true); err != nil {
				util.Error("Failed to reactivate account",
					zap.String("account_id", account.ID),
					zap.Error(err))
			}
			if err := s.accountCache.Invalidate(ctx, account.ID, account.Email); err != nil {
				util.Debug("Failed to invalidate account cache", zap.Error(err))
			}
		}
	}

	if err := s.notifier.SendNotification(ctx, request.AccountID, "reactivation_decided", map[string]string{
		"requestId": request.ID,
		"status":    status,
	}); err != nil {
		util.Warn("Failed to notify reactivation decision",
			zap.String("account_id", request.AccountID),
			zap.Error(err))
	}

	return request, nil
}
