package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/errs"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

// Email templates handed to the mailer.
const (
	TemplateVerifyEmail   = "verify_email"
	TemplateWelcome       = "welcome"
	TemplatePasswordReset = "password_reset"
	TemplateNewDevice     = "new_device_alert"
	TemplateResetDone     = "password_changed"
)

// RegisterRequest carries a self-service registration. The image fields
// reference an already-uploaded profile image; upload itself happens in
// the media service before this call.
type RegisterRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Role          string `json:"role"`
	ImageURL      string `json:"imageUrl,omitempty"`
	ImagePublicID string `json:"imagePublicId,omitempty"`
}

// AuthService implements registration, email verification, login and
// password reset. It owns the account lookup path (cache in front of
// the durable store) that the other services lean on.
type AuthService struct {
	accounts     AccountStore
	accountCache *rediscache.AccountCache
	verification *VerificationService
	sessions     *SessionService
	limiter      *RateLimiter
	notifier     *Notifier
	monitor      *SecurityMonitor
	hasher       *hashing.Hasher
	encryptor    *encryption.EncryptionManager
	publicURL    string

	background sync.WaitGroup
}

func NewAuthService(
	accounts AccountStore,
	accountCache *rediscache.AccountCache,
	verification *VerificationService,
	sessions *SessionService,
	limiter *RateLimiter,
	notifier *Notifier,
	monitor *SecurityMonitor,
	hasher *hashing.Hasher,
	encryptor *encryption.EncryptionManager,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		accounts:     accounts,
		accountCache: accountCache,
		verification: verification,
		sessions:     sessions,
		limiter:      limiter,
		notifier:     notifier,
		monitor:      monitor,
		hasher:       hasher,
		encryptor:    encryptor,
		publicURL:    cfg.Server.PublicURL,
	}
}

// ResolveAccountByEmail looks an account up through the cache with a
// durable fallback that re-warms the cache. Returns (nil, nil) when no
// account owns the address.
func (s *AuthService) ResolveAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	email = util.NormalizeEmail(email)

	account, err := s.accountCache.GetByEmail(ctx, email)
	if err != nil {
		util.Warn("Account cache read failed, falling back to store", zap.Error(err))
	}
	if account != nil {
		return account, nil
	}

	account, err = s.accounts.GetAccountByEmailHash(ctx, EmailHash(email))
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}

	s.hydrateEmail(ctx, account)
	if err := s.accountCache.Set(ctx, account); err != nil {
		util.Debug("Failed to re-warm account cache", zap.Error(err))
	}

	return account, nil
}

// ResolveAccountByID is the id-keyed variant of the same lookup path.
func (s *AuthService) ResolveAccountByID(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accountCache.GetByID(ctx, accountID)
	if err != nil {
		util.Warn("Account cache read failed, falling back to store", zap.Error(err))
	}
	if account != nil {
		return account, nil
	}

	account, err = s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}

	s.hydrateEmail(ctx, account)
	if err := s.accountCache.Set(ctx, account); err != nil {
		util.Debug("Failed to re-warm account cache", zap.Error(err))
	}

	return account, nil
}

// Register creates an unverified account and sends the verification
// email. Registering an address that already owns an unverified account
// refreshes its credentials and re-sends the verification instead of
// failing, so an abandoned first attempt never wedges the address.
// The returned flag reports the unverified-duplicate case: the address
// already owned an account and only needs verification, not a new row.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest, ip string) (*model.Account, bool, error) {
	account, refreshed, err := s.register(ctx, req, ip)
	if err != nil && req.ImagePublicID != "" {
		// No account adopted the pre-uploaded image; orphaned media is
		// handed to the media service for deletion.
		if cerr := s.notifier.RequestImageCleanup(ctx, req.ImagePublicID); cerr != nil {
			util.Warn("Failed to request image cleanup",
				zap.String("public_id", req.ImagePublicID),
				zap.Error(cerr))
		}
	}
	return account, refreshed, err
}

func (s *AuthService) register(ctx context.Context, req *RegisterRequest, ip string) (*model.Account, bool, error) {
	req.FirstName = util.SanitizeInput(req.FirstName)
	req.LastName = util.SanitizeInput(req.LastName)
	req.Email = util.NormalizeEmail(req.Email)

	if err := validateEmail(req.Email); err != nil {
		return nil, false, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, false, err
	}
	if err := validateName("firstName", req.FirstName); err != nil {
		return nil, false, err
	}
	if err := validateName("lastName", req.LastName); err != nil {
		return nil, false, err
	}
	if err := validateRole(req.Role); err != nil {
		return nil, false, err
	}

	if err := s.limiter.Allow(ctx, ActionRegister, ip); err != nil {
		return nil, false, err
	}

	existing, err := s.ResolveAccountByEmail(ctx, req.Email)
	if err != nil {
		return nil, false, errs.Internal(err)
	}

	if existing != nil {
		if existing.IsVerified {
			return nil, false, errs.UserAlreadyExists()
		}
		account, rerr := s.refreshUnverified(ctx, existing, req)
		return account, rerr == nil, rerr
	}

	hashResult, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, false, errs.Internal(err)
	}

	envelope, err := s.encryptor.EncryptField(ctx, req.Email)
	if err != nil {
		return nil, false, errs.Internal(err)
	}
	encrypted, err := envelope.Marshal()
	if err != nil {
		return nil, false, errs.Internal(err)
	}

	account := &model.Account{
		Email:          req.Email,
		EmailHash:      EmailHash(req.Email),
		EmailEncrypted: encrypted,
		EmailKeyID:     envelope.KeyID,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		PasswordHash:   hashResult.Hash,
		PasswordSalt:   hashResult.Salt,
		PepperVersion:  hashResult.PepperVersion,
		Role:           req.Role,
		ImageURL:       req.ImageURL,
		ImagePublicID:  req.ImagePublicID,
		IsVerified:     false,
		IsActive:       true,
	}

	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, false, errs.Internal(err)
	}

	if err := s.accountCache.Set(ctx, account); err != nil {
		util.Debug("Failed to cache new account", zap.Error(err))
	}

	if err := s.sendVerification(ctx, account); err != nil {
		// Account exists; the user can request a resend.
		util.Error("Failed to send verification for new account",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID: account.ID,
		EventType: model.EventRegister,
		IP:        ip,
	})

	return account, false, nil
}

// refreshUnverified re-hashes the newly submitted password onto the
// existing unverified account and re-issues verification.
func (s *AuthService) refreshUnverified(ctx context.Context, account *model.Account, req *RegisterRequest) (*model.Account, error) {
	// Re-registration re-sends the code, so it shares the resend budget.
	if err := s.limiter.Allow(ctx, ActionOTPResend, account.Email); err != nil {
		return nil, err
	}

	hashResult, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, errs.Internal(err)
	}

	if err := s.accounts.UpdatePassword(ctx, account.ID, hashResult.Hash, hashResult.Salt, hashResult.PepperVersion); err != nil {
		return nil, errs.Internal(err)
	}
	account.PasswordHash = hashResult.Hash
	account.PasswordSalt = hashResult.Salt
	account.PepperVersion = hashResult.PepperVersion

	account.FirstName = req.FirstName
	account.LastName = req.LastName
	replacedImage := ""
	if req.ImagePublicID != "" && req.ImagePublicID != account.ImagePublicID {
		replacedImage = account.ImagePublicID
		account.ImageURL = req.ImageURL
		account.ImagePublicID = req.ImagePublicID
	}
	if err := s.accounts.UpdateProfile(ctx, account); err != nil {
		util.Warn("Failed to refresh unverified profile",
			zap.String("account_id", account.ID),
			zap.Error(err))
	} else if replacedImage != "" {
		if cerr := s.notifier.RequestImageCleanup(ctx, replacedImage); cerr != nil {
			util.Warn("Failed to request image cleanup",
				zap.String("public_id", replacedImage),
				zap.Error(cerr))
		}
	}

	if err := s.accountCache.Invalidate(ctx, account.ID, account.Email); err != nil {
		util.Debug("Failed to invalidate account cache", zap.Error(err))
	}

	if err := s.sendVerification(ctx, account); err != nil {
		return nil, errs.Internal(err)
	}

	util.Info("Unverified registration refreshed",
		zap.String("account_id", account.ID),
		zap.String("email", util.MaskEmail(account.Email)))

	return account, nil
}

// sendVerification issues a fresh OTP and link token and publishes the
// verification email carrying both.
func (s *AuthService) sendVerification(ctx context.Context, account *model.Account) error {
	code, err := s.verification.IssueOTP(ctx, account.Email, model.PurposeRegistration)
	if err != nil {
		return err
	}

	linkToken, err := s.verification.IssueLinkToken(ctx, account.Email, model.PurposeRegistration)
	if err != nil {
		return err
	}

	return s.notifier.SendEmail(ctx, account.ID, account.Email, TemplateVerifyEmail, map[string]string{
		"firstName": account.FirstName,
		"otp":       code,
		"link":      fmt.Sprintf("%s/api/v1/auth/verify-link?token=%s", s.publicURL, linkToken),
	}, "normal")
}

// ResendVerification re-issues the verification email, superseding any
// outstanding code. Responds identically whether or not the address has
// an account, so it cannot be used to probe.
func (s *AuthService) ResendVerification(ctx context.Context, email string) error {
	email = util.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	if err := s.limiter.Allow(ctx, ActionOTPResend, email); err != nil {
		return err
	}

	account, err := s.ResolveAccountByEmail(ctx, email)
	if err != nil {
		return errs.Internal(err)
	}
	if account == nil || account.IsDeleted() {
		return nil
	}
	if account.IsVerified {
		return errs.AlreadyVerified()
	}

	if err := s.sendVerification(ctx, account); err != nil {
		return errs.Internal(err)
	}
	return nil
}

// VerifyEmail completes registration with an OTP code. On success the
// account is signed in immediately on the verifying device.
func (s *AuthService) VerifyEmail(ctx context.Context, email, code, ip string, device util.DeviceInfo) (*model.Account, *model.Session, string, error) {
	email = util.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, nil, "", err
	}

	account, err := s.ResolveAccountByEmail(ctx, email)
	if err != nil {
		return nil, nil, "", errs.Internal(err)
	}
	if account == nil || account.IsDeleted() {
		// Indistinguishable from a wrong code against a real account.
		return nil, nil, "", errs.OTPFailed("no active verification code, request a new one")
	}
	if account.IsVerified {
		return nil, nil, "", errs.AlreadyVerified()
	}

	if err := s.verification.VerifyOTP(ctx, email, code, model.PurposeRegistration); err != nil {
		return nil, nil, "", err
	}

	session, signed, err := s.completeVerification(ctx, account, ip, device)
	if err != nil {
		return nil, nil, "", err
	}
	return account, session, signed, nil
}

// VerifyEmailByLink completes registration with a link token.
func (s *AuthService) VerifyEmailByLink(ctx context.Context, linkToken, ip string, device util.DeviceInfo) (*model.Account, *model.Session, string, error) {
	email, err := s.verification.ConsumeLinkToken(ctx, linkToken, model.PurposeRegistration)
	if err != nil {
		return nil, nil, "", err
	}

	account, rerr := s.ResolveAccountByEmail(ctx, email)
	if rerr != nil {
		return nil, nil, "", errs.Internal(rerr)
	}
	if account == nil || account.IsDeleted() {
		return nil, nil, "", errs.InvalidToken("verification link is invalid or expired")
	}
	if account.IsVerified {
		return nil, nil, "", errs.AlreadyVerified()
	}

	session, signed, err := s.completeVerification(ctx, account, ip, device)
	if err != nil {
		return nil, nil, "", err
	}
	return account, session, signed, nil
}

func (s *AuthService) completeVerification(ctx context.Context, account *model.Account, ip string, device util.DeviceInfo) (*model.Session, string, error) {
	if err := s.accounts.SetVerified(ctx, account.ID, true); err != nil {
		return nil, "", errs.Internal(err)
	}
	account.IsVerified = true

	if err := s.accountCache.Invalidate(ctx, account.ID, account.Email); err != nil {
		util.Debug("Failed to invalidate account cache", zap.Error(err))
	}

	// Auto-login: verification proves control of the mailbox, so the
	// verifying device gets a session without a second password prompt.
	session, signed, err := s.sessions.CreateSession(ctx, account, device, ip)
	if err != nil {
		util.Warn("Verification auto-login failed",
			zap.String("account_id", account.ID),
			zap.Error(err))
		session, signed = nil, ""
	} else {
		now := time.Now().UTC()
		if err := s.accounts.UpdateLastLogin(ctx, account.ID, now); err != nil {
			util.Warn("Failed to stamp last login",
				zap.String("account_id", account.ID),
				zap.Error(err))
		}
		account.LastLogin = &now
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.notifier.SendEmail(gctx, account.ID, account.Email, TemplateWelcome, map[string]string{
			"firstName": account.FirstName,
		}, "normal")
	})
	g.Go(func() error {
		return s.notifier.SendNotification(gctx, account.ID, "email_verified", nil)
	})
	if err := g.Wait(); err != nil {
		util.Warn("Post-verification notifications failed",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID:   account.ID,
		EventType:   model.EventVerify,
		IP:          ip,
		Fingerprint: device.Fingerprint(),
	})

	util.Info("Email verified", zap.String("account_id", account.ID))
	return session, signed, nil
}

// Login authenticates a password credential and mints a session. A
// caller already holding a live session is told so instead of being
// handed a second token for the same device.
func (s *AuthService) Login(ctx context.Context, email, password, currentToken, ip string, device util.DeviceInfo) (*model.Account, *model.Session, string, error) {
	if currentToken != "" {
		if _, _, err := s.sessions.ValidateToken(ctx, currentToken); err == nil {
			return nil, nil, "", errs.AlreadyAuthenticated()
		}
	}

	email = util.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, nil, "", err
	}
	if password == "" {
		return nil, nil, "", errs.Validation("password is required").WithDetail("field", "password")
	}

	if err := s.limiter.Allow(ctx, ActionLogin, ip); err != nil {
		return nil, nil, "", err
	}

	account, err := s.ResolveAccountByEmail(ctx, email)
	if err != nil {
		return nil, nil, "", errs.Internal(err)
	}
	if account == nil || account.IsDeleted() || account.PasswordHash == "" {
		return nil, nil, "", errs.InvalidCredentials()
	}

	ok, err := s.hasher.VerifyPassword(password, &hashing.HashResult{
		Hash:          account.PasswordHash,
		Salt:          account.PasswordSalt,
		PepperVersion: account.PepperVersion,
	})
	if err != nil || !ok {
		util.Warn("Login failed",
			zap.String("email", util.MaskEmail(email)),
			zap.String("ip", ip))
		return nil, nil, "", errs.InvalidCredentials()
	}

	// Status gates run only after the credential is proven, and in a
	// fixed order so callers always learn the most actionable state.
	if !account.IsVerified {
		return nil, nil, "", errs.EmailNotVerified()
	}
	if !account.IsActive {
		return nil, nil, "", errs.AccountDeactivated()
	}
	if account.IsBanned {
		return nil, nil, "", errs.AccountBanned(account.BannedReason, account.BannedAt)
	}

	session, signed, err := s.sessions.CreateSession(ctx, account, device, ip)
	if err != nil {
		return nil, nil, "", err
	}

	now := time.Now().UTC()
	account.LastLogin = &now

	// Side effects run off the request path. A degraded analytics or
	// broker backend must never hold up the login response.
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		s.afterLogin(bctx, account, device, ip, now)
	}()

	return account, session, signed, nil
}

// Drain blocks until dispatched login side effects have finished. The
// server calls it during shutdown so alerts in flight are not dropped.
func (s *AuthService) Drain() {
	s.background.Wait()
}

// afterLogin runs the side effects of a successful login: last-login
// stamp, audit event and the new-device alert. None of them can fail
// the login.
func (s *AuthService) afterLogin(ctx context.Context, account *model.Account, device util.DeviceInfo, ip string, now time.Time) {
	if err := s.accounts.UpdateLastLogin(ctx, account.ID, now); err != nil {
		util.Warn("Failed to stamp last login",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}
	if err := s.accountCache.Set(ctx, account); err != nil {
		util.Debug("Failed to refresh account cache", zap.Error(err))
	}

	fingerprint := device.Fingerprint()
	newDevice := !s.monitor.RecentDeviceSeen(ctx, account.ID, fingerprint)

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID:   account.ID,
		EventType:   model.EventLogin,
		IP:          ip,
		Fingerprint: fingerprint,
	})

	if newDevice {
		s.monitor.Record(ctx, &model.SecurityEvent{
			AccountID:   account.ID,
			EventType:   model.EventNewDevice,
			IP:          ip,
			Fingerprint: fingerprint,
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return s.notifier.SendEmail(gctx, account.ID, account.Email, TemplateNewDevice, map[string]string{
				"firstName": account.FirstName,
				"device":    device.Device,
				"os":        device.OS,
				"browser":   device.Browser,
				"ip":        ip,
			}, "high")
		})
		g.Go(func() error {
			return s.notifier.SendSecurityAlert(gctx, SecurityAlertMessage{
				AccountID: account.ID,
				Alert:     "new_device_login",
				IP:        ip,
				Device:    fingerprint,
			})
		})
		if err := g.Wait(); err != nil {
			util.Warn("New-device alerts failed",
				zap.String("account_id", account.ID),
				zap.Error(err))
		}
	}
}

// RequestPasswordReset issues a reset OTP. The response is identical
// whether or not the address has an account.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email, ip string) error {
	email = util.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	if err := s.limiter.Allow(ctx, ActionResetIP, ip); err != nil {
		return err
	}
	if err := s.limiter.Allow(ctx, ActionResetEmail, email); err != nil {
		return err
	}

	account, err := s.ResolveAccountByEmail(ctx, email)
	if err != nil {
		return errs.Internal(err)
	}
	if account == nil || account.IsDeleted() || !account.IsActive || account.IsBanned || account.PasswordHash == "" {
		// Same answer as the happy path.
		return nil
	}

	code, err := s.verification.IssueOTP(ctx, email, model.PurposePasswordReset)
	if err != nil {
		return errs.Internal(err)
	}

	if err := s.notifier.SendEmail(ctx, account.ID, email, TemplatePasswordReset, map[string]string{
		"firstName": account.FirstName,
		"otp":       code,
	}, "high"); err != nil {
		return errs.Internal(err)
	}

	return nil
}

// ConfirmPasswordReset validates the reset OTP, installs the new
// password and revokes every session the account holds. The bulk
// revocation is unconditional: a reset is the recovery path from a
// compromised credential.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, email, code, newPassword string) error {
	email = util.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	account, err := s.ResolveAccountByEmail(ctx, email)
	if err != nil {
		return errs.Internal(err)
	}
	if account == nil || account.IsDeleted() {
		return errs.OTPFailed("no active reset code, request a new one")
	}

	if err := s.verification.VerifyOTP(ctx, email, code, model.PurposePasswordReset); err != nil {
		return err
	}

	hashResult, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return errs.Internal(err)
	}
	if err := s.accounts.UpdatePassword(ctx, account.ID, hashResult.Hash, hashResult.Salt, hashResult.PepperVersion); err != nil {
		return errs.Internal(err)
	}

	if err := s.accountCache.Invalidate(ctx, account.ID, account.Email); err != nil {
		util.Debug("Failed to invalidate account cache", zap.Error(err))
	}

	revoked, err := s.sessions.InvalidateAll(ctx, account.ID, "", "", ReasonPasswordReset)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.notifier.SendEmail(gctx, account.ID, email, TemplateResetDone, map[string]string{
			"firstName": account.FirstName,
		}, "high")
	})
	g.Go(func() error {
		return s.notifier.SendSecurityAlert(gctx, SecurityAlertMessage{
			AccountID: account.ID,
			Alert:     "password_reset",
			Detail:    fmt.Sprintf("revoked %d sessions", revoked),
		})
	})
	if err := g.Wait(); err != nil {
		util.Warn("Post-reset notifications failed",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID: account.ID,
		EventType: model.EventPasswordReset,
	})

	util.Info("Password reset completed",
		zap.String("account_id", account.ID),
		zap.Int("sessions_revoked", revoked))

	return nil
}

// hydrateEmail decrypts the stored envelope back into the in-memory
// plaintext field. A decrypt failure leaves the field empty rather than
// failing the lookup.
func (s *AuthService) hydrateEmail(ctx context.Context, account *model.Account) {
	if len(account.EmailEncrypted) == 0 {
		return
	}
	envelope, err := encryption.UnmarshalEnvelope(account.EmailEncrypted)
	if err != nil {
		util.Warn("Stored email envelope is invalid",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return
	}
	email, err := s.encryptor.DecryptField(ctx, envelope)
	if err != nil {
		util.Warn("Failed to decrypt account email",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return
	}
	account.Email = email
}
