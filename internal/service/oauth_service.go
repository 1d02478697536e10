package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"identity-service/internal/config"
	"identity-service/internal/errs"
	"identity-service/internal/model"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/util"
)

const (
	ProviderGoogle = "google"
	ProviderGithub = "github"

	oauthStateTTL = 10 * time.Minute
)

// ProfileFetcher resolves an exchanged token into the provider's view
// of the user. Production uses the provider HTTP APIs; tests stub it.
type ProfileFetcher interface {
	Fetch(ctx context.Context, provider string, ts oauth2.TokenSource) (*model.ExternalProfile, error)
}

// OAuthService implements federated sign-in. The provider round trip
// ends in a one-time exchange code rather than a token in the redirect
// URL, so bearer tokens never transit browser history.
type OAuthService struct {
	auth       *AuthService
	sessions   *SessionService
	identities IdentityStore
	states     *rediscache.OAuthStateCache
	exchange   *rediscache.ExchangeCache
	monitor    *SecurityMonitor
	fetcher    ProfileFetcher
	configs    map[string]*oauth2.Config
	cfg        *config.Config
}

func NewOAuthService(
	auth *AuthService,
	sessions *SessionService,
	identities IdentityStore,
	states *rediscache.OAuthStateCache,
	exchange *rediscache.ExchangeCache,
	monitor *SecurityMonitor,
	cfg *config.Config,
) *OAuthService {
	configs := map[string]*oauth2.Config{
		ProviderGoogle: {
			ClientID:     cfg.OAuth.GoogleClientID,
			ClientSecret: cfg.OAuth.GoogleClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.OAuth.CallbackBaseURL + "/google",
			Scopes:       []string{"openid", "email", "profile"},
		},
		ProviderGithub: {
			ClientID:     cfg.OAuth.GithubClientID,
			ClientSecret: cfg.OAuth.GithubClientSecret,
			Endpoint:     github.Endpoint,
			RedirectURL:  cfg.OAuth.CallbackBaseURL + "/github",
			Scopes:       []string{"read:user", "user:email"},
		},
	}

	return &OAuthService{
		auth:       auth,
		sessions:   sessions,
		identities: identities,
		states:     states,
		exchange:   exchange,
		monitor:    monitor,
		fetcher:    &httpProfileFetcher{},
		configs:    configs,
		cfg:        cfg,
	}
}

// SetProfileFetcher swaps the provider API client, used by tests.
func (s *OAuthService) SetProfileFetcher(f ProfileFetcher) {
	s.fetcher = f
}

// Begin starts a provider round trip: the state nonce pins the
// requested role and the caller's device server side, and the returned
// URL is where the browser goes.
func (s *OAuthService) Begin(ctx context.Context, provider, role string, device util.DeviceInfo, ip string) (string, error) {
	conf, ok := s.configs[provider]
	if !ok {
		return "", errs.Validation("unknown oauth provider").WithDetail("provider", provider)
	}
	if err := validateRole(role); err != nil {
		return "", err
	}

	state, err := randomToken(24)
	if err != nil {
		return "", errs.Internal(err)
	}

	payload := &rediscache.OAuthStatePayload{
		Provider: provider,
		Role:     role,
		Device:   device.Device,
		OS:       device.OS,
		Browser:  device.Browser,
		IP:       ip,
	}
	if err := s.states.Set(ctx, state, payload, oauthStateTTL); err != nil {
		return "", errs.Internal(err)
	}

	return conf.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// Callback finishes the provider round trip: it validates the state,
// exchanges the provider code, resolves or provisions the local
// account, mints a session and returns a one-time exchange code for the
// frontend to redeem.
func (s *OAuthService) Callback(ctx context.Context, provider, state, code string) (string, error) {
	payload, err := s.states.Consume(ctx, state)
	if err != nil {
		return "", errs.Internal(err)
	}
	if payload == nil || payload.Provider != provider {
		return "", errs.InvalidToken("oauth state is invalid or expired")
	}

	conf, ok := s.configs[provider]
	if !ok {
		return "", errs.Validation("unknown oauth provider").WithDetail("provider", provider)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	providerToken, err := conf.Exchange(exchangeCtx, code)
	if err != nil {
		util.Warn("Provider code exchange failed",
			zap.String("provider", provider),
			zap.Error(err))
		return "", errs.InvalidToken("provider code exchange failed")
	}

	profile, err := s.fetcher.Fetch(exchangeCtx, provider, conf.TokenSource(exchangeCtx, providerToken))
	if err != nil {
		return "", errs.Internal(err)
	}
	if profile.Email == "" {
		return "", errs.Validation("provider account has no usable email address")
	}

	account, err := s.resolveAccount(ctx, profile, payload.Role)
	if err != nil {
		return "", err
	}

	if !account.IsActive {
		return "", errs.AccountDeactivated()
	}
	if account.IsBanned {
		return "", errs.AccountBanned(account.BannedReason, account.BannedAt)
	}

	device := util.DeviceInfo{Device: payload.Device, OS: payload.OS, Browser: payload.Browser}
	_, signed, err := s.sessions.CreateSession(ctx, account, device, payload.IP)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := s.auth.accounts.UpdateLastLogin(ctx, account.ID, now); err != nil {
		util.Warn("Failed to stamp last login",
			zap.String("account_id", account.ID),
			zap.Error(err))
	}
	account.LastLogin = &now
	if err := s.auth.accountCache.Set(ctx, account); err != nil {
		util.Debug("Failed to refresh account cache", zap.Error(err))
	}

	exchangeCode, err := s.mintExchangeCode(ctx, account.ID, signed)
	if err != nil {
		return "", err
	}

	s.monitor.Record(ctx, &model.SecurityEvent{
		AccountID:   account.ID,
		EventType:   model.EventOAuthLogin,
		IP:          payload.IP,
		Fingerprint: device.Fingerprint(),
		Detail:      provider,
	})

	return exchangeCode, nil
}

// Redeem swaps a one-time exchange code for the session token minted in
// the callback.
func (s *OAuthService) Redeem(ctx context.Context, code string) (*model.Account, string, error) {
	payload, err := s.exchange.Consume(ctx, code)
	if err != nil {
		return nil, "", errs.Internal(err)
	}
	if payload == nil || time.Now().UTC().After(payload.ExpiresAt) {
		return nil, "", errs.InvalidToken("exchange code is invalid or expired")
	}

	if err := s.identities.MarkExchangeCodeUsed(ctx, code); err != nil {
		util.Warn("Failed to mark exchange code used",
			zap.String("account_id", payload.AccountID),
			zap.Error(err))
	}

	account, err := s.auth.ResolveAccountByID(ctx, payload.AccountID)
	if err != nil {
		return nil, "", errs.Internal(err)
	}
	if account == nil {
		return nil, "", errs.InvalidToken("exchange code is invalid or expired")
	}

	return account, payload.Token, nil
}

// resolveAccount maps a provider profile onto a local account: an
// existing link wins, then an email match gains the link, then a fresh
// account is provisioned with the role pinned at Begin.
func (s *OAuthService) resolveAccount(ctx context.Context, profile *model.ExternalProfile, role string) (*model.Account, error) {
	identity, err := s.identities.GetIdentity(ctx, profile.Provider, profile.ProviderID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if identity != nil {
		account, err := s.auth.ResolveAccountByID(ctx, identity.AccountID)
		if err != nil {
			return nil, errs.Internal(err)
		}
		if account == nil || account.IsDeleted() {
			return nil, errs.NotFound("account")
		}
		return account, nil
	}

	account, err := s.auth.ResolveAccountByEmail(ctx, profile.Email)
	if err != nil {
		return nil, errs.Internal(err)
	}

	if account == nil || account.IsDeleted() {
		account, err = s.provisionAccount(ctx, profile, role)
		if err != nil {
			return nil, err
		}
	}

	if _, err := s.identities.LinkIdentity(ctx, &model.OAuthIdentity{
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderID,
		AccountID:      account.ID,
	}); err != nil {
		return nil, errs.Internal(err)
	}

	// Backfill the profile image for accounts that never set one.
	if account.ImageURL == "" && profile.ImageURL != "" {
		account.ImageURL = profile.ImageURL
		if err := s.auth.accounts.UpdateProfile(ctx, account); err != nil {
			util.Warn("Failed to backfill profile image",
				zap.String("account_id", account.ID),
				zap.Error(err))
		} else if err := s.auth.accountCache.Invalidate(ctx, account.ID, account.Email); err != nil {
			util.Debug("Failed to invalidate account cache", zap.Error(err))
		}
	}

	// A provider-verified email verifies the local account too.
	if !account.IsVerified && profile.Verified {
		if err := s.auth.accounts.SetVerified(ctx, account.ID, true); err != nil {
			return nil, errs.Internal(err)
		}
		account.IsVerified = true
		if err := s.auth.accountCache.Invalidate(ctx, account.ID, account.Email); err != nil {
			util.Debug("Failed to invalidate account cache", zap.Error(err))
		}
	}
	if !account.IsVerified {
		return nil, errs.EmailNotVerified()
	}

	return account, nil
}

func (s *OAuthService) provisionAccount(ctx context.Context, profile *model.ExternalProfile, role string) (*model.Account, error) {
	email := util.NormalizeEmail(profile.Email)

	envelope, err := s.auth.encryptor.EncryptField(ctx, email)
	if err != nil {
		return nil, errs.Internal(err)
	}
	encrypted, err := envelope.Marshal()
	if err != nil {
		return nil, errs.Internal(err)
	}

	firstName := profile.FirstName
	if firstName == "" {
		firstName = "New"
	}
	lastName := profile.LastName
	if lastName == "" {
		lastName = "User"
	}

	account := &model.Account{
		Email:          email,
		EmailHash:      EmailHash(email),
		EmailEncrypted: encrypted,
		EmailKeyID:     envelope.KeyID,
		FirstName:      firstName,
		LastName:       lastName,
		Role:           role,
		IsVerified:     profile.Verified,
		IsActive:       true,
		ImageURL:       profile.ImageURL,
	}

	if err := s.auth.accounts.CreateAccount(ctx, account); err != nil {
		return nil, errs.Internal(err)
	}
	if err := s.auth.accountCache.Set(ctx, account); err != nil {
		util.Debug("Failed to cache provisioned account", zap.Error(err))
	}

	util.Info("Account provisioned from provider",
		zap.String("account_id", account.ID),
		zap.String("provider", profile.Provider))

	return account, nil
}

func (s *OAuthService) mintExchangeCode(ctx context.Context, accountID, sessionToken string) (string, error) {
	code, err := randomToken(24)
	if err != nil {
		return "", errs.Internal(err)
	}

	now := time.Now().UTC()
	payload := &model.ExchangeCode{
		Code:      code,
		AccountID: accountID,
		Token:     sessionToken,
		ExpiresAt: now.Add(s.cfg.Session.ExchangeCodeTTL),
		CreatedAt: now,
	}

	if err := s.exchange.Set(ctx, code, payload, s.cfg.Session.ExchangeCodeTTL); err != nil {
		return "", errs.Internal(err)
	}

	if err := s.identities.RecordExchangeCode(ctx, &model.ExchangeCode{
		Code:      code,
		AccountID: accountID,
		Used:      false,
		ExpiresAt: payload.ExpiresAt,
		CreatedAt: now,
	}); err != nil {
		util.Warn("Failed to record exchange code audit row",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	return code, nil
}

// SuccessRedirect builds the frontend redirect carrying the exchange
// code.
func (s *OAuthService) SuccessRedirect(code string) string {
	return fmt.Sprintf("%s?code=%s", s.cfg.OAuth.SuccessRedirectURL, code)
}

// FailureRedirect builds the frontend redirect for a failed round trip.
func (s *OAuthService) FailureRedirect(reason string) string {
	return fmt.Sprintf("%s?error=%s", s.cfg.OAuth.FailureRedirectURL, reason)
}

// httpProfileFetcher talks to the provider user APIs.
type httpProfileFetcher struct{}

func (f *httpProfileFetcher) Fetch(ctx context.Context, provider string, ts oauth2.TokenSource) (*model.ExternalProfile, error) {
	client := oauth2.NewClient(ctx, ts)

	switch provider {
	case ProviderGoogle:
		return f.fetchGoogle(ctx, client)
	case ProviderGithub:
		return f.fetchGithub(ctx, client)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (f *httpProfileFetcher) fetchGoogle(ctx context.Context, client *http.Client) (*model.ExternalProfile, error) {
	body, err := getJSON(ctx, client, "https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, err
	}

	var info struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
		Picture       string `json:"picture"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode google profile: %w", err)
	}

	return &model.ExternalProfile{
		Provider:   ProviderGoogle,
		ProviderID: info.ID,
		Email:      info.Email,
		FirstName:  info.GivenName,
		LastName:   info.FamilyName,
		ImageURL:   info.Picture,
		Verified:   info.VerifiedEmail,
	}, nil
}

func (f *httpProfileFetcher) fetchGithub(ctx context.Context, client *http.Client) (*model.ExternalProfile, error) {
	body, err := getJSON(ctx, client, "https://api.github.com/user")
	if err != nil {
		return nil, err
	}

	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode github profile: %w", err)
	}

	email := user.Email
	verified := false
	if email == "" {
		// The public profile email is often unset; the emails endpoint
		// carries the verified primary.
		email, verified, err = f.fetchGithubPrimaryEmail(ctx, client)
		if err != nil {
			return nil, err
		}
	} else {
		verified = true
	}

	firstName, lastName := splitName(user.Name, user.Login)

	return &model.ExternalProfile{
		Provider:   ProviderGithub,
		ProviderID: strconv.FormatInt(user.ID, 10),
		Email:      email,
		FirstName:  firstName,
		LastName:   lastName,
		ImageURL:   user.AvatarURL,
		Verified:   verified,
	}, nil
}

func (f *httpProfileFetcher) fetchGithubPrimaryEmail(ctx context.Context, client *http.Client) (string, bool, error) {
	body, err := getJSON(ctx, client, "https://api.github.com/user/emails")
	if err != nil {
		return "", false, err
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", false, fmt.Errorf("failed to decode github emails: %w", err)
	}

	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, emails[0].Verified, nil
	}
	return "", false, nil
}

func getJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func splitName(fullName, fallback string) (string, string) {
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return fallback, fallback
	}
	parts := strings.SplitN(fullName, " ", 2)
	if len(parts) == 1 {
		return parts[0], parts[0]
	}
	return parts[0], parts[1]
}
