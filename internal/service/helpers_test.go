package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/token"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			PublicURL: "https://id.example.com",
		},
		Kafka: config.KafkaConfig{
			EmailTopic:        "identity.emails",
			NotificationTopic: "identity.notifications",
			SecurityTopic:     "identity.security",
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			PepperSecret:      "test-pepper-secret",
		},
		Token: config.TokenConfig{
			Secret:   "test-signing-secret-test-signing",
			Issuer:   "identity-service",
			Audience: "identity-clients",
			TTL:      time.Hour,
		},
		OAuth: config.OAuthConfig{
			GoogleClientID:     "google-id",
			GoogleClientSecret: "google-secret",
			GithubClientID:     "github-id",
			GithubClientSecret: "github-secret",
			CallbackBaseURL:    "https://id.example.com/api/v1/oauth",
			SuccessRedirectURL: "https://app.example.com/oauth/done",
			FailureRedirectURL: "https://app.example.com/oauth/failed",
		},
		RateLimit: config.RateLimitConfig{
			RegisterPerIP:   3,
			RegisterWindow:  time.Hour,
			LoginPerIP:      5,
			LoginWindow:     15 * time.Minute,
			OTPResend:       3,
			OTPResendWindow: 10 * time.Minute,
			ResetPerIP:      5,
			ResetPerEmail:   3,
			ResetWindow:     time.Hour,
		},
		Verification: config.VerificationConfig{
			OTPTTL:         10 * time.Minute,
			ResetOTPTTL:    10 * time.Minute,
			LinkTokenTTL:   24 * time.Hour,
			MaxOTPAttempts: 3,
		},
		Session: config.SessionConfig{
			TTL:             time.Hour,
			MaxPerAccount:   10,
			ExchangeCodeTTL: 5 * time.Minute,
			UserCacheTTL:    time.Hour,
		},
	}
}

func newTestRedis(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return client.NewRedisClientFromExisting(rdb), mr
}

// -------------------- durable store fakes --------------------

type fakeAccountStore struct {
	mu      sync.Mutex
	byID    map[string]*model.Account
	byEmail map[string]string // emailHash -> accountID
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{
		byID:    make(map[string]*model.Account),
		byEmail: make(map[string]string),
	}
}

func (f *fakeAccountStore) CreateAccount(_ context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The production repository assigns the id and timestamps on insert.
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	cp := *account
	f.byID[account.ID] = &cp
	f.byEmail[account.EmailHash] = account.ID
	return nil
}

func (f *fakeAccountStore) GetAccountByID(_ context.Context, accountID string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.byID[accountID]
	if !ok {
		return nil, nil
	}
	cp := *account
	return &cp, nil
}

func (f *fakeAccountStore) GetAccountByEmailHash(_ context.Context, emailHash string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byEmail[emailHash]
	if !ok {
		return nil, nil
	}
	account, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *account
	return &cp, nil
}

func (f *fakeAccountStore) UpdateProfile(_ context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.byID[account.ID]
	if !ok {
		return nil
	}
	stored.FirstName = account.FirstName
	stored.LastName = account.LastName
	stored.PasswordHash = account.PasswordHash
	stored.PasswordSalt = account.PasswordSalt
	stored.PepperVersion = account.PepperVersion
	stored.Role = account.Role
	stored.ImageURL = account.ImageURL
	stored.ImagePublicID = account.ImagePublicID
	stored.UpdatedAt = time.Now()
	return nil
}

func (f *fakeAccountStore) SetVerified(_ context.Context, accountID string, verified bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.byID[accountID]; ok {
		account.IsVerified = verified
	}
	return nil
}

func (f *fakeAccountStore) UpdatePassword(_ context.Context, accountID, hash, salt string, pepperVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.byID[accountID]; ok {
		account.PasswordHash = hash
		account.PasswordSalt = salt
		account.PepperVersion = pepperVersion
	}
	return nil
}

func (f *fakeAccountStore) UpdateLastLogin(_ context.Context, accountID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.byID[accountID]; ok {
		account.LastLogin = &at
	}
	return nil
}

func (f *fakeAccountStore) SoftDelete(_ context.Context, account *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.byID[account.ID]
	if !ok {
		return nil
	}
	now := time.Now()
	stored.FirstName = ""
	stored.LastName = ""
	stored.EmailEncrypted = nil
	stored.ImageURL = ""
	stored.IsActive = false
	stored.DeletedAt = &now
	delete(f.byEmail, stored.EmailHash)
	return nil
}

func (f *fakeAccountStore) BanAccount(_ context.Context, accountID, bannedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.byID[accountID]; ok {
		now := time.Now()
		account.IsBanned = true
		account.BannedBy = bannedBy
		account.BannedReason = reason
		account.BannedAt = &now
	}
	return nil
}

func (f *fakeAccountStore) UnbanAccount(_ context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.byID[accountID]; ok {
		account.IsBanned = false
		account.BannedBy = ""
		account.BannedReason = ""
		account.BannedAt = nil
	}
	return nil
}

func (f *fakeAccountStore) SetActive(_ context.Context, accountID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.byID[accountID]; ok {
		account.IsActive = active
	}
	return nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*model.Session // sessionID -> session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*model.Session)}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, session *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Mirrors the production repository: the store stamps creation
	// metadata. The sequence offset keeps creation order unambiguous.
	f.seq++
	session.CreatedAt = time.Now().UTC().Add(time.Duration(f.seq) * time.Millisecond)
	session.LastActivity = session.CreatedAt
	session.IsActive = true
	cp := *session
	f.sessions[session.ID] = &cp
	return nil
}

func (f *fakeSessionStore) GetSessionByToken(_ context.Context, token string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.Token == token {
			cp := *session
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) GetSessionsByAccount(_ context.Context, accountID string) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Session
	for _, session := range f.sessions {
		if session.AccountID == accountID {
			cp := *session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeSessionStore) DeactivateSession(_ context.Context, accountID, sessionID, token, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[sessionID]; ok {
		session.IsActive = false
		session.RevokedReason = reason
	}
	return nil
}

func (f *fakeSessionStore) DeactivateAll(_ context.Context, accountID, exceptSessionID, reason string) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var revoked []*model.Session
	for _, session := range f.sessions {
		if session.AccountID != accountID || !session.IsActive || session.ID == exceptSessionID {
			continue
		}
		session.IsActive = false
		session.RevokedReason = reason
		cp := *session
		revoked = append(revoked, &cp)
	}
	return revoked, nil
}

func (f *fakeSessionStore) TouchSession(_ context.Context, accountID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[sessionID]; ok {
		session.LastActivity = time.Now()
	}
	return nil
}

func (f *fakeSessionStore) activeCount(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, session := range f.sessions {
		if session.AccountID == accountID && session.IsActive {
			n++
		}
	}
	return n
}

type fakeIdentityStore struct {
	mu         sync.Mutex
	identities map[string]*model.OAuthIdentity // provider/providerUserID
	codes      map[string]*model.ExchangeCode
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{
		identities: make(map[string]*model.OAuthIdentity),
		codes:      make(map[string]*model.ExchangeCode),
	}
}

func identityKey(provider, providerUserID string) string {
	return provider + "/" + providerUserID
}

func (f *fakeIdentityStore) LinkIdentity(_ context.Context, identity *model.OAuthIdentity) (*model.OAuthIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := identityKey(identity.Provider, identity.ProviderUserID)
	if existing, ok := f.identities[key]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *identity
	f.identities[key] = &cp
	out := cp
	return &out, nil
}

func (f *fakeIdentityStore) GetIdentity(_ context.Context, provider, providerUserID string) (*model.OAuthIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[identityKey(provider, providerUserID)]
	if !ok {
		return nil, nil
	}
	cp := *identity
	return &cp, nil
}

func (f *fakeIdentityStore) GetIdentitiesByAccount(_ context.Context, accountID string) ([]*model.OAuthIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.OAuthIdentity
	for _, identity := range f.identities {
		if identity.AccountID == accountID {
			cp := *identity
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeIdentityStore) RecordExchangeCode(_ context.Context, code *model.ExchangeCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *code
	f.codes[code.Code] = &cp
	return nil
}

func (f *fakeIdentityStore) MarkExchangeCodeUsed(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.codes[code]; ok {
		stored.Used = true
	}
	return nil
}

type fakeReactivationStore struct {
	mu       sync.Mutex
	requests map[string]*model.ReactivationRequest
}

func newFakeReactivationStore() *fakeReactivationStore {
	return &fakeReactivationStore{requests: make(map[string]*model.ReactivationRequest)}
}

func (f *fakeReactivationStore) CreateRequest(_ context.Context, request *model.ReactivationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	request.Status = model.ReactivationPending
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now()
	}
	cp := *request
	f.requests[request.ID] = &cp
	return nil
}

func (f *fakeReactivationStore) GetRequest(_ context.Context, requestID string) (*model.ReactivationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	request, ok := f.requests[requestID]
	if !ok {
		return nil, nil
	}
	cp := *request
	return &cp, nil
}

func (f *fakeReactivationStore) GetLatestByAccount(_ context.Context, accountID string) (*model.ReactivationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.ReactivationRequest
	for _, request := range f.requests {
		if request.AccountID != accountID {
			continue
		}
		if latest == nil || request.CreatedAt.After(latest.CreatedAt) {
			latest = request
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeReactivationStore) ListByStatus(_ context.Context, status string, limit int) ([]*model.ReactivationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.ReactivationRequest
	for _, request := range f.requests {
		if request.Status == status {
			cp := *request
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeReactivationStore) Decide(_ context.Context, request *model.ReactivationRequest, status, reviewedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	request.Status = status
	request.ReviewedBy = reviewedBy
	request.ReviewedAt = &now
	if stored, ok := f.requests[request.ID]; ok {
		stored.Status = status
		stored.ReviewedBy = reviewedBy
		stored.ReviewedAt = &now
	}
	return nil
}

// -------------------- producer / monitor fakes --------------------

type producedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

type memProducer struct {
	mu       sync.Mutex
	messages []producedMessage
}

func (p *memProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, producedMessage{
		Topic:   topic,
		Key:     string(key),
		Value:   value,
		Headers: headers,
	})
	return nil
}

func (p *memProducer) byTopic(topic string) []producedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []producedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type memSink struct {
	mu    sync.Mutex
	execs int
}

func (s *memSink) Exec(_ context.Context, _ string, _ ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs++
	return nil
}

// memSearcher holds indexed security events and answers the device
// lookback query the monitor issues.
type memSearcher struct {
	mu     sync.Mutex
	events []*model.SecurityEvent
}

func (s *memSearcher) IndexDocument(_ context.Context, _, _ string, doc interface{}) error {
	event, ok := doc.(*model.SecurityEvent)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *memSearcher) Search(_ context.Context, _ string, query map[string]interface{}) (map[string]interface{}, error) {
	accountID, fingerprint := extractDeviceTerms(query)

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, event := range s.events {
		if event.AccountID == accountID && event.Fingerprint == fingerprint && event.OccurredAt.After(cutoff) {
			count++
		}
	}

	return map[string]interface{}{
		"hits": map[string]interface{}{
			"total": map[string]interface{}{"value": float64(count)},
		},
	}, nil
}

func extractDeviceTerms(query map[string]interface{}) (accountID, fingerprint string) {
	boolQuery, _ := query["query"].(map[string]interface{})
	inner, _ := boolQuery["bool"].(map[string]interface{})
	filters, _ := inner["filter"].([]interface{})
	for _, raw := range filters {
		filter, _ := raw.(map[string]interface{})
		term, ok := filter["term"].(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := term["account_id"].(string); ok {
			accountID = v
		}
		if v, ok := term["fingerprint"].(string); ok {
			fingerprint = v
		}
	}
	return accountID, fingerprint
}

// -------------------- full environment --------------------

type testEnv struct {
	cfg       *config.Config
	redis     *client.RedisClient
	mr        *miniredis.Miniredis
	accounts  *fakeAccountStore
	sessions  *fakeSessionStore
	identity  *fakeIdentityStore
	requests  *fakeReactivationStore
	producer  *memProducer
	sink      *memSink
	searcher  *memSearcher
	hasher    *hashing.Hasher
	encryptor *encryption.EncryptionManager
	tokens    *token.Manager

	monitor      *SecurityMonitor
	notifier     *Notifier
	limiter      *RateLimiter
	verification *VerificationService
	session      *SessionService
	auth         *AuthService
	oauth        *OAuthService
	account      *AccountService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := testConfig()
	redisClient, mr := newTestRedis(t)

	env := &testEnv{
		cfg:      cfg,
		redis:    redisClient,
		mr:       mr,
		accounts: newFakeAccountStore(),
		sessions: newFakeSessionStore(),
		identity: newFakeIdentityStore(),
		requests: newFakeReactivationStore(),
		producer: &memProducer{},
		sink:     &memSink{},
		searcher: &memSearcher{},
	}

	env.hasher = hashing.NewHasher(cfg)
	env.encryptor = encryption.NewEncryptionManager(cfg, nil)

	tokens, err := token.NewManager(cfg)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	env.tokens = tokens

	env.monitor = NewSecurityMonitorWith(env.sink, env.searcher, env.sessions, "auth-events")
	env.notifier = NewNotifierWithProducer(env.producer, &cfg.Kafka)
	env.limiter = NewRateLimiter(rediscache.NewRateLimitCache(redisClient), &cfg.RateLimit)
	env.verification = NewVerificationService(rediscache.NewVerificationCache(redisClient), env.hasher, &cfg.Verification)
	env.session = NewSessionService(
		env.sessions,
		rediscache.NewSessionCache(redisClient),
		rediscache.NewBlacklistCache(redisClient),
		env.tokens,
		env.monitor,
		&cfg.Session,
	)
	env.auth = NewAuthService(
		env.accounts,
		rediscache.NewAccountCache(redisClient, cfg.Session.UserCacheTTL),
		env.verification,
		env.session,
		env.limiter,
		env.notifier,
		env.monitor,
		env.hasher,
		env.encryptor,
		cfg,
	)
	env.oauth = NewOAuthService(
		env.auth,
		env.session,
		env.identity,
		rediscache.NewOAuthStateCache(redisClient),
		rediscache.NewExchangeCache(redisClient),
		env.monitor,
		cfg,
	)
	env.account = NewAccountService(
		env.accounts,
		rediscache.NewAccountCache(redisClient, cfg.Session.UserCacheTTL),
		env.requests,
		rediscache.NewReactivationCache(redisClient),
		env.auth,
		env.session,
		env.notifier,
		env.monitor,
		cfg,
	)

	return env
}

// register creates a verified, active account ready for login tests.
func (env *testEnv) register(t *testing.T, email, password string) *model.Account {
	t.Helper()
	ctx := context.Background()

	account, _, err := env.auth.Register(ctx, &RegisterRequest{
		Email:     email,
		Password:  password,
		FirstName: "Asha",
		LastName:  "Iyer",
		Role:      model.RoleStudent,
	}, "203.0.113.10")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := env.accounts.SetVerified(ctx, account.ID, true); err != nil {
		t.Fatalf("set verified: %v", err)
	}
	env.mr.FlushAll()
	env.limiter.Reset(ctx, ActionRegister, "203.0.113.10")

	account.IsVerified = true
	return account
}
