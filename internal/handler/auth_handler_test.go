package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/service"
	"identity-service/internal/token"
)

// The durable stores behind the handler tests only need enough behavior
// for the registration path; everything else is inert.

type stubAccountStore struct {
	mu      sync.Mutex
	byID    map[string]*model.Account
	byEmail map[string]string
}

func newStubAccountStore() *stubAccountStore {
	return &stubAccountStore{
		byID:    make(map[string]*model.Account),
		byEmail: make(map[string]string),
	}
}

func (s *stubAccountStore) CreateAccount(_ context.Context, account *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	s.byID[account.ID] = account
	s.byEmail[account.EmailHash] = account.ID
	return nil
}

func (s *stubAccountStore) GetAccountByID(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[accountID], nil
}

func (s *stubAccountStore) GetAccountByEmailHash(_ context.Context, emailHash string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[emailHash]
	if !ok {
		return nil, nil
	}
	return s.byID[id], nil
}

func (s *stubAccountStore) UpdateProfile(_ context.Context, _ *model.Account) error { return nil }

func (s *stubAccountStore) SetVerified(_ context.Context, _ string, _ bool) error { return nil }

func (s *stubAccountStore) UpdatePassword(_ context.Context, _, _, _ string, _ int) error {
	return nil
}

func (s *stubAccountStore) UpdateLastLogin(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (s *stubAccountStore) SoftDelete(_ context.Context, _ *model.Account) error { return nil }

func (s *stubAccountStore) BanAccount(_ context.Context, _, _, _ string) error { return nil }

func (s *stubAccountStore) UnbanAccount(_ context.Context, _ string) error { return nil }

func (s *stubAccountStore) SetActive(_ context.Context, _ string, _ bool) error { return nil }

type stubSessionStore struct{}

func (stubSessionStore) CreateSession(_ context.Context, _ *model.Session) error { return nil }
func (stubSessionStore) GetSessionByToken(_ context.Context, _ string) (*model.Session, error) {
	return nil, nil
}
func (stubSessionStore) GetSessionsByAccount(_ context.Context, _ string) ([]*model.Session, error) {
	return nil, nil
}
func (stubSessionStore) DeactivateSession(_ context.Context, _, _, _, _ string) error { return nil }
func (stubSessionStore) DeactivateAll(_ context.Context, _, _, _ string) ([]*model.Session, error) {
	return nil, nil
}
func (stubSessionStore) TouchSession(_ context.Context, _, _ string) error { return nil }

type stubProducer struct{}

func (stubProducer) ProduceMessage(_ context.Context, _ string, _, _ []byte, _ map[string]string) error {
	return nil
}

type stubSink struct{}

func (stubSink) Exec(_ context.Context, _ string, _ ...interface{}) error { return nil }

type stubSearcher struct{}

func (stubSearcher) IndexDocument(_ context.Context, _, _ string, _ interface{}) error { return nil }
func (stubSearcher) Search(_ context.Context, _ string, _ map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func handlerTestConfig() *config.Config {
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
		RateLimit: config.RateLimitConfig{
			RegisterPerIP:   5,
			RegisterWindow:  time.Hour,
			LoginPerIP:      5,
			LoginWindow:     time.Hour,
			OTPResend:       3,
			OTPResendWindow: time.Minute,
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

func newAuthHandlerUnderTest(t *testing.T) *AuthHandler {
	t.Helper()

	cfg := handlerTestConfig()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	redisClient := client.NewRedisClientFromExisting(rdb)

	hasher := hashing.NewHasher(cfg)
	encryptor := encryption.NewEncryptionManager(cfg, nil)
	tokens, err := token.NewManager(cfg)
	require.NoError(t, err)

	sessions := stubSessionStore{}
	monitor := service.NewSecurityMonitorWith(stubSink{}, stubSearcher{}, sessions, "auth-events")
	notifier := service.NewNotifierWithProducer(stubProducer{}, &cfg.Kafka)
	limiter := service.NewRateLimiter(rediscache.NewRateLimitCache(redisClient), &cfg.RateLimit)
	verification := service.NewVerificationService(rediscache.NewVerificationCache(redisClient), hasher, &cfg.Verification)
	sessionService := service.NewSessionService(
		sessions,
		rediscache.NewSessionCache(redisClient),
		rediscache.NewBlacklistCache(redisClient),
		tokens,
		monitor,
		&cfg.Session,
	)
	auth := service.NewAuthService(
		newStubAccountStore(),
		rediscache.NewAccountCache(redisClient, cfg.Session.UserCacheTTL),
		verification,
		sessionService,
		limiter,
		notifier,
		monitor,
		hasher,
		encryptor,
		cfg,
	)

	return NewAuthHandler(auth, sessionService, verification)
}

func postRegister(t *testing.T, h *AuthHandler, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(body))
	h.Register(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, _ := resp.Data.(map[string]interface{})
	return rec, data
}

func TestRegisterResponseSignalsVerification(t *testing.T) {
	h := newAuthHandlerUnderTest(t)
	body := `{"email":"asha@example.com","password":"Sup3rSecret","firstName":"Asha","lastName":"Iyer","role":"student"}`

	// A fresh registration is created but still needs its mailbox proof.
	rec, data := postRegister(t, h, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, data)
	assert.Equal(t, true, data["needsVerification"])
	assert.NotNil(t, data["account"])

	// Registering the same unverified address again refreshes the
	// pending account instead of creating one.
	rec, data = postRegister(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, data)
	assert.Equal(t, true, data["needsVerification"])
}
