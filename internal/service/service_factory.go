package service

import (
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/token"
)

// ServiceFactory wires the caches, stores and collaborators into the
// service singletons.
type ServiceFactory struct {
	cfg       *config.Config
	redis     *client.RedisClient
	producer  *client.KafkaProducer
	clickh    *client.ClickHouseClient
	es        *client.ESClient
	accounts  AccountStore
	sessions  SessionStore
	identity  IdentityStore
	requests  ReactivationStore
	hasher    *hashing.Hasher
	encryptor *encryption.EncryptionManager
	tokens    *token.Manager

	rateLimiter     *RateLimiter
	notifier        *Notifier
	monitor         *SecurityMonitor
	verification    *VerificationService
	sessionService  *SessionService
	authService     *AuthService
	oauthService    *OAuthService
	accountService  *AccountService
	accountCache    *rediscache.AccountCache
	sessionCache    *rediscache.SessionCache
	blacklistCache  *rediscache.BlacklistCache
	rateLimitCache  *rediscache.RateLimitCache
	verifyCache     *rediscache.VerificationCache
	exchangeCache   *rediscache.ExchangeCache
	oauthStateCache *rediscache.OAuthStateCache
	dedupeCache     *rediscache.ReactivationCache
}

func NewServiceFactory(
	cfg *config.Config,
	redis *client.RedisClient,
	producer *client.KafkaProducer,
	clickh *client.ClickHouseClient,
	es *client.ESClient,
	accounts AccountStore,
	sessions SessionStore,
	identity IdentityStore,
	requests ReactivationStore,
	hasher *hashing.Hasher,
	encryptor *encryption.EncryptionManager,
	tokens *token.Manager,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:       cfg,
		redis:     redis,
		producer:  producer,
		clickh:    clickh,
		es:        es,
		accounts:  accounts,
		sessions:  sessions,
		identity:  identity,
		requests:  requests,
		hasher:    hasher,
		encryptor: encryptor,
		tokens:    tokens,
	}
}

func (f *ServiceFactory) AccountCache() *rediscache.AccountCache {
	if f.accountCache == nil {
		f.accountCache = rediscache.NewAccountCache(f.redis, f.cfg.Session.UserCacheTTL)
	}
	return f.accountCache
}

func (f *ServiceFactory) SessionCache() *rediscache.SessionCache {
	if f.sessionCache == nil {
		f.sessionCache = rediscache.NewSessionCache(f.redis)
	}
	return f.sessionCache
}

func (f *ServiceFactory) BlacklistCache() *rediscache.BlacklistCache {
	if f.blacklistCache == nil {
		f.blacklistCache = rediscache.NewBlacklistCache(f.redis)
	}
	return f.blacklistCache
}

func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.rateLimiter == nil {
		if f.rateLimitCache == nil {
			f.rateLimitCache = rediscache.NewRateLimitCache(f.redis)
		}
		f.rateLimiter = NewRateLimiter(f.rateLimitCache, &f.cfg.RateLimit)
	}
	return f.rateLimiter
}

func (f *ServiceFactory) Notifier() *Notifier {
	if f.notifier == nil {
		f.notifier = NewNotifier(f.producer, &f.cfg.Kafka)
	}
	return f.notifier
}

func (f *ServiceFactory) SecurityMonitor() *SecurityMonitor {
	if f.monitor == nil {
		f.monitor = NewSecurityMonitor(f.clickh, f.es, f.sessions, &f.cfg.Elasticsearch)
	}
	return f.monitor
}

func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verification == nil {
		if f.verifyCache == nil {
			f.verifyCache = rediscache.NewVerificationCache(f.redis)
		}
		f.verification = NewVerificationService(f.verifyCache, f.hasher, &f.cfg.Verification)
	}
	return f.verification
}

func (f *ServiceFactory) SessionService() *SessionService {
	if f.sessionService == nil {
		f.sessionService = NewSessionService(
			f.sessions,
			f.SessionCache(),
			f.BlacklistCache(),
			f.tokens,
			f.SecurityMonitor(),
			&f.cfg.Session,
		)
	}
	return f.sessionService
}

func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.accounts,
			f.AccountCache(),
			f.VerificationService(),
			f.SessionService(),
			f.RateLimiter(),
			f.Notifier(),
			f.SecurityMonitor(),
			f.hasher,
			f.encryptor,
			f.cfg,
		)
	}
	return f.authService
}

// Drain waits for background side effects of the built services. Safe
// to call before any service exists.
func (f *ServiceFactory) Drain() {
	if f.authService != nil {
		f.authService.Drain()
	}
}

func (f *ServiceFactory) OAuthService() *OAuthService {
	if f.oauthService == nil {
		if f.exchangeCache == nil {
			f.exchangeCache = rediscache.NewExchangeCache(f.redis)
		}
		if f.oauthStateCache == nil {
			f.oauthStateCache = rediscache.NewOAuthStateCache(f.redis)
		}
		f.oauthService = NewOAuthService(
			f.AuthService(),
			f.SessionService(),
			f.identity,
			f.oauthStateCache,
			f.exchangeCache,
			f.SecurityMonitor(),
			f.cfg,
		)
	}
	return f.oauthService
}

func (f *ServiceFactory) AccountService() *AccountService {
	if f.accountService == nil {
		if f.dedupeCache == nil {
			f.dedupeCache = rediscache.NewReactivationCache(f.redis)
		}
		f.accountService = NewAccountService(
			f.accounts,
			f.AccountCache(),
			f.requests,
			f.dedupeCache,
			f.AuthService(),
			f.SessionService(),
			f.Notifier(),
			f.SecurityMonitor(),
			f.cfg,
		)
	}
	return f.accountService
}
