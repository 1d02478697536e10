package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration, loaded once from the environment
// and passed explicitly to every component. There is no global accessor.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Token         TokenConfig
	OAuth         OAuthConfig
	Bucketing     BucketingConfig
	RateLimit     RateLimitConfig
	Verification  VerificationConfig
	Session       SessionConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	PublicURL    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	CAPath   string
	CertPath string
	KeyPath  string
}

type KafkaConfig struct {
	Brokers           []string
	EmailTopic        string
	NotificationTopic string
	SecurityTopic     string
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	EventIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
	PepperSecret       string
}

type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GithubClientID     string
	GithubClientSecret string
	CallbackBaseURL    string
	SuccessRedirectURL string
	FailureRedirectURL string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type RateLimitConfig struct {
	RegisterPerIP   int
	RegisterWindow  time.Duration
	LoginPerIP      int
	LoginWindow     time.Duration
	OTPResend       int
	OTPResendWindow time.Duration
	ResetPerIP      int
	ResetPerEmail   int
	ResetWindow     time.Duration
}

type VerificationConfig struct {
	OTPTTL         time.Duration
	ResetOTPTTL    time.Duration
	LinkTokenTTL   time.Duration
	MaxOTPAttempts int
}

type SessionConfig struct {
	TTL             time.Duration
	MaxPerAccount   int
	ExchangeCodeTTL time.Duration
	UserCacheTTL    time.Duration
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	env := getEnv("APP_ENV", "development")

	return &Config{
		Environment: env,
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getInt("SERVER_PORT", 8080),
			TLSPort:      getInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getBool("SERVER_AUTO_CERT", false),
			AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/lib/identity/autocert"),
			Domain:       getEnv("SERVER_DOMAIN", ""),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			PublicURL:    getEnv("SERVER_PUBLIC_URL", "http://localhost:8080"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getList("SCYLLA_NODES", "127.0.0.1:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			CAPath:   getEnv("SCYLLA_CA_PATH", "/etc/identity/certs/ca.pem"),
			CertPath: getEnv("SCYLLA_CERT_PATH", "/etc/identity/certs/server.pem"),
			KeyPath:  getEnv("SCYLLA_KEY_PATH", "/etc/identity/certs/server.key"),
		},
		Kafka: KafkaConfig{
			Brokers:           getList("KAFKA_BROKERS", "localhost:9092"),
			EmailTopic:        getEnv("KAFKA_EMAIL_TOPIC", "auth.emails"),
			NotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "auth.notifications"),
			SecurityTopic:     getEnv("KAFKA_SECURITY_TOPIC", "auth.security"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			EventIndex: getEnv("ELASTICSEARCH_EVENT_INDEX", "auth-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
		},
		KMS: KMSConfig{
			Enabled: getBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:   getInt("ARGON2_MEMORY_COST", 65536),
			Argon2TimeCost:     getInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism:  getInt("ARGON2_PARALLELISM", 2),
			PepperRotationDays: getInt("PEPPER_ROTATION_DAYS", 90),
			PepperSecret:       getEnv("PEPPER_SECRET", ""),
		},
		Token: TokenConfig{
			Secret:   getEnv("TOKEN_SECRET", ""),
			Issuer:   getEnv("TOKEN_ISSUER", "identity-service"),
			Audience: getEnv("TOKEN_AUDIENCE", "learning-platform"),
			TTL:      getDuration("TOKEN_TTL", 30*24*time.Hour),
		},
		OAuth: OAuthConfig{
			GoogleClientID:     getEnv("OAUTH_GOOGLE_CLIENT_ID", ""),
			GoogleClientSecret: getEnv("OAUTH_GOOGLE_CLIENT_SECRET", ""),
			GithubClientID:     getEnv("OAUTH_GITHUB_CLIENT_ID", ""),
			GithubClientSecret: getEnv("OAUTH_GITHUB_CLIENT_SECRET", ""),
			CallbackBaseURL:    getEnv("OAUTH_CALLBACK_BASE_URL", "http://localhost:8080/api/v1/auth/oauth"),
			SuccessRedirectURL: getEnv("OAUTH_SUCCESS_REDIRECT_URL", "http://localhost:3000/oauth/success"),
			FailureRedirectURL: getEnv("OAUTH_FAILURE_REDIRECT_URL", "http://localhost:3000/oauth/failure"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getInt("USER_BUCKETS", 64),
			EventBuckets: getInt("EVENT_BUCKETS", 16),
		},
		RateLimit: RateLimitConfig{
			RegisterPerIP:   getInt("RATE_REGISTER_PER_IP", 5),
			RegisterWindow:  getDuration("RATE_REGISTER_WINDOW", time.Hour),
			LoginPerIP:      getInt("RATE_LOGIN_PER_IP", 10),
			LoginWindow:     getDuration("RATE_LOGIN_WINDOW", time.Hour),
			OTPResend:       getInt("RATE_OTP_RESEND", 3),
			OTPResendWindow: getDuration("RATE_OTP_RESEND_WINDOW", 60*time.Second),
			ResetPerIP:      getInt("RATE_RESET_PER_IP", 5),
			ResetPerEmail:   getInt("RATE_RESET_PER_EMAIL", 3),
			ResetWindow:     getDuration("RATE_RESET_WINDOW", time.Hour),
		},
		Verification: VerificationConfig{
			OTPTTL:         getDuration("OTP_TTL", 10*time.Minute),
			ResetOTPTTL:    getDuration("RESET_OTP_TTL", 15*time.Minute),
			LinkTokenTTL:   getDuration("LINK_TOKEN_TTL", 10*time.Minute),
			MaxOTPAttempts: getInt("MAX_OTP_ATTEMPTS", 3),
		},
		Session: SessionConfig{
			TTL:             getDuration("SESSION_TTL", 30*24*time.Hour),
			MaxPerAccount:   getInt("SESSION_MAX_PER_ACCOUNT", 10),
			ExchangeCodeTTL: getDuration("EXCHANGE_CODE_TTL", 5*time.Minute),
			UserCacheTTL:    getDuration("USER_CACHE_TTL", 15*time.Minute),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
