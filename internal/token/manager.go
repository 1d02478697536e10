package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"identity-service/internal/config"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims carried by every bearer token. SessionID doubles as the durable
// session row id, so a parsed token is enough to find its session.
type Claims struct {
	AccountID string `json:"uid"`
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Manager mints and validates signed, time-bound bearer tokens. Tokens
// are self-verifying; revocation before natural expiry is the blacklist's
// job, not this package's.
type Manager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg.Token.Secret == "" {
		return nil, errors.New("token secret is not configured")
	}
	if cfg.Token.TTL <= 0 {
		return nil, errors.New("token TTL must be positive")
	}

	return &Manager{
		secret:   []byte(cfg.Token.Secret),
		issuer:   cfg.Token.Issuer,
		audience: cfg.Token.Audience,
		ttl:      cfg.Token.TTL,
	}, nil
}

// Mint issues a token for the given account and session. The returned
// expiry is embedded in the token and later drives blacklist TTLs.
func (m *Manager) Mint(accountID, sessionID, role string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		AccountID: accountID,
		SessionID: sessionID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// Parse validates signature, issuer, audience and expiry, returning the
// claims on success.
func (m *Manager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// RemainingLifetime reports how long the token stays naturally valid.
// A blacklist entry for this token needs exactly this TTL: shorter would
// resurrect the token, longer wastes cache memory.
func (c *Claims) RemainingLifetime() time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	remaining := time.Until(c.ExpiresAt.Time)
	if remaining < 0 {
		return 0
	}
	return remaining
}
