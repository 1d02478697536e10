package model

import "time"

// Account roles. Registration and the OAuth pending-role flow only accept
// STUDENT and INSTRUCTOR; ADMIN accounts are provisioned out of band.
const (
	RoleStudent    = "STUDENT"
	RoleInstructor = "INSTRUCTOR"
	RoleAdmin      = "ADMIN"
)

// Verification artifact purposes.
const (
	PurposeRegistration  = "registration"
	PurposePasswordReset = "password_reset"
)

// Reactivation request states.
const (
	ReactivationPending  = "PENDING"
	ReactivationApproved = "APPROVED"
	ReactivationRejected = "REJECTED"
)

// -------------------- ACCOUNT --------------------

// Account is the authoritative identity record. The email address is
// stored envelope-encrypted; the SHA-256 hash of the normalized address
// is the lookup key. Email carries the plaintext only in memory.
type Account struct {
	Bucket         int        `json:"-" db:"bucket"`
	ID             string     `json:"id" db:"account_id"` // UUID
	Email          string     `json:"email,omitempty" db:"-"`
	EmailHash      string     `json:"-" db:"email_hash"`
	EmailEncrypted []byte     `json:"-" db:"email_encrypted"`
	EmailKeyID     string     `json:"-" db:"email_key_id"`
	FirstName      string     `json:"firstName" db:"first_name"`
	LastName       string     `json:"lastName" db:"last_name"`
	PasswordHash   string     `json:"-" db:"password_hash"`
	PasswordSalt   string     `json:"-" db:"password_salt"`
	PepperVersion  int        `json:"-" db:"pepper_version"`
	Role           string     `json:"role" db:"role"`
	IsVerified     bool       `json:"isVerified" db:"is_verified"`
	IsActive       bool       `json:"isActive" db:"is_active"`
	IsBanned       bool       `json:"isBanned" db:"is_banned"`
	BannedBy       string     `json:"-" db:"banned_by"`
	BannedReason   string     `json:"bannedReason,omitempty" db:"banned_reason"`
	BannedAt       *time.Time `json:"bannedAt,omitempty" db:"banned_at"`
	ImageURL       string     `json:"imageUrl,omitempty" db:"image_url"`
	ImagePublicID  string     `json:"-" db:"image_public_id"`
	LastLogin      *time.Time `json:"lastLogin,omitempty" db:"last_login"`
	DeletedAt      *time.Time `json:"-" db:"deleted_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
}

func (a *Account) IsDeleted() bool {
	return a.DeletedAt != nil
}

// -------------------- SESSION --------------------

// Session is one durable row per issued bearer token. The cache entry
// keyed by the token itself is the fast-path validity check; this row is
// ground truth for device listing and audits.
type Session struct {
	ID            string    `json:"id" db:"session_id"` // UUID (token jti)
	AccountID     string    `json:"-" db:"account_id"`
	Token         string    `json:"-" db:"token"`
	Device        string    `json:"device" db:"device"`
	OS            string    `json:"os" db:"os"`
	Browser       string    `json:"browser" db:"browser"`
	IP            string    `json:"ip" db:"ip"`
	IsActive      bool      `json:"isActive" db:"is_active"`
	RevokedReason string    `json:"-" db:"revoked_reason"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	ExpiresAt     time.Time `json:"expiresAt" db:"expires_at"`
	LastActivity  time.Time `json:"lastActivity" db:"last_activity"`
	Current       bool      `json:"current" db:"-"`
}

// -------------------- SESSION CACHE ENTRY --------------------

// SessionMeta is the JSON payload mirrored into the cache under
// session:{token}.
type SessionMeta struct {
	SessionID string    `json:"sessionId"`
	AccountID string    `json:"accountId"`
	Device    string    `json:"device"`
	OS        string    `json:"os"`
	Browser   string    `json:"browser"`
	IP        string    `json:"ip"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// -------------------- VERIFICATION ARTIFACT --------------------

// OTPArtifact is the cache payload under otp:{email}. The code itself is
// stored only as an argon2id hash.
type OTPArtifact struct {
	CodeHash      string    `json:"codeHash"`
	Salt          string    `json:"salt"`
	PepperVersion int       `json:"pepperVersion"`
	Purpose       string    `json:"purpose"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// LinkTokenArtifact is the cache payload under verification_token:{token}.
type LinkTokenArtifact struct {
	Email     string    `json:"email"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// -------------------- OAUTH --------------------

// OAuthIdentity links an external provider subject to a local account.
type OAuthIdentity struct {
	Provider       string    `json:"provider" db:"provider"`
	ProviderUserID string    `json:"-" db:"provider_user_id"`
	AccountID      string    `json:"-" db:"account_id"`
	LinkedAt       time.Time `json:"linkedAt" db:"linked_at"`
}

// ExternalProfile is what an OAuth provider callback resolves to.
type ExternalProfile struct {
	Provider   string
	ProviderID string
	Email      string
	FirstName  string
	LastName   string
	ImageURL   string
	Verified   bool
}

// ExchangeCode is the one-time code handed back from the OAuth callback
// redirect, redeemed for a real session token. Single use, 5-minute TTL.
type ExchangeCode struct {
	Code      string    `json:"code" db:"code"`
	AccountID string    `json:"accountId" db:"account_id"`
	Token     string    `json:"token" db:"-"` // cache payload only, never persisted
	Used      bool      `json:"-" db:"used"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// -------------------- REACTIVATION --------------------

// ReactivationRequest is filed by a banned or deactivated account holder
// and reviewed by an administrator.
type ReactivationRequest struct {
	ID         string     `json:"id" db:"request_id"`
	AccountID  string     `json:"accountId" db:"account_id"`
	Reason     string     `json:"reason" db:"reason"`
	Status     string     `json:"status" db:"status"`
	ReviewedBy string     `json:"reviewedBy,omitempty" db:"reviewed_by"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty" db:"reviewed_at"`
	IP         string     `json:"-" db:"ip"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
}

// -------------------- SECURITY EVENTS --------------------

// Event types recorded by the security monitor.
const (
	EventLogin          = "login"
	EventLogout         = "logout"
	EventRegister       = "register"
	EventVerify         = "verify"
	EventPasswordReset  = "password_reset"
	EventBulkInvalidate = "bulk_invalidate"
	EventNewDevice      = "new_device"
	EventBan            = "ban"
	EventUnban          = "unban"
	EventAccountDelete  = "account_delete"
	EventOAuthLogin     = "oauth_login"
)

// SecurityEvent is the append-only audit record written to ClickHouse and
// indexed in Elasticsearch for the new-device lookback.
type SecurityEvent struct {
	EventID     string    `json:"event_id"`
	AccountID   string    `json:"account_id"`
	EventType   string    `json:"event_type"`
	IP          string    `json:"ip"`
	Fingerprint string    `json:"fingerprint"`
	RequestID   string    `json:"request_id"`
	Detail      string    `json:"detail"`
	OccurredAt  time.Time `json:"occurred_at"`
}
