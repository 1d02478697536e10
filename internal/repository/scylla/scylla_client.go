package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// PreparedStatements holds the statements the repositories actually bind.
type PreparedStatements struct {
	CreateAccount        *gocql.Query
	CreateEmailToAccount *gocql.Query
	GetAccountByID       *gocql.Query
	GetAccountByEmail    *gocql.Query
	UpdateAccountProfile *gocql.Query
	UpdateVerified       *gocql.Query
	UpdatePassword       *gocql.Query
	UpdateLastLogin      *gocql.Query
	SoftDeleteAccount    *gocql.Query
	SetBanState          *gocql.Query
	SetActiveState       *gocql.Query

	CreateStudentProfile    *gocql.Query
	CreateInstructorProfile *gocql.Query

	CreateSession        *gocql.Query
	CreateSessionByToken *gocql.Query
	GetSessionByToken    *gocql.Query
	GetSessionsByAccount *gocql.Query
	DeactivateSession    *gocql.Query
	DeactivateByToken    *gocql.Query
	TouchSession         *gocql.Query

	CreateIdentity        *gocql.Query
	GetIdentity           *gocql.Query
	GetIdentityByAccount  *gocql.Query
	CreateExchangeCode    *gocql.Query
	MarkExchangeCodeUsed  *gocql.Query
	CreateReactivation       *gocql.Query
	CreateReactivationIdx    *gocql.Query
	CreateReactivationByAcct *gocql.Query
	GetReactivation          *gocql.Query
	GetLatestReactivation    *gocql.Query
	ListReactivations        *gocql.Query
	DecideReactivation       *gocql.Query
	DeleteReactivationIdx    *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateAccount = s.Session.Query(`
    INSERT INTO accounts (
        bucket, account_id, email_hash, email_encrypted, email_key_id,
        first_name, last_name, password_hash, password_salt, pepper_version,
        role, is_verified, is_active, is_banned, banned_by, banned_reason,
        banned_at, image_url, image_public_id, last_login, deleted_at,
        created_at, updated_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateEmailToAccount = s.Session.Query(`
        INSERT INTO email_to_account (email_hash, bucket, account_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.GetAccountByID = s.Session.Query(`
        SELECT bucket, account_id, email_hash, email_encrypted, email_key_id,
            first_name, last_name, password_hash, password_salt, pepper_version,
            role, is_verified, is_active, is_banned, banned_by, banned_reason,
            banned_at, image_url, image_public_id, last_login, deleted_at,
            created_at, updated_at
        FROM accounts WHERE bucket = ? AND account_id = ?`)

	prepared.GetAccountByEmail = s.Session.Query(`
        SELECT bucket, account_id FROM email_to_account WHERE email_hash = ?`)

	prepared.UpdateAccountProfile = s.Session.Query(`
        UPDATE accounts SET first_name = ?, last_name = ?, image_url = ?,
            image_public_id = ?, updated_at = ?
        WHERE bucket = ? AND account_id = ?`)

	prepared.UpdateVerified = s.Session.Query(`
        UPDATE accounts SET is_verified = ?, updated_at = ?
        WHERE bucket = ? AND account_id = ?`)

	prepared.UpdatePassword = s.Session.Query(`
        UPDATE accounts SET password_hash = ?, password_salt = ?, pepper_version = ?, updated_at = ?
        WHERE bucket = ? AND account_id = ?`)

	prepared.UpdateLastLogin = s.Session.Query(`
        UPDATE accounts SET last_login = ? WHERE bucket = ? AND account_id = ?`)

	prepared.SoftDeleteAccount = s.Session.Query(`
        UPDATE accounts SET deleted_at = ?, is_active = ?, first_name = ?, last_name = ?,
            email_encrypted = ?, image_url = ?, image_public_id = ?, updated_at = ?
        WHERE bucket = ? AND account_id = ?`)

	prepared.SetBanState = s.Session.Query(`
        UPDATE accounts SET is_banned = ?, banned_by = ?, banned_reason = ?, banned_at = ?, updated_at = ?
        WHERE bucket = ? AND account_id = ?`)

	prepared.SetActiveState = s.Session.Query(`
        UPDATE accounts SET is_active = ?, updated_at = ?
        WHERE bucket = ? AND account_id = ?`)

	prepared.CreateStudentProfile = s.Session.Query(`
        INSERT INTO student_profiles (account_id, enrolled_count, created_at)
        VALUES (?, 0, ?)`)

	prepared.CreateInstructorProfile = s.Session.Query(`
        INSERT INTO instructor_profiles (account_id, course_count, created_at)
        VALUES (?, 0, ?)`)

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO sessions (
            account_id, session_id, token, device, os, browser, ip,
            is_active, revoked_reason, created_at, expires_at, last_activity
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateSessionByToken = s.Session.Query(`
        INSERT INTO sessions_by_token (
            token, account_id, session_id, device, os, browser, ip,
            is_active, revoked_reason, created_at, expires_at, last_activity
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetSessionByToken = s.Session.Query(`
        SELECT token, account_id, session_id, device, os, browser, ip,
            is_active, revoked_reason, created_at, expires_at, last_activity
        FROM sessions_by_token WHERE token = ?`)

	prepared.GetSessionsByAccount = s.Session.Query(`
        SELECT account_id, session_id, token, device, os, browser, ip,
            is_active, revoked_reason, created_at, expires_at, last_activity
        FROM sessions WHERE account_id = ?`)

	prepared.DeactivateSession = s.Session.Query(`
        UPDATE sessions SET is_active = ?, revoked_reason = ?, last_activity = ?
        WHERE account_id = ? AND session_id = ?`)

	prepared.DeactivateByToken = s.Session.Query(`
        UPDATE sessions_by_token SET is_active = ?, revoked_reason = ?, last_activity = ?
        WHERE token = ?`)

	prepared.TouchSession = s.Session.Query(`
        UPDATE sessions SET last_activity = ? WHERE account_id = ? AND session_id = ?`)

	prepared.CreateIdentity = s.Session.Query(`
        INSERT INTO oauth_identities (provider, provider_user_id, account_id, linked_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.GetIdentity = s.Session.Query(`
        SELECT provider, provider_user_id, account_id, linked_at
        FROM oauth_identities WHERE provider = ? AND provider_user_id = ?`)

	prepared.GetIdentityByAccount = s.Session.Query(`
        SELECT provider, provider_user_id, account_id, linked_at
        FROM oauth_identities_by_account WHERE account_id = ?`)

	prepared.CreateExchangeCode = s.Session.Query(`
        INSERT INTO exchange_codes (code, account_id, used, expires_at, created_at)
        VALUES (?, ?, ?, ?, ?)`)

	prepared.MarkExchangeCodeUsed = s.Session.Query(`
        UPDATE exchange_codes SET used = ? WHERE code = ?`)

	prepared.CreateReactivation = s.Session.Query(`
        INSERT INTO reactivation_requests (
            request_id, account_id, reason, status, reviewed_by, reviewed_at, ip, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateReactivationIdx = s.Session.Query(`
        INSERT INTO reactivation_requests_by_status (status, created_at, request_id, account_id)
        VALUES (?, ?, ?, ?)`)

	prepared.CreateReactivationByAcct = s.Session.Query(`
        INSERT INTO reactivation_requests_by_account (account_id, created_at, request_id, status)
        VALUES (?, ?, ?, ?)`)

	prepared.GetLatestReactivation = s.Session.Query(`
        SELECT account_id, created_at, request_id, status
        FROM reactivation_requests_by_account WHERE account_id = ? LIMIT 1`)

	prepared.GetReactivation = s.Session.Query(`
        SELECT request_id, account_id, reason, status, reviewed_by, reviewed_at, ip, created_at
        FROM reactivation_requests WHERE request_id = ?`)

	prepared.ListReactivations = s.Session.Query(`
        SELECT status, created_at, request_id, account_id
        FROM reactivation_requests_by_status WHERE status = ? LIMIT ?`)

	prepared.DecideReactivation = s.Session.Query(`
        UPDATE reactivation_requests SET status = ?, reviewed_by = ?, reviewed_at = ?
        WHERE request_id = ?`)

	prepared.DeleteReactivationIdx = s.Session.Query(`
        DELETE FROM reactivation_requests_by_status
        WHERE status = ? AND created_at = ? AND request_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
