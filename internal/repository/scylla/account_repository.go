package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccountRepository {
	return &AccountRepository{
		client:  client,
		buckets: buckets,
	}
}

// CreateAccount writes the account row, the email lookup row and the
// role profile row in one logged batch so a half-created account can
// never be observed.
func (r *AccountRepository) CreateAccount(ctx context.Context, account *model.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.Bucket = r.buckets.AccountBucket(account.ID)

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateAccount.Statement(),
		account.Bucket, account.ID, account.EmailHash, account.EmailEncrypted, account.EmailKeyID,
		account.FirstName, account.LastName, account.PasswordHash, account.PasswordSalt, account.PepperVersion,
		account.Role, account.IsVerified, account.IsActive, account.IsBanned, account.BannedBy, account.BannedReason,
		account.BannedAt, account.ImageURL, account.ImagePublicID, account.LastLogin, account.DeletedAt,
		account.CreatedAt, account.UpdatedAt)

	batch.Query(r.client.Prepared.CreateEmailToAccount.Statement(),
		account.EmailHash, account.Bucket, account.ID, account.CreatedAt)

	switch account.Role {
	case model.RoleInstructor:
		batch.Query(r.client.Prepared.CreateInstructorProfile.Statement(),
			account.ID, account.CreatedAt)
	default:
		batch.Query(r.client.Prepared.CreateStudentProfile.Statement(),
			account.ID, account.CreatedAt)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create account",
			zap.String("account_id", account.ID),
			zap.String("role", account.Role),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created",
		zap.String("account_id", account.ID),
		zap.String("role", account.Role))

	return nil
}

func (r *AccountRepository) GetAccountByID(ctx context.Context, accountID string) (*model.Account, error) {
	bucket := r.buckets.AccountBucket(accountID)

	account := &model.Account{}
	var bannedAt, lastLogin, deletedAt time.Time

	query := r.client.Prepared.GetAccountByID.WithContext(ctx).Bind(bucket, accountID)

	err := r.client.ScanWithRetry(query,
		&account.Bucket, &account.ID, &account.EmailHash, &account.EmailEncrypted, &account.EmailKeyID,
		&account.FirstName, &account.LastName, &account.PasswordHash, &account.PasswordSalt, &account.PepperVersion,
		&account.Role, &account.IsVerified, &account.IsActive, &account.IsBanned, &account.BannedBy, &account.BannedReason,
		&bannedAt, &account.ImageURL, &account.ImagePublicID, &lastLogin, &deletedAt,
		&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get account by ID",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get account by ID: %w", err)
	}

	account.BannedAt = nullableTime(bannedAt)
	account.LastLogin = nullableTime(lastLogin)
	account.DeletedAt = nullableTime(deletedAt)

	return account, nil
}

// GetAccountByEmailHash resolves the lookup row, then loads the account
// row. Returns (nil, nil) when no account owns the hash.
func (r *AccountRepository) GetAccountByEmailHash(ctx context.Context, emailHash string) (*model.Account, error) {
	var bucket int
	var accountID string

	query := r.client.Prepared.GetAccountByEmail.WithContext(ctx).Bind(emailHash)

	if err := r.client.ScanWithRetry(query, &bucket, &accountID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve email hash: %w", err)
	}

	return r.GetAccountByID(ctx, accountID)
}

func (r *AccountRepository) UpdateProfile(ctx context.Context, account *model.Account) error {
	bucket := r.buckets.AccountBucket(account.ID)
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateAccountProfile.WithContext(ctx).Bind(
		account.FirstName, account.LastName, account.ImageURL,
		account.ImagePublicID, now, bucket, account.ID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

func (r *AccountRepository) SetVerified(ctx context.Context, accountID string, verified bool) error {
	bucket := r.buckets.AccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateVerified.WithContext(ctx).Bind(verified, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update verification status",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to update verification status: %w", err)
	}

	util.Info("Account verification updated",
		zap.String("account_id", accountID),
		zap.Bool("is_verified", verified))
	return nil
}

func (r *AccountRepository) UpdatePassword(ctx context.Context, accountID, hash, salt string, pepperVersion int) error {
	bucket := r.buckets.AccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.UpdatePassword.WithContext(ctx).Bind(hash, salt, pepperVersion, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	util.Info("Account password updated", zap.String("account_id", accountID))
	return nil
}

func (r *AccountRepository) UpdateLastLogin(ctx context.Context, accountID string, at time.Time) error {
	bucket := r.buckets.AccountBucket(accountID)

	query := r.client.Prepared.UpdateLastLogin.WithContext(ctx).Bind(at, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// SoftDelete anonymizes the account in place: the row survives for
// referential integrity but the name, encrypted email and image are
// cleared. The email lookup row is removed so the address can register
// again.
func (r *AccountRepository) SoftDelete(ctx context.Context, account *model.Account) error {
	bucket := r.buckets.AccountBucket(account.ID)
	now := time.Now().UTC()

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.SoftDeleteAccount.Statement(),
		now, false, "", "", []byte(nil), "", "", now, bucket, account.ID)

	batch.Query(`DELETE FROM email_to_account WHERE email_hash = ?`, account.EmailHash)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to soft delete account",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return fmt.Errorf("failed to soft delete account: %w", err)
	}

	util.Info("Account soft deleted", zap.String("account_id", account.ID))
	return nil
}

func (r *AccountRepository) BanAccount(ctx context.Context, accountID, bannedBy, reason string) error {
	bucket := r.buckets.AccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.SetBanState.WithContext(ctx).Bind(
		true, bannedBy, reason, now, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to ban account: %w", err)
	}

	util.Warn("Account banned",
		zap.String("account_id", accountID),
		zap.String("banned_by", bannedBy),
		zap.String("reason", reason))
	return nil
}

func (r *AccountRepository) UnbanAccount(ctx context.Context, accountID string) error {
	bucket := r.buckets.AccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.SetBanState.WithContext(ctx).Bind(
		false, "", "", time.Time{}, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to unban account: %w", err)
	}

	util.Info("Account unbanned", zap.String("account_id", accountID))
	return nil
}

func (r *AccountRepository) SetActive(ctx context.Context, accountID string, active bool) error {
	bucket := r.buckets.AccountBucket(accountID)
	now := time.Now().UTC()

	query := r.client.Prepared.SetActiveState.WithContext(ctx).Bind(active, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		return fmt.Errorf("failed to update active state: %w", err)
	}

	util.Info("Account active state updated",
		zap.String("account_id", accountID),
		zap.Bool("is_active", active))
	return nil
}

// nullableTime converts gocql's zero-valued timestamps back to nil.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
