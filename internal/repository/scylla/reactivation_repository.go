package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

type ReactivationRepository struct {
	client *ScyllaClient
}

func NewReactivationRepository(client *ScyllaClient) *ReactivationRepository {
	return &ReactivationRepository{
		client: client,
	}
}

// CreateRequest files a reactivation request and its status-partition
// listing row in one logged batch.
func (r *ReactivationRepository) CreateRequest(ctx context.Context, request *model.ReactivationRequest) error {
	if request.ID == "" {
		request.ID = uuid.New().String()
	}
	request.Status = model.ReactivationPending
	request.CreatedAt = time.Now().UTC()

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateReactivation.Statement(),
		request.ID, request.AccountID, request.Reason, request.Status,
		request.ReviewedBy, request.ReviewedAt, request.IP, request.CreatedAt)

	batch.Query(r.client.Prepared.CreateReactivationIdx.Statement(),
		request.Status, request.CreatedAt, request.ID, request.AccountID)

	batch.Query(r.client.Prepared.CreateReactivationByAcct.Statement(),
		request.AccountID, request.CreatedAt, request.ID, request.Status)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create reactivation request",
			zap.String("account_id", request.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to create reactivation request: %w", err)
	}

	util.Info("Reactivation request filed",
		zap.String("request_id", request.ID),
		zap.String("account_id", request.AccountID))

	return nil
}

// GetRequest returns a request by id, or (nil, nil) when unknown.
func (r *ReactivationRepository) GetRequest(ctx context.Context, requestID string) (*model.ReactivationRequest, error) {
	request := &model.ReactivationRequest{}
	var reviewedAt time.Time

	query := r.client.Prepared.GetReactivation.WithContext(ctx).Bind(requestID)

	err := r.client.ScanWithRetry(query,
		&request.ID, &request.AccountID, &request.Reason, &request.Status,
		&request.ReviewedBy, &reviewedAt, &request.IP, &request.CreatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reactivation request: %w", err)
	}

	request.ReviewedAt = nullableTime(reviewedAt)
	return request, nil
}

// GetLatestByAccount returns the account's most recent request, or
// (nil, nil) when none was ever filed.
func (r *ReactivationRepository) GetLatestByAccount(ctx context.Context, accountID string) (*model.ReactivationRequest, error) {
	var createdAt time.Time
	var requestID, status string

	query := r.client.Prepared.GetLatestReactivation.WithContext(ctx).Bind(accountID)

	if err := r.client.ScanWithRetry(query, &accountID, &createdAt, &requestID, &status); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest reactivation request: %w", err)
	}

	return r.GetRequest(ctx, requestID)
}

// ListByStatus returns the newest requests in a status partition.
func (r *ReactivationRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*model.ReactivationRequest, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := r.client.Prepared.ListReactivations.WithContext(ctx).Bind(status, limit).Iter()

	var requests []*model.ReactivationRequest
	for {
		var createdAt time.Time
		var requestID, accountID, st string
		if !iter.Scan(&st, &createdAt, &requestID, &accountID) {
			break
		}
		requests = append(requests, &model.ReactivationRequest{
			ID:        requestID,
			AccountID: accountID,
			Status:    st,
			CreatedAt: createdAt,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list reactivation requests: %w", err)
	}
	return requests, nil
}

// Decide moves a pending request to APPROVED or REJECTED, repartitioning
// the listing row.
func (r *ReactivationRepository) Decide(ctx context.Context, request *model.ReactivationRequest, status, reviewedBy string) error {
	now := time.Now().UTC()

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.DecideReactivation.Statement(),
		status, reviewedBy, now, request.ID)
	batch.Query(r.client.Prepared.DeleteReactivationIdx.Statement(),
		model.ReactivationPending, request.CreatedAt, request.ID)
	batch.Query(r.client.Prepared.CreateReactivationIdx.Statement(),
		status, request.CreatedAt, request.ID, request.AccountID)
	batch.Query(r.client.Prepared.CreateReactivationByAcct.Statement(),
		request.AccountID, request.CreatedAt, request.ID, status)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to decide reactivation request",
			zap.String("request_id", request.ID),
			zap.String("status", status),
			zap.Error(err))
		return fmt.Errorf("failed to decide reactivation request: %w", err)
	}

	request.Status = status
	request.ReviewedBy = reviewedBy
	request.ReviewedAt = &now

	util.Info("Reactivation request decided",
		zap.String("request_id", request.ID),
		zap.String("status", status),
		zap.String("reviewed_by", reviewedBy))

	return nil
}
