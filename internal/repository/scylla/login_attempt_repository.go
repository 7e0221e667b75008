package scylla

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/models"
	"session-service/internal/util"
)

// LoginAttemptRepositoryImpl writes immutable attempt rows partitioned by
// email with attempted_at clustering, so the suspicion-window count is a
// single-partition range read.
type LoginAttemptRepositoryImpl struct {
	client *ScyllaClient
}

func NewLoginAttemptRepository(client *ScyllaClient, logger *zap.Logger) *LoginAttemptRepositoryImpl {
	return &LoginAttemptRepositoryImpl{
		client: client,
	}
}

func (r *LoginAttemptRepositoryImpl) CreateAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	query := r.client.Prepared.CreateLoginAttempt.WithContext(ctx).Bind(
		attempt.Email, attempt.AttemptedAt, attempt.ID, attempt.UserID,
		attempt.Status, attempt.IPAddress, attempt.UserAgent,
		attempt.FailureReason, attempt.LocationCountry, attempt.LocationCity,
		attempt.IsSuspicious)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to record login attempt",
			zap.String("email", attempt.Email),
			zap.String("status", attempt.Status),
			zap.Error(err))
		return fmt.Errorf("failed to record login attempt: %w", err)
	}

	util.Debug("Login attempt recorded",
		zap.String("email", attempt.Email),
		zap.String("status", attempt.Status),
		zap.Bool("is_suspicious", attempt.IsSuspicious))

	return nil
}

func (r *LoginAttemptRepositoryImpl) CountRecentByStatus(ctx context.Context, email string, since time.Time, status string) (int, error) {
	var count int

	query := r.client.Prepared.CountRecentByStatus.WithContext(ctx).Bind(email, since, status)
	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count recent attempts: %w", err)
	}

	return count, nil
}

func (r *LoginAttemptRepositoryImpl) ListRecentAttempts(ctx context.Context, email string, limit int) ([]*models.LoginAttempt, error) {
	iter := r.client.Prepared.ListRecentAttempts.WithContext(ctx).Bind(email, limit).Iter()

	var attempts []*models.LoginAttempt
	for {
		attempt := &models.LoginAttempt{}
		if !iter.Scan(&attempt.Email, &attempt.AttemptedAt, &attempt.ID,
			&attempt.UserID, &attempt.Status, &attempt.IPAddress,
			&attempt.UserAgent, &attempt.FailureReason,
			&attempt.LocationCountry, &attempt.LocationCity,
			&attempt.IsSuspicious) {
			break
		}
		attempts = append(attempts, attempt)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list login attempts",
			zap.String("email", email),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list login attempts: %w", err)
	}

	return attempts, nil
}
