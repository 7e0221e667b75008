package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"session-service/internal/models"
	"session-service/internal/util"
)

// MFARepositoryImpl stores the singleton per-user MFA row. Enable/disable go
// through a plain upsert (last writer wins, per the caller-facing contract);
// code consumption is a compare-and-set on the usage counter so one code can
// never be consumed twice.
type MFARepositoryImpl struct {
	client *ScyllaClient
}

func NewMFARepository(client *ScyllaClient, logger *zap.Logger) *MFARepositoryImpl {
	return &MFARepositoryImpl{
		client: client,
	}
}

func (r *MFARepositoryImpl) GetSettings(ctx context.Context, userBucket int, userID string) (*models.MFASettings, error) {
	settings := &models.MFASettings{}

	query := r.client.Prepared.GetMFASettings.WithContext(ctx).Bind(userBucket, userID)
	err := r.client.ScanWithRetry(query,
		&settings.UserBucket, &settings.UserID, &settings.ID,
		&settings.IsEnabled, &settings.BackupCodes, &settings.UsedCodes,
		&settings.RecoveryCodesUsed, &settings.LastUsedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get MFA settings",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get MFA settings: %w", err)
	}

	return settings, nil
}

func (r *MFARepositoryImpl) UpsertSettings(ctx context.Context, settings *models.MFASettings) error {
	query := r.client.Prepared.UpsertMFASettings.WithContext(ctx).Bind(
		settings.UserBucket, settings.UserID, settings.ID,
		settings.IsEnabled, settings.BackupCodes, settings.UsedCodes,
		settings.RecoveryCodesUsed, settings.LastUsedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert MFA settings",
			zap.String("user_id", settings.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to upsert MFA settings: %w", err)
	}

	util.Info("MFA settings updated",
		zap.String("user_id", settings.UserID),
		zap.Bool("is_enabled", settings.IsEnabled))

	return nil
}

// ConsumeCode marks one backup code hash as used. The LWT guard on the
// observed counter rejects concurrent consumption of the same code set
// state; the caller re-reads and retries on applied=false.
func (r *MFARepositoryImpl) ConsumeCode(ctx context.Context, settings *models.MFASettings, usedHash string, usedAt time.Time) (bool, error) {
	query := r.client.Session.Query(`
        UPDATE user_mfa_settings
        SET used_codes = used_codes + ?, recovery_codes_used = ?, last_used_at = ?
        WHERE user_bucket = ? AND user_id = ?
        IF recovery_codes_used = ?`,
		[]string{usedHash}, settings.RecoveryCodesUsed+1, usedAt,
		settings.UserBucket, settings.UserID,
		settings.RecoveryCodesUsed).WithContext(ctx)

	var observedCount int
	applied, err := query.ScanCAS(&observedCount)
	if err != nil {
		util.Error("Failed to consume backup code",
			zap.String("user_id", settings.UserID),
			zap.Error(err))
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}

	return applied, nil
}
