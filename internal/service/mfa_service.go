package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/bucketing"
	"session-service/internal/config"
	"session-service/internal/hashing"
	"session-service/internal/models"
	"session-service/internal/repository/scylla"
)

// MFAStatus is the caller-facing view of a user's MFA state. It never
// exposes code material, hashed or otherwise.
type MFAStatus struct {
	Enabled        bool       `json:"enabled"`
	CodesRemaining int        `json:"codes_remaining"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// MFAService manages per-user multi-factor settings and backup codes.
// Enable issues a fresh batch of codes and returns the plaintext exactly
// once; only argon2id hashes are ever stored. Each code verifies at most
// once.
type MFAService interface {
	Enable(ctx context.Context, userID string) ([]string, error)
	Disable(ctx context.Context, userID string) error
	VerifyBackupCode(ctx context.Context, userID, code string) error
	Status(ctx context.Context, userID string) (*MFAStatus, error)
}

type MFAServiceImpl struct {
	mfaRepo   scylla.MFARepository
	hasher    *hashing.Hasher
	bucketing *bucketing.BucketingManager
	audit     AuditService
	config    *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewMFAService(
	mfaRepo scylla.MFARepository,
	hasher *hashing.Hasher,
	bucketingManager *bucketing.BucketingManager,
	audit AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) *MFAServiceImpl {
	return &MFAServiceImpl{
		mfaRepo:   mfaRepo,
		hasher:    hasher,
		bucketing: bucketingManager,
		audit:     audit,
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func generateBackupCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %w", err)
	}
	encoded := codeEncoding.EncodeToString(raw)
	return encoded[:8] + "-" + encoded[8:], nil
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Enable turns MFA on and issues a fresh backup code batch. Calling it again
// while enabled regenerates the batch: the old codes stop working and the
// usage counter resets. The returned plaintext codes are shown once and
// never recoverable afterwards.
func (s *MFAServiceImpl) Enable(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}

	userBucket := s.bucketing.GetUserBucket(userID)

	settingsID := uuid.New().String()
	if existing, err := s.mfaRepo.GetSettings(ctx, userBucket, userID); err == nil {
		settingsID = existing.ID
	} else if err != scylla.ErrNotFound {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	plaintext := make([]string, 0, models.BackupCodeCount)
	hashes := make([]string, 0, models.BackupCodeCount)
	for i := 0; i < models.BackupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}

		result, err := s.hasher.HashBackupCode(code)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		encoded, err := hashing.EncodeHashResult(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode backup code hash: %w", err)
		}

		plaintext = append(plaintext, code)
		hashes = append(hashes, encoded)
	}

	settings := &models.MFASettings{
		UserBucket:        userBucket,
		UserID:            userID,
		ID:                settingsID,
		IsEnabled:         true,
		BackupCodes:       hashes,
		UsedCodes:         nil,
		RecoveryCodesUsed: 0,
		LastUsedAt:        nil,
	}

	if err := s.mfaRepo.UpsertSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	s.auditBestEffort(ctx, RecordEventInput{
		UserID:       userID,
		Action:       models.ActionMFAEnabled,
		ResourceType: "mfa_settings",
		ResourceID:   settings.ID,
		Details:      map[string]interface{}{"codes_issued": models.BackupCodeCount},
	})

	return plaintext, nil
}

func (s *MFAServiceImpl) Disable(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}

	userBucket := s.bucketing.GetUserBucket(userID)

	settings, err := s.mfaRepo.GetSettings(ctx, userBucket, userID)
	if err != nil {
		if err == scylla.ErrNotFound {
			return fmt.Errorf("%w: mfa is not enabled", ErrInvalidOperation)
		}
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if !settings.IsEnabled {
		return fmt.Errorf("%w: mfa is not enabled", ErrInvalidOperation)
	}

	settings.IsEnabled = false
	settings.BackupCodes = nil
	settings.UsedCodes = nil
	settings.RecoveryCodesUsed = 0

	if err := s.mfaRepo.UpsertSettings(ctx, settings); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	s.auditBestEffort(ctx, RecordEventInput{
		UserID:       userID,
		Action:       models.ActionMFADisabled,
		ResourceType: "mfa_settings",
		ResourceID:   settings.ID,
	})

	return nil
}

// VerifyBackupCode consumes one backup code. A code that was already
// consumed fails exactly like a code that was never issued; the caller
// cannot distinguish the two.
func (s *MFAServiceImpl) VerifyBackupCode(ctx context.Context, userID, code string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	code = normalizeBackupCode(code)
	if code == "" {
		return fmt.Errorf("%w: code is required", ErrValidation)
	}

	userBucket := s.bucketing.GetUserBucket(userID)

	for attempt := 0; attempt < 3; attempt++ {
		settings, err := s.mfaRepo.GetSettings(ctx, userBucket, userID)
		if err != nil {
			if err == scylla.ErrNotFound {
				return fmt.Errorf("%w: mfa is not enabled", ErrInvalidOperation)
			}
			return fmt.Errorf("%w: %v", ErrTransientStore, err)
		}
		if !settings.IsEnabled {
			return fmt.Errorf("%w: mfa is not enabled", ErrInvalidOperation)
		}
		if settings.CodesRemaining() == 0 {
			return ErrNoCodesRemaining
		}

		matched, err := s.findMatchingHash(code, settings)
		if err != nil {
			return err
		}
		if matched == "" {
			return ErrInvalidCode
		}

		applied, err := s.mfaRepo.ConsumeCode(ctx, settings, matched, s.now())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransientStore, err)
		}
		if applied {
			return nil
		}
		// Lost the conditional update to a concurrent verify; re-read and
		// re-check, the code may have just been consumed.
	}

	return fmt.Errorf("%w: concurrent verification contention", ErrTransientStore)
}

// findMatchingHash returns the stored hash the code verifies against, or ""
// when nothing matches. A hash already present in UsedCodes is skipped, so a
// consumed code reads as invalid.
func (s *MFAServiceImpl) findMatchingHash(code string, settings *models.MFASettings) (string, error) {
	used := make(map[string]struct{}, len(settings.UsedCodes))
	for _, h := range settings.UsedCodes {
		used[h] = struct{}{}
	}

	for _, stored := range settings.BackupCodes {
		if _, consumed := used[stored]; consumed {
			continue
		}

		result, err := hashing.DecodeHashResult(stored)
		if err != nil {
			s.logger.Warn("Undecodable backup code hash skipped",
				zap.String("user_id", settings.UserID))
			continue
		}

		ok, err := s.hasher.VerifyBackupCode(code, result)
		if err != nil {
			s.logger.Warn("Backup code verification errored",
				zap.String("user_id", settings.UserID),
				zap.Error(err))
			continue
		}
		if ok {
			return stored, nil
		}
	}

	return "", nil
}

func (s *MFAServiceImpl) Status(ctx context.Context, userID string) (*MFAStatus, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}

	settings, err := s.mfaRepo.GetSettings(ctx, s.bucketing.GetUserBucket(userID), userID)
	if err != nil {
		if err == scylla.ErrNotFound {
			return &MFAStatus{Enabled: false}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	return &MFAStatus{
		Enabled:        settings.IsEnabled,
		CodesRemaining: settings.CodesRemaining(),
		LastUsedAt:     settings.LastUsedAt,
	}, nil
}

func (s *MFAServiceImpl) auditBestEffort(ctx context.Context, input RecordEventInput) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.RecordEvent(ctx, input); err != nil {
		s.logger.Warn("Failed to record audit event",
			zap.String("action", input.Action),
			zap.Error(err))
	}
}
