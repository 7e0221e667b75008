package scylla

import (
	"context"
	"errors"
	"time"

	"session-service/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// SessionRepository is the storage contract for the session registry.
// Status transitions go through TransitionStatus, a conditional row-scoped
// update that is safe under concurrent execution by multiple workers.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session, tokenHash string) error
	GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error)
	GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	ListUserSessions(ctx context.Context, userBucket int, userID string) ([]*models.Session, error)
	TransitionStatus(ctx context.Context, session *models.Session, from, to string, terminatedAt *time.Time, reason string) (bool, error)
	UpdateLastActivity(ctx context.Context, session *models.Session, at time.Time) error
	ListExpiredActive(ctx context.Context, now time.Time) ([]*models.Session, error)
	HealthCheck(ctx context.Context) error
}

// LoginAttemptRepository persists immutable authentication attempt rows.
type LoginAttemptRepository interface {
	CreateAttempt(ctx context.Context, attempt *models.LoginAttempt) error
	CountRecentByStatus(ctx context.Context, email string, since time.Time, status string) (int, error)
	ListRecentAttempts(ctx context.Context, email string, limit int) ([]*models.LoginAttempt, error)
}

// MFARepository persists per-user MFA settings. UpsertSettings is a single
// atomic upsert: two concurrent enables race and the last writer's code set
// becomes authoritative.
type MFARepository interface {
	GetSettings(ctx context.Context, userBucket int, userID string) (*models.MFASettings, error)
	UpsertSettings(ctx context.Context, settings *models.MFASettings) error
	ConsumeCode(ctx context.Context, settings *models.MFASettings, usedHash string, usedAt time.Time) (bool, error)
}
