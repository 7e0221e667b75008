package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/config"
	"session-service/internal/models"
	"session-service/internal/repository/scylla"
	"session-service/internal/util"
)

// RecordAttemptInput describes one authentication try. The credential check
// itself happens upstream; the outcome arrives here already decided.
type RecordAttemptInput struct {
	Email         string
	UserID        string
	Status        string
	FailureReason string
	UserAgent     string
}

// RecordAttemptResult is what recording one attempt produced. Session and
// Token are set only for a successful attempt: the login opens a session and
// the plaintext token surfaces here exactly once.
type RecordAttemptResult struct {
	Attempt *models.LoginAttempt
	Session *models.Session
	Token   string
}

// ClassifierService records login attempts and tags the suspicious ones.
// An attempt is suspicious when it is the Nth failure within the rolling
// window; the row is written once with the flag already computed. A success
// opens a session for the user; failed and blocked attempts leave a
// medium-risk audit trail, escalated when a classification rule fires.
type ClassifierService interface {
	RecordAttempt(ctx context.Context, input RecordAttemptInput) (*RecordAttemptResult, error)
	ListRecentAttempts(ctx context.Context, email string, limit int) ([]*models.LoginAttempt, error)
}

type ClassifierServiceImpl struct {
	attemptRepo scylla.LoginAttemptRepository
	sessions    SessionService
	audit       AuditService
	config      *config.Config
	logger      *zap.Logger
	now         func() time.Time
}

func NewClassifierService(
	attemptRepo scylla.LoginAttemptRepository,
	sessions SessionService,
	audit AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) *ClassifierServiceImpl {
	return &ClassifierServiceImpl{
		attemptRepo: attemptRepo,
		sessions:    sessions,
		audit:       audit,
		config:      cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func validAttemptStatus(status string) bool {
	switch status {
	case models.AttemptSuccess, models.AttemptFailed, models.AttemptBlocked, models.AttemptSuspicious:
		return true
	}
	return false
}

func (s *ClassifierServiceImpl) RecordAttempt(ctx context.Context, input RecordAttemptInput) (*RecordAttemptResult, error) {
	email := util.NormalizeEmail(input.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if !validAttemptStatus(input.Status) {
		return nil, fmt.Errorf("%w: unknown attempt status %q", ErrValidation, input.Status)
	}

	now := s.now()
	windowStart := now.Add(-s.config.Classifier.FailureWindow)

	attempt := &models.LoginAttempt{
		Email:         email,
		ID:            uuid.New().String(),
		UserID:        input.UserID,
		Status:        input.Status,
		UserAgent:     util.TruncateUserAgent(input.UserAgent),
		FailureReason: util.SanitizeInput(input.FailureReason),
		AttemptedAt:   now,
	}

	// The window count is advisory: if it cannot be read the attempt is
	// still recorded, just without the suspicion flag.
	priorFailures := 0
	if input.Status == models.AttemptFailed {
		count, err := s.attemptRepo.CountRecentByStatus(ctx, email, windowStart, models.AttemptFailed)
		if err != nil {
			s.logger.Warn("Failure window count unavailable, classifying without it",
				zap.String("email", email),
				zap.Error(err))
		} else {
			priorFailures = count
		}
		attempt.IsSuspicious = priorFailures+1 >= s.config.Classifier.FailureThreshold
	}
	if input.Status == models.AttemptSuspicious {
		attempt.IsSuspicious = true
	}

	if err := s.attemptRepo.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	result := &RecordAttemptResult{Attempt: attempt}
	if attempt.Status == models.AttemptSuccess {
		result.Session, result.Token = s.openSession(ctx, attempt)
	}

	s.recordSideEffects(ctx, attempt, windowStart, priorFailures)

	return result, nil
}

// openSession creates the session a successful attempt signs into; the
// session service records the low-risk sign_in event as part of that. The
// attempt row is already written, so a failed open is logged and leaves the
// result without a session rather than failing the recording.
func (s *ClassifierServiceImpl) openSession(ctx context.Context, attempt *models.LoginAttempt) (*models.Session, string) {
	if s.sessions == nil || attempt.UserID == "" {
		return nil, ""
	}

	session, token, err := s.sessions.CreateSession(ctx, CreateSessionInput{
		UserID:    attempt.UserID,
		UserAgent: attempt.UserAgent,
		IsCurrent: true,
	})
	if err != nil {
		s.logger.Error("Failed to open session for successful login",
			zap.String("email", attempt.Email),
			zap.String("user_id", attempt.UserID),
			zap.Error(err))
		return nil, ""
	}
	return session, token
}

// recordSideEffects raises the audit events a non-success attempt owes.
// Failed and blocked attempts audit at medium risk; a failure that trips the
// suspicion rule escalates to the high-risk suspicious_login event instead,
// and a blocked attempt that crosses the blocked threshold adds the critical
// escalation on top. The attempt row is already written; a failed side effect
// is logged, never propagated.
func (s *ClassifierServiceImpl) recordSideEffects(ctx context.Context, attempt *models.LoginAttempt, windowStart time.Time, priorFailures int) {
	switch {
	case attempt.IsSuspicious:
		s.auditAttempt(ctx, attempt, models.ActionSuspiciousLogin, map[string]interface{}{
			"email":          attempt.Email,
			"prior_failures": priorFailures,
		})
	case attempt.Status == models.AttemptFailed:
		s.auditAttempt(ctx, attempt, models.ActionLoginFailed, map[string]interface{}{
			"email":          attempt.Email,
			"failure_reason": attempt.FailureReason,
		})
	}

	if attempt.Status == models.AttemptBlocked {
		s.auditAttempt(ctx, attempt, models.ActionLoginBlocked, map[string]interface{}{
			"email":          attempt.Email,
			"failure_reason": attempt.FailureReason,
		})

		// The current attempt is already inserted, so the count includes it.
		count, err := s.attemptRepo.CountRecentByStatus(ctx, attempt.Email, windowStart, models.AttemptBlocked)
		if err != nil {
			s.logger.Warn("Blocked window count unavailable",
				zap.String("email", attempt.Email),
				zap.Error(err))
			return
		}
		if count >= s.config.Classifier.BlockedThreshold {
			s.auditAttempt(ctx, attempt, models.ActionRepeatedBlocked, map[string]interface{}{
				"email":         attempt.Email,
				"blocked_count": count,
			})
		}
	}
}

func (s *ClassifierServiceImpl) auditAttempt(ctx context.Context, attempt *models.LoginAttempt, action string, details map[string]interface{}) {
	_, err := s.audit.RecordEvent(ctx, RecordEventInput{
		UserID:       attempt.UserID,
		Action:       action,
		ResourceType: "login_attempt",
		ResourceID:   attempt.ID,
		Details:      details,
		UserAgent:    attempt.UserAgent,
	})
	if err != nil {
		s.logger.Warn("Failed to audit login attempt",
			zap.String("email", attempt.Email),
			zap.String("action", action),
			zap.Error(err))
	}
}

func (s *ClassifierServiceImpl) ListRecentAttempts(ctx context.Context, email string, limit int) ([]*models.LoginAttempt, error) {
	email = util.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	attempts, err := s.attemptRepo.ListRecentAttempts(ctx, email, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return attempts, nil
}
