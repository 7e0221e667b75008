package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/bucketing"
	"session-service/internal/config"
	"session-service/internal/encryption"
	"session-service/internal/models"
	redisrepo "session-service/internal/repository/redis"
	"session-service/internal/repository/scylla"
	"session-service/internal/util"
)

// CreateSessionInput describes a new authenticated login. IsCurrent marks
// the session the caller is signing in on right now.
type CreateSessionInput struct {
	UserID    string
	UserAgent string
	IsCurrent bool
}

// SessionService owns the session lifecycle. Status moves through a strict
// machine: active can become expired, terminated or suspicious; suspicious
// can return to active after reverification; expired and terminated are
// terminal forever. The bearer token is returned in plaintext exactly once,
// from CreateSession.
type SessionService interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*models.Session, string, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ValidateToken(ctx context.Context, token string) (*models.Session, error)
	ListActiveSessions(ctx context.Context, userID string) ([]*models.Session, error)
	TerminateSession(ctx context.Context, sessionID, reason string) error
	SignOut(ctx context.Context, token string) error
	FlagSuspicious(ctx context.Context, sessionID string) error
	ReverifySession(ctx context.Context, sessionID string) error
	SweepExpired(ctx context.Context) (int, error)
}

type SessionServiceImpl struct {
	sessionRepo scylla.SessionRepository
	tokenCache  *redisrepo.TokenCache
	encryption  *encryption.EncryptionManager
	bucketing   *bucketing.BucketingManager
	audit       AuditService
	config      *config.Config
	logger      *zap.Logger
	now         func() time.Time
}

func NewSessionService(
	sessionRepo scylla.SessionRepository,
	tokenCache *redisrepo.TokenCache,
	encryptionManager *encryption.EncryptionManager,
	bucketingManager *bucketing.BucketingManager,
	audit AuditService,
	cfg *config.Config,
	logger *zap.Logger,
) *SessionServiceImpl {
	return &SessionServiceImpl{
		sessionRepo: sessionRepo,
		tokenCache:  tokenCache,
		encryption:  encryptionManager,
		bucketing:   bucketingManager,
		audit:       audit,
		config:      cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func generateSessionToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *SessionServiceImpl) CreateSession(ctx context.Context, input CreateSessionInput) (*models.Session, string, error) {
	if input.UserID == "" {
		return nil, "", fmt.Errorf("%w: user_id is required", ErrValidation)
	}

	token, err := generateSessionToken()
	if err != nil {
		return nil, "", err
	}
	tokenHash := hashToken(token)

	sealed, err := s.encryption.EncryptField(ctx, token)
	if err != nil {
		return nil, "", fmt.Errorf("failed to seal session token: %w", err)
	}

	now := s.now()
	session := &models.Session{
		UserBucket:   s.bucketing.GetUserBucket(input.UserID),
		UserID:       input.UserID,
		ID:           uuid.New().String(),
		SessionToken: encryption.EncodeEncryptedData(sealed),
		TokenKeyID:   sealed.KeyID,
		UserAgent:    util.TruncateUserAgent(input.UserAgent),
		Status:       models.SessionActive,
		IsCurrent:    input.IsCurrent,
		LastActivity: now,
		ExpiresAt:    now.Add(s.config.Session.TTL),
		CreatedAt:    now,
	}

	if err := s.sessionRepo.CreateSession(ctx, session, tokenHash); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	if err := s.tokenCache.Set(ctx, tokenHash, &redisrepo.CachedSessionRef{
		UserBucket: session.UserBucket,
		UserID:     session.UserID,
		SessionID:  session.ID,
		Status:     session.Status,
	}); err != nil {
		s.logger.Warn("Failed to prime token cache",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	s.auditBestEffort(ctx, RecordEventInput{
		UserID:       session.UserID,
		Action:       models.ActionSignIn,
		ResourceType: "session",
		ResourceID:   session.ID,
		UserAgent:    session.UserAgent,
	})

	return session, token, nil
}

func (s *SessionServiceImpl) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrValidation)
	}

	session, err := s.sessionRepo.GetSessionByID(ctx, sessionID)
	if err != nil {
		if err == scylla.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return session, nil
}

// ValidateToken resolves a bearer token to its session and confirms the
// session is usable. Only active sessions validate: a suspicious session
// must be reverified first, and terminal sessions never validate again.
// A successful validation refreshes last_activity but never extends
// expires_at.
func (s *SessionServiceImpl) ValidateToken(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrValidation)
	}
	tokenHash := hashToken(token)

	session, err := s.resolveByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if session.Status == models.SessionActive && now.After(session.ExpiresAt) {
		// Lazy expiry: the sweeper has not reached this row yet. The
		// transition is conditional, so racing the sweeper is harmless.
		expiredAt := now
		if _, err := s.sessionRepo.TransitionStatus(ctx, session, models.SessionActive,
			models.SessionExpired, &expiredAt, "expired"); err != nil {
			s.logger.Warn("Lazy expiry transition failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
		}
		s.invalidateTokenHash(ctx, tokenHash)
		return nil, fmt.Errorf("%w: session expired", ErrInvalidOperation)
	}

	if session.Status != models.SessionActive {
		s.invalidateTokenHash(ctx, tokenHash)
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidOperation, session.Status)
	}

	if err := s.sessionRepo.UpdateLastActivity(ctx, session, now); err != nil {
		s.logger.Warn("Failed to refresh session activity",
			zap.String("session_id", session.ID),
			zap.Error(err))
	} else {
		session.LastActivity = now
	}

	if err := s.tokenCache.Set(ctx, tokenHash, &redisrepo.CachedSessionRef{
		UserBucket: session.UserBucket,
		UserID:     session.UserID,
		SessionID:  session.ID,
		Status:     session.Status,
	}); err != nil {
		s.logger.Debug("Failed to refresh token cache", zap.Error(err))
	}

	return session, nil
}

func (s *SessionServiceImpl) resolveByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	if ref, err := s.tokenCache.Get(ctx, tokenHash); err == nil {
		session, err := s.sessionRepo.GetSessionByID(ctx, ref.SessionID)
		if err == nil {
			return session, nil
		}
		if err != scylla.ErrNotFound {
			return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
		}
		// Cache pointed at a row that no longer resolves; fall through to
		// the authoritative lookup.
		s.invalidateTokenHash(ctx, tokenHash)
	} else if err != redisrepo.ErrCacheMiss {
		s.logger.Debug("Token cache unavailable", zap.Error(err))
	}

	session, err := s.sessionRepo.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		if err == scylla.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return session, nil
}

// ListActiveSessions returns the user's active sessions, most recently
// active first. Suspicious and terminal sessions are excluded.
func (s *SessionServiceImpl) ListActiveSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}

	sessions, err := s.sessionRepo.ListUserSessions(ctx, s.bucketing.GetUserBucket(userID), userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	active := make([]*models.Session, 0, len(sessions))
	for _, session := range sessions {
		if session.Status == models.SessionActive {
			active = append(active, session)
		}
	}
	return active, nil
}

// TerminateSession ends another device's session. The session marked as the
// caller's current one cannot terminate itself this way; sign-out covers
// that path. Terminating a session that is already expired or terminated is
// a no-op: the row is left untouched and no audit event is raised.
func (s *SessionServiceImpl) TerminateSession(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	if reason == "" {
		reason = "terminated_by_user"
	}

	session, err := s.sessionRepo.GetSessionByID(ctx, sessionID)
	if err != nil {
		if err == scylla.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	if session.IsTerminal() {
		return nil
	}
	if session.IsCurrent {
		return fmt.Errorf("%w: cannot terminate the current session", ErrInvalidOperation)
	}

	now := s.now()
	applied, err := s.sessionRepo.TransitionStatus(ctx, session, session.Status,
		models.SessionTerminated, &now, util.SanitizeInput(reason))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if !applied {
		// Lost the race. If the winner already ended the session the result
		// the caller asked for holds, so this stays a no-op.
		current, err := s.sessionRepo.GetSessionByID(ctx, sessionID)
		if err == nil && current.IsTerminal() {
			return nil
		}
		return fmt.Errorf("%w: session state changed concurrently", ErrInvalidOperation)
	}

	s.invalidateSessionToken(ctx, session)

	s.auditBestEffort(ctx, RecordEventInput{
		UserID:       session.UserID,
		Action:       models.ActionSessionTerminated,
		ResourceType: "session",
		ResourceID:   session.ID,
		Details:      map[string]interface{}{"reason": reason},
	})

	return nil
}

// SignOut ends the caller's own session, identified by its bearer token.
func (s *SessionServiceImpl) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrValidation)
	}
	tokenHash := hashToken(token)

	session, err := s.resolveByTokenHash(ctx, tokenHash)
	if err != nil {
		return err
	}

	if session.IsTerminal() {
		return fmt.Errorf("%w: session is already %s", ErrInvalidOperation, session.Status)
	}

	now := s.now()
	applied, err := s.sessionRepo.TransitionStatus(ctx, session, session.Status,
		models.SessionTerminated, &now, "sign_out")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if !applied {
		return fmt.Errorf("%w: session state changed concurrently", ErrInvalidOperation)
	}

	s.invalidateTokenHash(ctx, tokenHash)

	s.auditBestEffort(ctx, RecordEventInput{
		UserID:       session.UserID,
		Action:       models.ActionSignOut,
		ResourceType: "session",
		ResourceID:   session.ID,
	})

	return nil
}

// FlagSuspicious parks an active session pending reverification. The
// session stops validating but is not terminal; ReverifySession restores it.
func (s *SessionServiceImpl) FlagSuspicious(ctx context.Context, sessionID string) error {
	return s.toggleSuspicion(ctx, sessionID, models.SessionActive, models.SessionSuspicious)
}

// ReverifySession returns a suspicious session to active after the user
// proves their identity again.
func (s *SessionServiceImpl) ReverifySession(ctx context.Context, sessionID string) error {
	return s.toggleSuspicion(ctx, sessionID, models.SessionSuspicious, models.SessionActive)
}

func (s *SessionServiceImpl) toggleSuspicion(ctx context.Context, sessionID, from, to string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrValidation)
	}

	session, err := s.sessionRepo.GetSessionByID(ctx, sessionID)
	if err != nil {
		if err == scylla.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	if session.Status != from {
		return fmt.Errorf("%w: session is %s", ErrInvalidOperation, session.Status)
	}

	applied, err := s.sessionRepo.TransitionStatus(ctx, session, from, to, session.TerminatedAt, session.TerminatedReason)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	if !applied {
		return fmt.Errorf("%w: session state changed concurrently", ErrInvalidOperation)
	}

	s.invalidateSessionToken(ctx, session)
	return nil
}

// SweepExpired transitions every active session past its expiry. Each row
// moves through a conditional update, so concurrent sweepers and lazy
// expiry during validation cannot double-transition a session.
func (s *SessionServiceImpl) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()

	candidates, err := s.sessionRepo.ListExpiredActive(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	swept := 0
	for _, session := range candidates {
		expiredAt := now
		applied, err := s.sessionRepo.TransitionStatus(ctx, session, models.SessionActive,
			models.SessionExpired, &expiredAt, "expired")
		if err != nil {
			s.logger.Warn("Sweep transition failed",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		if applied {
			swept++
		}
	}

	if swept > 0 {
		s.logger.Info("Expired sessions swept",
			zap.Int("swept", swept),
			zap.Int("candidates", len(candidates)))
	}

	return swept, nil
}

// invalidateSessionToken recovers the token hash from the stored envelope so
// the cache entry can be dropped. Best effort: a failure here only means the
// stale entry lives until its TTL.
func (s *SessionServiceImpl) invalidateSessionToken(ctx context.Context, session *models.Session) {
	if session.SessionToken == "" {
		return
	}

	sealed, err := encryption.DecodeEncryptedData(session.SessionToken, session.TokenKeyID)
	if err != nil {
		s.logger.Debug("Stored session token not decodable for cache invalidation",
			zap.String("session_id", session.ID))
		return
	}

	token, err := s.encryption.DecryptField(ctx, sealed)
	if err != nil {
		s.logger.Debug("Stored session token not decryptable for cache invalidation",
			zap.String("session_id", session.ID))
		return
	}

	s.invalidateTokenHash(ctx, hashToken(token))
}

func (s *SessionServiceImpl) invalidateTokenHash(ctx context.Context, tokenHash string) {
	if err := s.tokenCache.Invalidate(ctx, tokenHash); err != nil {
		s.logger.Debug("Token cache invalidation failed", zap.Error(err))
	}
}

func (s *SessionServiceImpl) auditBestEffort(ctx context.Context, input RecordEventInput) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.RecordEvent(ctx, input); err != nil {
		s.logger.Warn("Failed to record audit event",
			zap.String("action", input.Action),
			zap.Error(err))
	}
}
