package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"session-service/internal/models"
	"session-service/internal/util"
)

// SessionRepositoryImpl stores session rows across three tables: the main
// partition per (user_bucket, user_id) plus id and token-hash lookup tables,
// kept consistent with logged batches.
type SessionRepositoryImpl struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient, logger *zap.Logger) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{
		client: client,
	}
}

func (r *SessionRepositoryImpl) CreateSession(ctx context.Context, session *models.Session, tokenHash string) error {
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateSession.Statement(),
		session.UserBucket, session.UserID, session.ID, session.SessionToken,
		session.TokenKeyID, session.UserAgent, session.Status, session.IsCurrent,
		session.LastActivity, session.ExpiresAt, session.CreatedAt,
		session.TerminatedAt, session.TerminatedReason)

	batch.Query(r.client.Prepared.CreateSessionByID.Statement(),
		session.ID, session.UserBucket, session.UserID)

	batch.Query(r.client.Prepared.CreateSessionByToken.Statement(),
		tokenHash, session.UserBucket, session.UserID, session.ID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create session",
			zap.String("user_id", session.UserID),
			zap.String("session_id", session.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Info("Session created",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID))

	return nil
}

func (r *SessionRepositoryImpl) GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error) {
	var userBucket int
	var userID string

	query := r.client.Prepared.GetSessionRefByID.WithContext(ctx).Bind(sessionID)
	if err := r.client.ScanWithRetry(query, &userBucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to resolve session by ID",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to resolve session by ID: %w", err)
	}

	return r.getSession(ctx, userBucket, userID, sessionID)
}

func (r *SessionRepositoryImpl) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	var userBucket int
	var userID, sessionID string

	query := r.client.Prepared.GetSessionRefByToken.WithContext(ctx).Bind(tokenHash)
	if err := r.client.ScanWithRetry(query, &userBucket, &userID, &sessionID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve session by token: %w", err)
	}

	return r.getSession(ctx, userBucket, userID, sessionID)
}

func (r *SessionRepositoryImpl) getSession(ctx context.Context, userBucket int, userID, sessionID string) (*models.Session, error) {
	session := &models.Session{}

	query := r.client.Prepared.GetSession.WithContext(ctx).Bind(userBucket, userID, sessionID)
	err := r.client.ScanWithRetry(query,
		&session.UserBucket, &session.UserID, &session.ID, &session.SessionToken,
		&session.TokenKeyID, &session.UserAgent, &session.Status, &session.IsCurrent,
		&session.LastActivity, &session.ExpiresAt, &session.CreatedAt,
		&session.TerminatedAt, &session.TerminatedReason)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

func (r *SessionRepositoryImpl) ListUserSessions(ctx context.Context, userBucket int, userID string) ([]*models.Session, error) {
	var sessions []*models.Session

	iter := r.client.Prepared.ListUserSessions.WithContext(ctx).Bind(userBucket, userID).Iter()

	for {
		session := &models.Session{}
		if !iter.Scan(
			&session.UserBucket, &session.UserID, &session.ID, &session.SessionToken,
			&session.TokenKeyID, &session.UserAgent, &session.Status, &session.IsCurrent,
			&session.LastActivity, &session.ExpiresAt, &session.CreatedAt,
			&session.TerminatedAt, &session.TerminatedReason) {
			break
		}
		sessions = append(sessions, session)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list user sessions",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity.After(sessions[j].LastActivity)
	})

	return sessions, nil
}

// TransitionStatus applies a compare-and-set status update. The LWT guard on
// the observed status makes concurrent sweeps and terminations idempotent:
// only one transition wins and the rest observe applied=false.
func (r *SessionRepositoryImpl) TransitionStatus(ctx context.Context, session *models.Session, from, to string, terminatedAt *time.Time, reason string) (bool, error) {
	query := r.client.Session.Query(`
        UPDATE sessions SET status = ?, terminated_at = ?, terminated_reason = ?
        WHERE user_bucket = ? AND user_id = ? AND id = ? IF status = ?`,
		to, terminatedAt, reason,
		session.UserBucket, session.UserID, session.ID, from).WithContext(ctx)

	var observedStatus string
	applied, err := query.ScanCAS(&observedStatus)
	if err != nil {
		util.Error("Failed to transition session status",
			zap.String("session_id", session.ID),
			zap.String("from", from),
			zap.String("to", to),
			zap.Error(err))
		return false, fmt.Errorf("failed to transition session status: %w", err)
	}

	if !applied {
		util.Debug("Session status transition not applied",
			zap.String("session_id", session.ID),
			zap.String("expected", from),
			zap.String("observed", observedStatus))
	}

	return applied, nil
}

func (r *SessionRepositoryImpl) UpdateLastActivity(ctx context.Context, session *models.Session, at time.Time) error {
	query := r.client.Prepared.UpdateLastActivity.WithContext(ctx).
		Bind(at, session.UserBucket, session.UserID, session.ID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

// ListExpiredActive finds active sessions whose expiry has passed. The
// sweeper transitions each one conditionally, so reading a stale candidate
// here is harmless.
func (r *SessionRepositoryImpl) ListExpiredActive(ctx context.Context, now time.Time) ([]*models.Session, error) {
	iter := r.client.Session.Query(`
        SELECT user_bucket, user_id, id, status, expires_at FROM sessions
        WHERE status = 'active' AND expires_at < ? ALLOW FILTERING`, now).
		WithContext(ctx).Iter()

	var sessions []*models.Session
	for {
		session := &models.Session{}
		if !iter.Scan(&session.UserBucket, &session.UserID, &session.ID,
			&session.Status, &session.ExpiresAt) {
			break
		}
		sessions = append(sessions, session)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	return sessions, nil
}

func (r *SessionRepositoryImpl) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
