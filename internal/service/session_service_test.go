package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"session-service/internal/bucketing"
	"session-service/internal/encryption"
	"session-service/internal/models"
	redisrepo "session-service/internal/repository/redis"
)

func newSessionServiceForTest(t *testing.T) (*SessionServiceImpl, *fakeSessionRepo, *fakeAuditService) {
	t.Helper()

	cfg := testConfig()
	repo := newFakeSessionRepo()
	audit := &fakeAuditService{}
	tokenCache := redisrepo.NewTokenCache(newTestRedis(t), cfg, zap.NewNop())
	encMgr := encryption.NewEncryptionManager(cfg, nil)
	bm := bucketing.NewBucketingManager(cfg)

	svc := NewSessionService(repo, tokenCache, encMgr, bm, audit, cfg, zap.NewNop())
	return svc, repo, audit
}

func (r *fakeSessionRepo) setExpiry(sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.sessions[sessionID]; ok {
		stored.ExpiresAt = at
	}
}

func TestCreateSessionReturnsPlaintextTokenOnce(t *testing.T) {
	svc, repo, audit := newSessionServiceForTest(t)
	ctx := context.Background()

	session, token, err := svc.CreateSession(ctx, CreateSessionInput{
		UserID:    "u1",
		UserAgent: "test-agent",
		IsCurrent: true,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected plaintext token")
	}
	if session.Status != models.SessionActive {
		t.Fatalf("expected active session, got %s", session.Status)
	}
	if !session.ExpiresAt.Equal(session.CreatedAt.Add(testConfig().Session.TTL)) {
		t.Fatal("expires_at must be created_at plus TTL")
	}

	stored, err := repo.GetSessionByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("stored session missing: %v", err)
	}
	if stored.SessionToken == token {
		t.Fatal("stored token must not be the plaintext")
	}

	if got := audit.actions(); len(got) != 1 || got[0] != models.ActionSignIn {
		t.Fatalf("expected sign_in audit event, got %v", got)
	}
}

func TestValidateTokenResolvesActiveSession(t *testing.T) {
	svc, _, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	created, token, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	validated, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if validated.ID != created.ID {
		t.Fatalf("expected session %s, got %s", created.ID, validated.ID)
	}
	if !validated.ExpiresAt.Equal(created.ExpiresAt) {
		t.Fatal("validation must not extend expires_at")
	}
}

func TestValidateTokenUnknownToken(t *testing.T) {
	svc, _, _ := newSessionServiceForTest(t)

	if _, err := svc.ValidateToken(context.Background(), "no-such-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateTokenLazilyExpiresOverdueSession(t *testing.T) {
	svc, repo, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	session, token, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	repo.setExpiry(session.ID, time.Now().UTC().Add(-time.Minute))

	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if got := repo.status(session.ID); got != models.SessionExpired {
		t.Fatalf("expected expired, got %s", got)
	}

	// Terminal forever: the second validation still fails
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation after expiry, got %v", err)
	}
}

func TestTerminateCurrentSessionRejected(t *testing.T) {
	svc, _, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	session, _, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1", IsCurrent: true})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	err = svc.TerminateSession(ctx, session.ID, "remote sign out")
	if !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if got := svc.mustStatus(t, ctx, session.ID); got != models.SessionActive {
		t.Fatalf("session must stay active, got %s", got)
	}
}

func TestTerminateOtherSessionIgnoresCallerProvidedHints(t *testing.T) {
	svc, repo, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	current, _, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1", IsCurrent: true})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	other, _, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// The current-session guard is the stored row's flag: the current
	// session is protected no matter what the caller claims, and the
	// other one terminates.
	if err := svc.TerminateSession(ctx, current.ID, "cleanup"); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for current session, got %v", err)
	}
	if err := svc.TerminateSession(ctx, other.ID, "cleanup"); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if got := repo.status(other.ID); got != models.SessionTerminated {
		t.Fatalf("expected terminated, got %s", got)
	}
}

func (s *SessionServiceImpl) mustStatus(t *testing.T, ctx context.Context, sessionID string) string {
	t.Helper()
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	return session.Status
}

func TestTerminateSessionIsTerminal(t *testing.T) {
	svc, repo, audit := newSessionServiceForTest(t)
	ctx := context.Background()

	session, token, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := svc.TerminateSession(ctx, session.ID, "lost device"); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if got := repo.status(session.ID); got != models.SessionTerminated {
		t.Fatalf("expected terminated, got %s", got)
	}

	// Re-terminating is a no-op: no error, the row keeps its original
	// reason and no second audit event appears
	if err := svc.TerminateSession(ctx, session.ID, "again"); err != nil {
		t.Fatalf("re-terminate must be a no-op, got %v", err)
	}
	stored, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.Status != models.SessionTerminated || stored.TerminatedReason != "lost device" {
		t.Fatalf("terminated row must stay untouched, got %s/%q", stored.Status, stored.TerminatedReason)
	}

	// Terminal forever: nothing else revives or uses it
	if err := svc.ReverifySession(ctx, session.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation on reverify, got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation on validate, got %v", err)
	}

	terminated := 0
	for _, action := range audit.actions() {
		if action == models.ActionSessionTerminated {
			terminated++
		}
	}
	if terminated != 1 {
		t.Fatalf("expected exactly one session_terminated audit event, got %v", audit.actions())
	}
}

func TestTerminateExpiredSessionIsNoOp(t *testing.T) {
	svc, repo, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	session, _, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	repo.setExpiry(session.ID, time.Now().UTC().Add(-time.Hour))
	if _, err := svc.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}

	if err := svc.TerminateSession(ctx, session.ID, "cleanup"); err != nil {
		t.Fatalf("terminating an expired session must be a no-op, got %v", err)
	}
	if got := repo.status(session.ID); got != models.SessionExpired {
		t.Fatalf("expected expired, got %s", got)
	}
}

func TestSignOutTerminatesOwnSession(t *testing.T) {
	svc, repo, audit := newSessionServiceForTest(t)
	ctx := context.Background()

	session, token, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1", IsCurrent: true})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := svc.SignOut(ctx, token); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if got := repo.status(session.ID); got != models.SessionTerminated {
		t.Fatalf("expected terminated, got %s", got)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatal("expected validation to fail after sign out")
	}

	actions := audit.actions()
	if actions[len(actions)-1] != models.ActionSignOut {
		t.Fatalf("expected sign_out audit event last, got %v", actions)
	}
}

func TestFlagSuspiciousAndReverifyRoundTrip(t *testing.T) {
	svc, repo, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	session, token, err := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := svc.FlagSuspicious(ctx, session.ID); err != nil {
		t.Fatalf("FlagSuspicious failed: %v", err)
	}
	if got := repo.status(session.ID); got != models.SessionSuspicious {
		t.Fatalf("expected suspicious, got %s", got)
	}

	// Suspicious sessions do not validate until reverified
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation while suspicious, got %v", err)
	}
	// Double flag is rejected
	if err := svc.FlagSuspicious(ctx, session.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation on double flag, got %v", err)
	}

	if err := svc.ReverifySession(ctx, session.ID); err != nil {
		t.Fatalf("ReverifySession failed: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err != nil {
		t.Fatalf("expected validation to succeed after reverify: %v", err)
	}
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	svc, repo, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	overdue1, _, _ := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	overdue2, _, _ := svc.CreateSession(ctx, CreateSessionInput{UserID: "u2"})
	live, _, _ := svc.CreateSession(ctx, CreateSessionInput{UserID: "u3"})

	past := time.Now().UTC().Add(-time.Hour)
	repo.setExpiry(overdue1.ID, past)
	repo.setExpiry(overdue2.ID, past)

	swept, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if swept != 2 {
		t.Fatalf("expected 2 swept, got %d", swept)
	}
	if got := repo.status(overdue1.ID); got != models.SessionExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	if got := repo.status(live.ID); got != models.SessionActive {
		t.Fatalf("live session must stay active, got %s", got)
	}

	// Second pass finds nothing to do
	swept, err = svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected 0 swept on second pass, got %d", swept)
	}
}

func TestListActiveSessionsExcludesNonActive(t *testing.T) {
	svc, _, _ := newSessionServiceForTest(t)
	ctx := context.Background()

	first, _, _ := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	second, _, _ := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})
	flagged, _, _ := svc.CreateSession(ctx, CreateSessionInput{UserID: "u1"})

	if err := svc.TerminateSession(ctx, first.ID, "lost device"); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if err := svc.FlagSuspicious(ctx, flagged.ID); err != nil {
		t.Fatalf("FlagSuspicious failed: %v", err)
	}

	sessions, err := svc.ListActiveSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != second.ID {
		t.Fatalf("expected only session %s active, got %d sessions", second.ID, len(sessions))
	}
}

func TestCreateSessionRequiresUserID(t *testing.T) {
	svc, _, _ := newSessionServiceForTest(t)

	if _, _, err := svc.CreateSession(context.Background(), CreateSessionInput{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
