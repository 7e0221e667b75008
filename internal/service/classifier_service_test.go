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

func newClassifierForTest(attemptRepo *fakeAttemptRepo, sessions SessionService, audit *fakeAuditService) *ClassifierServiceImpl {
	return NewClassifierService(attemptRepo, sessions, audit, testConfig(), zap.NewNop())
}

func TestRecordAttemptValidation(t *testing.T) {
	svc := newClassifierForTest(&fakeAttemptRepo{}, nil, &fakeAuditService{})
	ctx := context.Background()

	if _, err := svc.RecordAttempt(ctx, RecordAttemptInput{Status: models.AttemptFailed}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing email, got %v", err)
	}
	if _, err := svc.RecordAttempt(ctx, RecordAttemptInput{Email: "a@b.com", Status: "bogus"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad status, got %v", err)
	}
}

func TestRecordAttemptNormalizesEmail(t *testing.T) {
	repo := &fakeAttemptRepo{}
	svc := newClassifierForTest(repo, nil, &fakeAuditService{})

	result, err := svc.RecordAttempt(context.Background(), RecordAttemptInput{
		Email:  "  Alice@Example.COM ",
		Status: models.AttemptSuccess,
	})
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if result.Attempt.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", result.Attempt.Email)
	}
	if result.Attempt.IsSuspicious {
		t.Fatal("successful attempt must not be suspicious")
	}
}

func TestSuccessfulAttemptOpensSession(t *testing.T) {
	cfg := testConfig()
	audit := &fakeAuditService{}
	sessionRepo := newFakeSessionRepo()
	tokenCache := redisrepo.NewTokenCache(newTestRedis(t), cfg, zap.NewNop())
	encMgr := encryption.NewEncryptionManager(cfg, nil)
	bm := bucketing.NewBucketingManager(cfg)
	sessions := NewSessionService(sessionRepo, tokenCache, encMgr, bm, audit, cfg, zap.NewNop())

	svc := newClassifierForTest(&fakeAttemptRepo{}, sessions, audit)
	ctx := context.Background()

	result, err := svc.RecordAttempt(ctx, RecordAttemptInput{
		Email:     "user@example.com",
		UserID:    "u1",
		Status:    models.AttemptSuccess,
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if result.Session == nil || result.Token == "" {
		t.Fatal("successful attempt must open a session and surface its token")
	}
	if !result.Session.IsCurrent {
		t.Fatal("the session opened by a login is the caller's current one")
	}
	if got := sessionRepo.status(result.Session.ID); got != models.SessionActive {
		t.Fatalf("expected active session, got %s", got)
	}
	if got := audit.actions(); len(got) != 1 || got[0] != models.ActionSignIn {
		t.Fatalf("expected one sign_in audit event, got %v", got)
	}

	validated, err := sessions.ValidateToken(ctx, result.Token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if validated.ID != result.Session.ID {
		t.Fatalf("token resolves to %s, want %s", validated.ID, result.Session.ID)
	}
}

func TestSuccessWithoutUserIDSkipsSession(t *testing.T) {
	repo := &fakeAttemptRepo{}
	audit := &fakeAuditService{}
	svc := newClassifierForTest(repo, nil, audit)

	result, err := svc.RecordAttempt(context.Background(), RecordAttemptInput{
		Email:  "user@example.com",
		Status: models.AttemptSuccess,
	})
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if result.Session != nil || result.Token != "" {
		t.Fatal("no session without a user to attach it to")
	}
	if len(repo.attempts) != 1 {
		t.Fatalf("expected attempt persisted, got %d rows", len(repo.attempts))
	}
	if got := audit.actions(); len(got) != 0 {
		t.Fatalf("a plain success audits nothing here, got %v", got)
	}
}

func TestFailedAttemptRecordsMediumRiskEvent(t *testing.T) {
	repo := &fakeAttemptRepo{}
	audit := &fakeAuditService{}
	svc := newClassifierForTest(repo, nil, audit)

	if _, err := svc.RecordAttempt(context.Background(), RecordAttemptInput{
		Email:         "user@example.com",
		Status:        models.AttemptFailed,
		FailureReason: "bad password",
	}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	if got := audit.actions(); len(got) != 1 || got[0] != models.ActionLoginFailed {
		t.Fatalf("expected one login_failed audit event, got %v", got)
	}
	if models.RiskForAction(models.ActionLoginFailed) != models.RiskMedium {
		t.Fatal("login_failed must carry medium risk")
	}
}

func TestBlockedAttemptRecordsMediumRiskEvent(t *testing.T) {
	repo := &fakeAttemptRepo{}
	audit := &fakeAuditService{}
	svc := newClassifierForTest(repo, nil, audit)

	if _, err := svc.RecordAttempt(context.Background(), RecordAttemptInput{
		Email:  "user@example.com",
		Status: models.AttemptBlocked,
	}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	// One blocked attempt is below the escalation threshold: medium only
	if got := audit.actions(); len(got) != 1 || got[0] != models.ActionLoginBlocked {
		t.Fatalf("expected one login_blocked audit event, got %v", got)
	}
	if models.RiskForAction(models.ActionLoginBlocked) != models.RiskMedium {
		t.Fatal("login_blocked must carry medium risk")
	}
}

func TestThirdFailureWithinWindowIsSuspicious(t *testing.T) {
	repo := &fakeAttemptRepo{}
	audit := &fakeAuditService{}
	svc := newClassifierForTest(repo, nil, audit)
	ctx := context.Background()

	input := RecordAttemptInput{Email: "user@example.com", Status: models.AttemptFailed}

	for i := 0; i < 2; i++ {
		result, err := svc.RecordAttempt(ctx, input)
		if err != nil {
			t.Fatalf("RecordAttempt %d failed: %v", i, err)
		}
		if result.Attempt.IsSuspicious {
			t.Fatalf("attempt %d must not be suspicious yet", i)
		}
	}

	third, err := svc.RecordAttempt(ctx, input)
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if !third.Attempt.IsSuspicious {
		t.Fatal("third failure within the window must be suspicious")
	}

	// The first two failures audit at medium; the third escalates instead
	// of stacking a login_failed on top
	want := []string{models.ActionLoginFailed, models.ActionLoginFailed, models.ActionSuspiciousLogin}
	got := audit.actions()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFourthFailureOutsideWindowNotSuspicious(t *testing.T) {
	repo := &fakeAttemptRepo{}
	svc := newClassifierForTest(repo, nil, &fakeAuditService{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	svc.now = func() time.Time { return clock }

	input := RecordAttemptInput{Email: "user@example.com", Status: models.AttemptFailed}
	for i := 0; i < 3; i++ {
		if _, err := svc.RecordAttempt(ctx, input); err != nil {
			t.Fatalf("RecordAttempt %d failed: %v", i, err)
		}
	}

	// 20 minutes later the 15-minute window has drained; the next failure
	// starts a fresh streak
	clock = base.Add(20 * time.Minute)
	fourth, err := svc.RecordAttempt(ctx, input)
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if fourth.Attempt.IsSuspicious {
		t.Fatal("a failure outside the window must not be flagged")
	}
}

func TestFailuresAcrossAccountsDoNotCombine(t *testing.T) {
	repo := &fakeAttemptRepo{}
	svc := newClassifierForTest(repo, nil, &fakeAuditService{})
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com", "a@example.com"} {
		result, err := svc.RecordAttempt(ctx, RecordAttemptInput{Email: email, Status: models.AttemptFailed})
		if err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
		if result.Attempt.IsSuspicious {
			t.Fatalf("attempt for %s must not be suspicious", email)
		}
	}
}

func TestCountFailureStillRecordsAttempt(t *testing.T) {
	repo := &fakeAttemptRepo{countErr: errors.New("scylla timeout")}
	svc := newClassifierForTest(repo, nil, &fakeAuditService{})

	result, err := svc.RecordAttempt(context.Background(), RecordAttemptInput{
		Email:  "user@example.com",
		Status: models.AttemptFailed,
	})
	if err != nil {
		t.Fatalf("RecordAttempt must survive a count failure: %v", err)
	}
	if result.Attempt.IsSuspicious {
		t.Fatal("without a readable window the attempt is not flagged")
	}
	if len(repo.attempts) != 1 {
		t.Fatalf("expected attempt persisted, got %d rows", len(repo.attempts))
	}
}

func TestAuditFailureDoesNotFailAttempt(t *testing.T) {
	repo := &fakeAttemptRepo{}
	audit := &fakeAuditService{failErr: errors.New("kafka down")}
	svc := newClassifierForTest(repo, nil, audit)
	ctx := context.Background()

	input := RecordAttemptInput{Email: "user@example.com", Status: models.AttemptFailed}
	for i := 0; i < 3; i++ {
		if _, err := svc.RecordAttempt(ctx, input); err != nil {
			t.Fatalf("RecordAttempt %d must not surface audit failure: %v", i, err)
		}
	}
	if len(repo.attempts) != 3 {
		t.Fatalf("expected 3 attempts persisted, got %d", len(repo.attempts))
	}
}

func TestRepeatedBlockedAttemptsEscalate(t *testing.T) {
	repo := &fakeAttemptRepo{}
	audit := &fakeAuditService{}
	svc := newClassifierForTest(repo, nil, audit)
	ctx := context.Background()

	input := RecordAttemptInput{Email: "user@example.com", Status: models.AttemptBlocked}
	for i := 0; i < 3; i++ {
		if _, err := svc.RecordAttempt(ctx, input); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	blocked, escalated := 0, 0
	for _, action := range audit.actions() {
		switch action {
		case models.ActionLoginBlocked:
			blocked++
		case models.ActionRepeatedBlocked:
			escalated++
		}
	}
	if blocked != 3 {
		t.Fatalf("every blocked attempt audits, got %d login_blocked events", blocked)
	}
	if escalated != 1 {
		t.Fatalf("expected one repeated_blocked_attempts event, got %d", escalated)
	}
}

func TestListRecentAttemptsNewestFirst(t *testing.T) {
	repo := &fakeAttemptRepo{}
	svc := newClassifierForTest(repo, nil, &fakeAuditService{})
	ctx := context.Background()

	statuses := []string{models.AttemptSuccess, models.AttemptFailed, models.AttemptSuccess}
	for _, status := range statuses {
		if _, err := svc.RecordAttempt(ctx, RecordAttemptInput{Email: "user@example.com", Status: status}); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	attempts, err := svc.ListRecentAttempts(ctx, "USER@example.com", 2)
	if err != nil {
		t.Fatalf("ListRecentAttempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].AttemptedAt.Before(attempts[1].AttemptedAt) {
		t.Fatal("attempts must be newest first")
	}
}
