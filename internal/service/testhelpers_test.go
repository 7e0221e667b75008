package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/models"
	"session-service/internal/pubsub"
	"session-service/internal/repository/clickhouse"
	"session-service/internal/repository/scylla"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:   1024,
			Argon2TimeCost:     1,
			Argon2Parallelism:  1,
			PepperRotationDays: 90,
		},
		Bucketing: config.BucketingConfig{
			UserBuckets:  100,
			EventBuckets: 50,
		},
		Session: config.SessionConfig{
			TTL:           7 * 24 * time.Hour,
			SweepInterval: 15 * time.Minute,
			TokenCacheTTL: 10 * time.Minute,
		},
		Classifier: config.ClassifierConfig{
			FailureWindow:    15 * time.Minute,
			FailureThreshold: 3,
			BlockedThreshold: 3,
		},
		Presence: config.PresenceConfig{
			ChannelPrefix:     "presence:",
			HeartbeatInterval: 50 * time.Millisecond,
		},
	}
}

func newTestRedis(t *testing.T) *client.RedisClient {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis = config.RedisConfig{
		URL:      "redis://" + mr.Addr(),
		PoolSize: 10,
	}

	rc, err := client.NewRedisClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// ===================== session repository fake =====================

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	byToken  map[string]string
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: make(map[string]*models.Session),
		byToken:  make(map[string]string),
	}
}

func (r *fakeSessionRepo) CreateSession(_ context.Context, session *models.Session, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *session
	r.sessions[session.ID] = &stored
	r.byToken[tokenHash] = session.ID
	return nil
}

func (r *fakeSessionRepo) GetSessionByID(_ context.Context, sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *fakeSessionRepo) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	r.mu.Lock()
	sessionID, ok := r.byToken[tokenHash]
	r.mu.Unlock()
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return r.GetSessionByID(ctx, sessionID)
}

func (r *fakeSessionRepo) ListUserSessions(_ context.Context, _ int, userID string) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Session
	for _, session := range r.sessions {
		if session.UserID == userID {
			copied := *session
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (r *fakeSessionRepo) TransitionStatus(_ context.Context, session *models.Session, from, to string, terminatedAt *time.Time, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[session.ID]
	if !ok {
		return false, scylla.ErrNotFound
	}
	if stored.Status != from {
		return false, nil
	}
	stored.Status = to
	stored.TerminatedAt = terminatedAt
	stored.TerminatedReason = reason
	return true, nil
}

func (r *fakeSessionRepo) UpdateLastActivity(_ context.Context, session *models.Session, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.sessions[session.ID]; ok {
		stored.LastActivity = at
	}
	return nil
}

func (r *fakeSessionRepo) ListExpiredActive(_ context.Context, now time.Time) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Session
	for _, session := range r.sessions {
		if session.Status == models.SessionActive && session.ExpiresAt.Before(now) {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) HealthCheck(context.Context) error { return nil }

func (r *fakeSessionRepo) status(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.sessions[sessionID]; ok {
		return stored.Status
	}
	return ""
}

// ===================== login attempt repository fake =====================

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []*models.LoginAttempt
	countErr error
}

func (r *fakeAttemptRepo) CreateAttempt(_ context.Context, attempt *models.LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *attempt
	r.attempts = append(r.attempts, &copied)
	return nil
}

func (r *fakeAttemptRepo) CountRecentByStatus(_ context.Context, email string, since time.Time, status string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countErr != nil {
		return 0, r.countErr
	}
	count := 0
	for _, attempt := range r.attempts {
		if attempt.Email == email && attempt.Status == status && !attempt.AttemptedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *fakeAttemptRepo) ListRecentAttempts(_ context.Context, email string, limit int) ([]*models.LoginAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.LoginAttempt
	for _, attempt := range r.attempts {
		if attempt.Email == email {
			copied := *attempt
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AttemptedAt.After(out[j].AttemptedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ===================== MFA repository fake =====================

type fakeMFARepo struct {
	mu       sync.Mutex
	settings map[string]*models.MFASettings
}

func newFakeMFARepo() *fakeMFARepo {
	return &fakeMFARepo{settings: make(map[string]*models.MFASettings)}
}

func (r *fakeMFARepo) GetSettings(_ context.Context, _ int, userID string) (*models.MFASettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.settings[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	copied := *stored
	copied.BackupCodes = append([]string(nil), stored.BackupCodes...)
	copied.UsedCodes = append([]string(nil), stored.UsedCodes...)
	return &copied, nil
}

func (r *fakeMFARepo) UpsertSettings(_ context.Context, settings *models.MFASettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *settings
	copied.BackupCodes = append([]string(nil), settings.BackupCodes...)
	copied.UsedCodes = append([]string(nil), settings.UsedCodes...)
	r.settings[settings.UserID] = &copied
	return nil
}

func (r *fakeMFARepo) ConsumeCode(_ context.Context, settings *models.MFASettings, usedHash string, usedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.settings[settings.UserID]
	if !ok {
		return false, scylla.ErrNotFound
	}
	if stored.RecoveryCodesUsed != settings.RecoveryCodesUsed {
		return false, nil
	}
	stored.UsedCodes = append(stored.UsedCodes, usedHash)
	stored.RecoveryCodesUsed++
	stored.LastUsedAt = &usedAt
	return true, nil
}

// ===================== audit service fake =====================

type fakeAuditService struct {
	mu      sync.Mutex
	events  []RecordEventInput
	failErr error
}

func (a *fakeAuditService) RecordEvent(_ context.Context, input RecordEventInput) (*models.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return nil, a.failErr
	}
	a.events = append(a.events, input)
	return &models.AuditEvent{
		ID:        uuid.New().String(),
		UserID:    input.UserID,
		Action:    input.Action,
		RiskLevel: models.RiskForAction(input.Action),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (a *fakeAuditService) QueryEvents(context.Context, clickhouse.AuditFilter) ([]*models.AuditEvent, error) {
	return nil, nil
}

func (a *fakeAuditService) SearchEvents(context.Context, string, int) ([]*models.AuditEvent, error) {
	return nil, nil
}

func (a *fakeAuditService) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, event := range a.events {
		out = append(out, event.Action)
	}
	return out
}

// ===================== in-memory pubsub bus =====================

type memBus struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]*memSub)}
}

type memSub struct {
	bus       *memBus
	channel   string
	events    chan pubsub.Message
	closeOnce sync.Once
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*memSub(nil), b.subs[channel]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- pubsub.Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (pubsub.Subscription, error) {
	sub := &memSub{
		bus:     b,
		channel: channel,
		events:  make(chan pubsub.Message, 64),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub, nil
}

func (s *memSub) Events() <-chan pubsub.Message { return s.events }

func (s *memSub) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.channel]
		for i, candidate := range subs {
			if candidate == s {
				s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.events)
	})
	return nil
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
