package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-service/internal/config"
	"session-service/internal/models"
	"session-service/internal/presence"
	"session-service/internal/pubsub"
)

// PresenceMember identifies a user joining a team channel.
type PresenceMember struct {
	UserID      string
	Username    string
	DisplayName string
	AvatarURL   string
}

// PresenceService synchronizes ephemeral team presence over the broadcast
// bus. Nothing here touches durable storage: state lives in the in-process
// tracker and is rebuilt from the live stream. Reads apply passive
// staleness, so a member whose heartbeats stop degrades to away and an
// untracked member reads as offline.
type PresenceService interface {
	Join(ctx context.Context, teamID string, member PresenceMember) (*Membership, error)
	TeamSnapshot(teamID string) []*models.PresenceRecord
	MemberStatus(teamID, userID string) string
	Close() error
}

type presenceMessage struct {
	Kind   string                 `json:"kind"`
	TeamID string                 `json:"team_id"`
	UserID string                 `json:"user_id,omitempty"`
	Record *models.PresenceRecord `json:"record,omitempty"`
}

const (
	presenceKindUpdate = "update"
	presenceKindLeave  = "leave"
)

type teamSubscription struct {
	sub    pubsub.Subscription
	cancel context.CancelFunc
	refs   int
}

type PresenceServiceImpl struct {
	bus     pubsub.Bus
	tracker *presence.Tracker
	config  *config.Config
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[string]*teamSubscription
}

func NewPresenceService(bus pubsub.Bus, cfg *config.Config, logger *zap.Logger) *PresenceServiceImpl {
	return &PresenceServiceImpl{
		bus:     bus,
		tracker: presence.NewTracker(),
		config:  cfg,
		logger:  logger,
		subs:    make(map[string]*teamSubscription),
	}
}

func (s *PresenceServiceImpl) channelFor(teamID string) string {
	return s.config.Presence.ChannelPrefix + teamID
}

// Join subscribes this process to the team channel (once per team,
// refcounted across local members), announces the member as online and
// starts their heartbeat. The returned Membership must be closed; closing
// it is the implicit leave.
func (s *PresenceServiceImpl) Join(ctx context.Context, teamID string, member PresenceMember) (*Membership, error) {
	if teamID == "" || member.UserID == "" {
		return nil, fmt.Errorf("%w: team_id and user_id are required", ErrValidation)
	}

	if err := s.acquireTeam(ctx, teamID); err != nil {
		return nil, err
	}

	m := &Membership{
		service: s,
		teamID:  teamID,
		member:  member,
		status:  models.PresenceOnline,
		done:    make(chan struct{}),
	}

	if err := m.broadcast(ctx); err != nil {
		s.releaseTeam(teamID)
		return nil, err
	}

	go m.heartbeatLoop(s.config.Presence.HeartbeatInterval)

	return m, nil
}

func (s *PresenceServiceImpl) acquireTeam(ctx context.Context, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.subs[teamID]; ok {
		ts.refs++
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := s.bus.Subscribe(subCtx, s.channelFor(teamID))
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	s.subs[teamID] = &teamSubscription{sub: sub, cancel: cancel, refs: 1}
	go s.consume(teamID, sub)

	return nil
}

func (s *PresenceServiceImpl) releaseTeam(teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.subs[teamID]
	if !ok {
		return
	}
	ts.refs--
	if ts.refs > 0 {
		return
	}

	delete(s.subs, teamID)
	ts.cancel()
	_ = ts.sub.Close()
	s.tracker.DropTeam(teamID)
}

// consume applies the team's update stream to the tracker. Our own
// broadcasts come back through here too, so local and remote members are
// tracked identically.
func (s *PresenceServiceImpl) consume(teamID string, sub pubsub.Subscription) {
	for msg := range sub.Events() {
		var pm presenceMessage
		if err := json.Unmarshal(msg.Payload, &pm); err != nil {
			s.logger.Warn("Undecodable presence message dropped",
				zap.String("team_id", teamID),
				zap.Error(err))
			continue
		}

		switch pm.Kind {
		case presenceKindUpdate:
			if pm.Record != nil && pm.Record.UserID != "" {
				s.tracker.Apply(teamID, pm.Record)
			}
		case presenceKindLeave:
			if pm.UserID != "" {
				s.tracker.Remove(teamID, pm.UserID)
			}
		default:
			s.logger.Debug("Unknown presence message kind",
				zap.String("kind", pm.Kind),
				zap.String("team_id", teamID))
		}
	}
}

// TeamSnapshot returns the current members of a team with read-time
// staleness applied.
func (s *PresenceServiceImpl) TeamSnapshot(teamID string) []*models.PresenceRecord {
	return s.tracker.Snapshot(teamID, time.Now().UTC())
}

// MemberStatus resolves one member's effective presence.
func (s *PresenceServiceImpl) MemberStatus(teamID, userID string) string {
	return s.tracker.Status(teamID, userID, time.Now().UTC())
}

func (s *PresenceServiceImpl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for teamID, ts := range s.subs {
		ts.cancel()
		_ = ts.sub.Close()
		delete(s.subs, teamID)
	}
	return nil
}

// Membership is one local member's live participation in a team channel.
// A second Join for the same user collapses onto the same tracker entry,
// last writer wins.
type Membership struct {
	service *PresenceServiceImpl
	teamID  string
	member  PresenceMember

	mu     sync.Mutex
	status string

	closeOnce sync.Once
	done      chan struct{}
}

// SetStatus broadcasts a new status for this member. Only broadcastable
// statuses are accepted; offline is expressed by leaving.
func (m *Membership) SetStatus(ctx context.Context, status string) error {
	if !models.ValidPresenceStatus(status) {
		return fmt.Errorf("%w: invalid presence status %q", ErrValidation, status)
	}

	m.mu.Lock()
	m.status = status
	m.mu.Unlock()

	return m.broadcast(ctx)
}

func (m *Membership) broadcast(ctx context.Context) error {
	m.mu.Lock()
	record := &models.PresenceRecord{
		UserID:       m.member.UserID,
		Username:     m.member.Username,
		DisplayName:  m.member.DisplayName,
		AvatarURL:    m.member.AvatarURL,
		Status:       m.status,
		LastActivity: time.Now().UTC(),
	}
	m.mu.Unlock()

	payload, err := json.Marshal(presenceMessage{
		Kind:   presenceKindUpdate,
		TeamID: m.teamID,
		Record: record,
	})
	if err != nil {
		return fmt.Errorf("failed to encode presence update: %w", err)
	}

	if err := m.service.bus.Publish(ctx, m.service.channelFor(m.teamID), payload); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}
	return nil
}

// heartbeatLoop rebroadcasts the current status so remote trackers keep the
// record fresh. When heartbeats stop, remote reads degrade the member to
// away after the staleness window.
func (m *Membership) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.broadcast(ctx); err != nil {
				m.service.logger.Warn("Presence heartbeat failed",
					zap.String("team_id", m.teamID),
					zap.String("user_id", m.member.UserID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Close leaves the team: the leave message is broadcast, the heartbeat
// stops and the team subscription reference is released.
func (m *Membership) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload, marshalErr := json.Marshal(presenceMessage{
			Kind:   presenceKindLeave,
			TeamID: m.teamID,
			UserID: m.member.UserID,
		})
		if marshalErr == nil {
			if pubErr := m.service.bus.Publish(ctx, m.service.channelFor(m.teamID), payload); pubErr != nil {
				m.service.logger.Warn("Presence leave broadcast failed",
					zap.String("team_id", m.teamID),
					zap.String("user_id", m.member.UserID),
					zap.Error(pubErr))
				err = pubErr
			}
		}

		m.service.releaseTeam(m.teamID)
	})
	return err
}
