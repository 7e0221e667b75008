package presence

import (
	"sync"
	"time"

	"session-service/internal/models"
)

// Tracker is the in-memory presence view of the teams this process is
// subscribed to. State is ephemeral by design: it is rebuilt from the live
// update stream after a restart, and a record that stops refreshing simply
// ages out at read time.
type Tracker struct {
	mu    sync.RWMutex
	teams map[string]map[string]*models.PresenceRecord
}

func NewTracker() *Tracker {
	return &Tracker{
		teams: make(map[string]map[string]*models.PresenceRecord),
	}
}

// Apply upserts a record under its user_id. Two devices for the same user
// collapse into one entry, last writer wins.
func (t *Tracker) Apply(teamID string, record *models.PresenceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	team, ok := t.teams[teamID]
	if !ok {
		team = make(map[string]*models.PresenceRecord)
		t.teams[teamID] = team
	}

	copied := *record
	team[record.UserID] = &copied
}

// Remove drops a user from a team view. Called on explicit leave and on
// subscription close.
func (t *Tracker) Remove(teamID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if team, ok := t.teams[teamID]; ok {
		delete(team, userID)
		if len(team) == 0 {
			delete(t.teams, teamID)
		}
	}
}

// DropTeam discards the whole team view, used when the last local subscriber
// for a team goes away.
func (t *Tracker) DropTeam(teamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.teams, teamID)
}

// Status resolves a member's effective presence at the given instant.
// Untracked members are offline; tracked members whose record has gone stale
// read as away no matter what they last broadcast.
func (t *Tracker) Status(teamID, userID string, now time.Time) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	team, ok := t.teams[teamID]
	if !ok {
		return models.PresenceOffline
	}
	record, ok := team[userID]
	if !ok {
		return models.PresenceOffline
	}
	return effectiveStatus(record, now)
}

// Snapshot returns the current team view with staleness applied to each
// record's status. The returned records are copies.
func (t *Tracker) Snapshot(teamID string, now time.Time) []*models.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	team, ok := t.teams[teamID]
	if !ok {
		return nil
	}

	out := make([]*models.PresenceRecord, 0, len(team))
	for _, record := range team {
		copied := *record
		copied.Status = effectiveStatus(record, now)
		out = append(out, &copied)
	}
	return out
}

func effectiveStatus(record *models.PresenceRecord, now time.Time) string {
	if now.Sub(record.LastActivity) > models.PresenceStaleAfter {
		return models.PresenceAway
	}
	return record.Status
}
