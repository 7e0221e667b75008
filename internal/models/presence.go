package models

import "time"

// Presence statuses a client can broadcast, plus the two derived read-side
// values. Away is also derived at read time when a record goes stale.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceBusy    = "busy"
	PresenceOffline = "offline"
)

// PresenceStaleAfter is the passive read-side timeout: a record older than
// this reads as away regardless of the last broadcast status.
const PresenceStaleAfter = 5 * time.Minute

// PresenceRecord is the ephemeral per-device payload published on a team
// channel. It is never written to durable storage; state is reconstructed
// from live heartbeats. The channel key is user_id, so a second device for
// the same user overwrites the first (documented last-write-wins collapse).
type PresenceRecord struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"last_activity"`
}

// ValidPresenceStatus reports whether s is a broadcastable status.
func ValidPresenceStatus(s string) bool {
	return s == PresenceOnline || s == PresenceAway || s == PresenceBusy
}
