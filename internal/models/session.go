package models

import "time"

// Session status values. Expired and terminated are terminal: a session never
// transitions out of either.
const (
	SessionActive     = "active"
	SessionExpired    = "expired"
	SessionTerminated = "terminated"
	SessionSuspicious = "suspicious"
)

// Session is a durable record of one authenticated login on one device.
// expires_at is fixed at creation (created_at + TTL) and never extended.
// The token is stored envelope-encrypted; the plaintext is returned to the
// caller exactly once at creation.
type Session struct {
	UserBucket       int        `json:"-" db:"user_bucket"`
	UserID           string     `json:"user_id" db:"user_id"`
	ID               string     `json:"id" db:"id"`
	SessionToken     string     `json:"-" db:"session_token"`
	TokenKeyID       string     `json:"-" db:"token_key_id"`
	UserAgent        string     `json:"user_agent" db:"user_agent"`
	Status           string     `json:"status" db:"status"`
	IsCurrent        bool       `json:"is_current" db:"is_current"`
	LastActivity     time.Time  `json:"last_activity" db:"last_activity"`
	ExpiresAt        time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	TerminatedAt     *time.Time `json:"terminated_at,omitempty" db:"terminated_at"`
	TerminatedReason string     `json:"terminated_reason,omitempty" db:"terminated_reason"`
}

// IsTerminal reports whether the session can never transition again.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionExpired || s.Status == SessionTerminated
}
