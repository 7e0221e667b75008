package models

import "time"

// Login attempt outcomes. The credential check happens upstream; the outcome
// is supplied by the caller and the row is immutable once written.
const (
	AttemptSuccess    = "success"
	AttemptFailed     = "failed"
	AttemptBlocked    = "blocked"
	AttemptSuspicious = "suspicious"
)

// LoginAttempt is an immutable record of one authentication try. Status and
// is_suspicious are computed before the single insert; there is no update path.
// ip_address and location columns exist in the schema but are never populated
// by the service (geo heuristics are an unimplemented extension point).
type LoginAttempt struct {
	Email           string    `json:"email" db:"email"`
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id,omitempty" db:"user_id"`
	Status          string    `json:"status" db:"status"`
	IPAddress       string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent       string    `json:"user_agent,omitempty" db:"user_agent"`
	FailureReason   string    `json:"failure_reason,omitempty" db:"failure_reason"`
	LocationCountry string    `json:"location_country,omitempty" db:"location_country"`
	LocationCity    string    `json:"location_city,omitempty" db:"location_city"`
	IsSuspicious    bool      `json:"is_suspicious" db:"is_suspicious"`
	AttemptedAt     time.Time `json:"attempted_at" db:"attempted_at"`
}
