package models

import "time"

// Risk levels, ordinal: low < medium < high < critical.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Audit actions recorded by the engine.
const (
	ActionSignIn            = "sign_in"
	ActionSignOut           = "sign_out"
	ActionLoginFailed       = "login_failed"
	ActionLoginBlocked      = "login_blocked"
	ActionSessionTerminated = "session_terminated"
	ActionMFAEnabled        = "mfa_enabled"
	ActionMFADisabled       = "mfa_disabled"
	ActionSuspiciousLogin   = "suspicious_login"
	ActionRepeatedBlocked   = "repeated_blocked_attempts"
)

var riskByAction = map[string]string{
	ActionSignIn:            RiskLow,
	ActionSignOut:           RiskLow,
	ActionLoginFailed:       RiskMedium,
	ActionLoginBlocked:      RiskMedium,
	ActionSessionTerminated: RiskMedium,
	ActionMFAEnabled:        RiskMedium,
	ActionMFADisabled:       RiskMedium,
	ActionSuspiciousLogin:   RiskHigh,
	ActionRepeatedBlocked:   RiskCritical,
}

// RiskForAction returns the fixed risk level for a known action, RiskLow for
// anything unrecognized.
func RiskForAction(action string) string {
	if level, ok := riskByAction[action]; ok {
		return level
	}
	return RiskLow
}

// AuditEvent is an append-only, risk-scored record of a security-relevant
// action. Rows are never updated or deleted; display order is created_at
// descending. Details holds JSON-encoded structured metadata.
type AuditEvent struct {
	EventBucket  int       `json:"-" db:"event_bucket"`
	EventDate    string    `json:"-" db:"event_date"`
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id,omitempty" db:"user_id"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty" db:"resource_id"`
	Details      string    `json:"details,omitempty" db:"details"`
	RiskLevel    string    `json:"risk_level" db:"risk_level"`
	IPAddress    string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string    `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
