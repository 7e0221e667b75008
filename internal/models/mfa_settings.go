package models

import "time"

// BackupCodeCount is the fixed size of a backup-code batch issued at
// enrollment.
const BackupCodeCount = 10

// MFASettings is the long-lived per-user MFA row. BackupCodes holds the
// argon2id hashes of the full issued batch; UsedCodes holds the hashes already
// consumed. Plaintext codes are never persisted.
// Invariant: RecoveryCodesUsed == len(UsedCodes) <= len(BackupCodes).
type MFASettings struct {
	UserBucket        int        `json:"-" db:"user_bucket"`
	UserID            string     `json:"user_id" db:"user_id"`
	ID                string     `json:"id" db:"id"`
	IsEnabled         bool       `json:"is_enabled" db:"is_enabled"`
	BackupCodes       []string   `json:"-" db:"backup_codes"`
	UsedCodes         []string   `json:"-" db:"used_codes"`
	RecoveryCodesUsed int        `json:"recovery_codes_used" db:"recovery_codes_used"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// CodesRemaining returns how many issued codes are still unused.
func (m *MFASettings) CodesRemaining() int {
	remaining := len(m.BackupCodes) - m.RecoveryCodesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
