package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyRecord provides durable, DB-backed at-most-once semantics for the
// engine's atomic operations. Unique constraint: (business_id, operation, op_key).
// Succeeded records keep the marshalled result so retried calls can return the
// original outcome without re-applying side effects. Rows expire after
// config.IdempotencyTTLHours and are purged by cmd/idempotency-cleanup.
type IdempotencyRecord struct {
	ID             int               `gorm:"primary_key" json:"id"`
	BusinessId     string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"business_id"`
	Operation      string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"operation"`
	OpKey          string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"op_key"`
	Status         IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	// Hash of the request payload; a reused key with a different payload is
	// rejected rather than replayed.
	RequestFingerprint string `gorm:"size:64" json:"request_fingerprint"`
	ResultSnapshot     []byte `gorm:"type:blob" json:"result_snapshot"`
	LastError      *string           `gorm:"type:text" json:"last_error"`
	CompletedAt    *time.Time        `gorm:"index" json:"completed_at"`
	ExpiresAt      time.Time         `gorm:"index;not null" json:"expires_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
