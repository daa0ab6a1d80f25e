package v1

import (
	"encoding/json"
	"time"
)

// Entry is the inspection view of a queued write. Display and Tone are the
// UI rendering of Status.
type Entry struct {
	ID            string          `json:"id"`
	Feature       string          `json:"feature"`
	Status        string          `json:"status"`
	Display       string          `json:"display"`
	Tone          string          `json:"tone"`
	RetryCount    int             `json:"retry_count"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	ErrCode       string          `json:"err_code,omitempty"`
	ErrMessage    string          `json:"err_message,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DepthSnapshot is the queue depth at Revision; watchers resume from it.
// Cap is the per-feature limit the depth is measured against.
type DepthSnapshot struct {
	Depth    map[string]int `json:"depth"`
	Total    int            `json:"total"`
	Cap      int            `json:"cap"`
	Revision int64          `json:"revision"`
}
