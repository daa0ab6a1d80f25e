package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// EntryStatus is the lifecycle state of a queued operation. There is no
// delivered state: delivery deletes the row.
type EntryStatus string

const (
	StatusPending           EntryStatus = "pending"
	StatusInFlight          EntryStatus = "in_flight"
	StatusFailedPermanently EntryStatus = "failed_permanently"
)

func (s EntryStatus) String() string { return string(s) }

func (s EntryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusFailedPermanently:
		return true
	}
	return false
}

// Value implements driver.Valuer so an unknown variant never reaches the table.
func (s EntryStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid entry status %q", string(s))
	}
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *EntryStatus) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into EntryStatus", src)
	}
	status := EntryStatus(raw)
	if !status.Valid() {
		return fmt.Errorf("invalid entry status %q", raw)
	}
	*s = status
	return nil
}

// OutboxEntry is one durable record per not-yet-confirmed write. ID doubles
// as the caller's idempotency key.
type OutboxEntry struct {
	ID            string      `json:"id" gorm:"primaryKey;size:128"`
	Feature       string      `json:"feature" gorm:"size:64;not null;index:idx_outbox_feature"`
	Payload       string      `json:"payload" gorm:"type:text;not null"`
	SchemaVersion int         `json:"schema_version" gorm:"not null;default:1"`
	Status        EntryStatus `json:"status" gorm:"size:32;not null;index:idx_outbox_due,priority:1"`
	RetryCount    int         `json:"retry_count" gorm:"not null;default:0"`
	NextRetryAt   time.Time   `json:"next_retry_at" gorm:"not null;index:idx_outbox_due,priority:2"`
	ErrCode       string      `json:"err_code" gorm:"size:64"`
	ErrMessage    string      `json:"err_message" gorm:"type:text"`
	TraceID       string      `json:"trace_id" gorm:"size:64"`
	CreatedAt     time.Time   `json:"created_at" gorm:"index"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (OutboxEntry) TableName() string { return "outbox_entries" }

// Due reports whether the scheduler may pick the entry up at now.
func (e *OutboxEntry) Due(now time.Time) bool {
	return e.Status == StatusPending && !e.NextRetryAt.After(now)
}

// FeatureSlot is one row per feature. Enqueue locks it for update so the
// capacity check and the insert are serialized across agents sharing a store.
type FeatureSlot struct {
	Feature   string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

func (FeatureSlot) TableName() string { return "outbox_feature_slots" }
