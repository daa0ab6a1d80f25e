package model

import "time"

// AuditAction distinguishes how an entry left the queue.
type AuditAction string

const (
	AuditDelivered    AuditAction = "delivered"
	AuditDiscarded    AuditAction = "discarded"
	AuditDeadLettered AuditAction = "dead_lettered"
)

// OutboxAudit records terminal transitions of outbox entries. A discard is
// never recorded as a delivery.
type OutboxAudit struct {
	ID         int64       `json:"id" gorm:"primaryKey"`
	EntryID    string      `json:"entry_id" gorm:"size:128;index"`
	Feature    string      `json:"feature" gorm:"size:64;index"`
	Action     AuditAction `json:"action" gorm:"size:32"`
	Trigger    string      `json:"trigger" gorm:"size:32"` // scheduler | manual
	Operator   string      `json:"operator" gorm:"size:64"`
	RetryCount int         `json:"retry_count"`
	Message    string      `json:"message" gorm:"type:text"`
	Payload    string      `json:"payload" gorm:"type:text"`
	TraceID    string      `json:"trace_id" gorm:"size:64;index"`
	CreatedAt  time.Time   `json:"created_at" gorm:"index"`
}

func (OutboxAudit) TableName() string { return "outbox_audits" }
