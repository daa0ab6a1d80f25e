package resp

import (
	"encoding/json"
	"time"

	"fieldsync/internal/model"
	v1 "fieldsync/pkg/api/v1"
)

type ListOutboxResponse struct {
	Data  []v1.Entry `json:"data"`
	Total int        `json:"total"`
}

type GetEntryResponse struct {
	Entry   v1.Entry    `json:"entry"`
	History []AuditItem `json:"history,omitempty"`
}

type ListAuditResponse struct {
	Data  []AuditItem `json:"data"`
	Total int64       `json:"total"`
}

type RetryResponse struct {
	Outcome string    `json:"outcome"`
	Entry   *v1.Entry `json:"entry,omitempty"`
	Message string    `json:"message,omitempty"`
}

type WriteResponse struct {
	Status  string    `json:"status"`
	Key     string    `json:"key"`
	Entry   *v1.Entry `json:"entry,omitempty"`
	Message string    `json:"message,omitempty"`
}

// DepthResponse is shared with the Go client.
type DepthResponse = v1.DepthSnapshot

type AuditItem struct {
	ID         int64     `json:"id"`
	EntryID    string    `json:"entry_id"`
	Feature    string    `json:"feature"`
	Action     string    `json:"action"`
	Trigger    string    `json:"trigger"`
	Operator   string    `json:"operator"`
	RetryCount int       `json:"retry_count"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusDisplay maps an entry status to the label and color tone the app shows.
func StatusDisplay(status model.EntryStatus, retryCount int) (string, string) {
	switch status {
	case model.StatusInFlight:
		return "Sending", "info"
	case model.StatusFailedPermanently:
		return "Needs attention", "danger"
	case model.StatusPending:
		if retryCount > 0 {
			return "Retrying", "warning"
		}
		return "Waiting to send", "neutral"
	}
	return "Unknown", "neutral"
}

func ToEntry(e model.OutboxEntry) v1.Entry {
	display, tone := StatusDisplay(e.Status, e.RetryCount)
	out := v1.Entry{
		ID:            e.ID,
		Feature:       e.Feature,
		Status:        e.Status.String(),
		Display:       display,
		Tone:          tone,
		RetryCount:    e.RetryCount,
		NextRetryAt:   e.NextRetryAt,
		ErrCode:       e.ErrCode,
		ErrMessage:    e.ErrMessage,
		SchemaVersion: e.SchemaVersion,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	// a corrupt payload is still listed so the user can discard it
	if json.Valid([]byte(e.Payload)) {
		out.Payload = json.RawMessage(e.Payload)
	}
	return out
}

func ToEntries(entries []model.OutboxEntry) []v1.Entry {
	out := make([]v1.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToEntry(e))
	}
	return out
}

func ToAuditItems(audits []model.OutboxAudit) []AuditItem {
	out := make([]AuditItem, 0, len(audits))
	for _, a := range audits {
		out = append(out, AuditItem{
			ID:         a.ID,
			EntryID:    a.EntryID,
			Feature:    a.Feature,
			Action:     string(a.Action),
			Trigger:    a.Trigger,
			Operator:   a.Operator,
			RetryCount: a.RetryCount,
			Message:    a.Message,
			CreatedAt:  a.CreatedAt,
		})
	}
	return out
}
