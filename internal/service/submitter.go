package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fieldsync/internal/model"
	"fieldsync/pkg/constraints"
)

// Submitter replays a queued operation against the remote backend. A nil
// return means the backend confirmed the write. A *SubmitError is a failure
// the backend (or transport) reported; its Message is shown to the user. Any
// other error is treated as an unexpected processing failure.
type Submitter interface {
	Submit(ctx context.Context, entry model.OutboxEntry) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, entry model.OutboxEntry) error

func (fn SubmitterFunc) Submit(ctx context.Context, entry model.OutboxEntry) error {
	return fn(ctx, entry)
}

// SubmitError is a structured remote failure.
type SubmitError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *SubmitError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Transient builds a failure that is always retried.
func Transient(code, message string) *SubmitError {
	return &SubmitError{Code: code, Message: message}
}

// Permanent builds a failure the backend will keep rejecting.
func Permanent(code, message string) *SubmitError {
	return &SubmitError{Code: code, Message: message, Permanent: true}
}

var (
	ErrUnknownFeature     = errors.New("no submitter registered for feature")
	ErrUnsupportedVersion = errors.New("unsupported payload schema version")
)

// FeatureRouter dispatches entries to the submitter registered for their feature.
type FeatureRouter struct {
	mu     sync.RWMutex
	routes map[string]Submitter
}

func NewFeatureRouter() *FeatureRouter {
	return &FeatureRouter{routes: make(map[string]Submitter)}
}

func (r *FeatureRouter) Register(feature string, s Submitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[feature] = s
}

func (r *FeatureRouter) Submit(ctx context.Context, entry model.OutboxEntry) error {
	r.mu.RLock()
	s, ok := r.routes[entry.Feature]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFeature, entry.Feature)
	}
	return s.Submit(ctx, entry)
}

// DecodePayload unmarshals an entry payload written at a supported schema version.
func DecodePayload[T any](entry model.OutboxEntry) (T, error) {
	var out T
	if entry.SchemaVersion > constraints.CurrentSchemaVersion {
		return out, fmt.Errorf("%w: %d", ErrUnsupportedVersion, entry.SchemaVersion)
	}
	if err := json.Unmarshal([]byte(entry.Payload), &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", entry.Feature, err)
	}
	return out, nil
}
