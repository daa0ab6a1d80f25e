package service

import (
	"context"
	"encoding/json"
	"errors"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/internal/repository"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"
	"fieldsync/pkg/logger"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrCapacityExceeded = errors.New("outbox is full for this feature")
	ErrInvalidFeature   = errors.New("feature must not be empty")
	ErrInvalidKey       = errors.New("idempotency key must not be empty")
	ErrEntryNotFound    = errors.New("outbox entry not found")
	ErrEntryBusy        = errors.New("outbox entry is being processed")
	ErrStoreUnhealthy   = errors.New("outbox store unhealthy")
)

const (
	DefaultFeatureCap        = 30
	DefaultFirstAttemptDelay = 60 * time.Second

	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"

	// maxKeyLen matches the primary key column size.
	maxKeyLen = 128
)

// EventSink receives queue change notifications after they are committed.
type EventSink interface {
	Publish(event v1.OutboxEvent)
}

// Failure is the bookkeeping stored on an entry after a failed attempt.
type Failure struct {
	Code    string
	Message string
}

// Resolution describes why an entry leaves the queue.
type Resolution struct {
	Action   model.AuditAction
	Trigger  string
	Operator string
	Message  string
}

type enqueueOptions struct {
	schemaVersion int
}

type EnqueueOption func(*enqueueOptions)

// WithSchemaVersion stamps the payload with a version other than the current one.
func WithSchemaVersion(v int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.schemaVersion = v
	}
}

// Outbox owns every mutation of the durable queue so uniqueness, the
// per-feature cap and monotonic next_retry_at stay in one place.
type Outbox struct {
	db                *gorm.DB
	repo              repository.OutboxInterface
	auditRepo         repository.AuditInterface
	clock             Clock
	sink              EventSink
	observer          metrics.OutboxObserver
	featureCap        int
	firstAttemptDelay time.Duration
}

type OutboxOption func(*Outbox)

func WithClock(c Clock) OutboxOption {
	return func(o *Outbox) { o.clock = c }
}

func WithEventSink(s EventSink) OutboxOption {
	return func(o *Outbox) { o.sink = s }
}

func WithObserver(obs metrics.OutboxObserver) OutboxOption {
	return func(o *Outbox) { o.observer = obs }
}

func WithFeatureCap(n int) OutboxOption {
	return func(o *Outbox) {
		if n > 0 {
			o.featureCap = n
		}
	}
}

func WithFirstAttemptDelay(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d >= 0 {
			o.firstAttemptDelay = d
		}
	}
}

func NewOutbox(db *gorm.DB, repo repository.OutboxInterface, auditRepo repository.AuditInterface, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		db:                db,
		repo:              repo,
		auditRepo:         auditRepo,
		clock:             SystemClock{},
		observer:          metrics.NopOutboxObserver{},
		featureCap:        DefaultFeatureCap,
		firstAttemptDelay: DefaultFirstAttemptDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Outbox) Clock() Clock { return o.clock }

func (o *Outbox) FeatureCap() int { return o.featureCap }

// Enqueue stores payload under key. If key already exists the stored entry is
// returned with created=false and nothing is written. A full feature queue
// yields ErrCapacityExceeded; the caller must tell the user the write was not
// queued.
func (o *Outbox) Enqueue(ctx context.Context, feature, key string, payload any, opts ...EnqueueOption) (*model.OutboxEntry, bool, error) {
	feature = strings.TrimSpace(feature)
	if feature == "" {
		return nil, false, ErrInvalidFeature
	}
	if key == "" || len(key) > maxKeyLen {
		return nil, false, ErrInvalidKey
	}

	options := enqueueOptions{schemaVersion: constraints.CurrentSchemaVersion}
	for _, opt := range opts {
		opt(&options)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, false, err
	}

	now := o.clock.Now()
	entry := &model.OutboxEntry{
		ID:            key,
		Feature:       feature,
		Payload:       raw,
		SchemaVersion: options.schemaVersion,
		Status:        model.StatusPending,
		RetryCount:    0,
		NextRetryAt:   now.Add(o.firstAttemptDelay),
		TraceID:       GetTraceID(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var existing *model.OutboxEntry
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := o.repo.WithTx(tx)

		found, err := txRepo.Get(ctx, key)
		if err == nil {
			existing = found
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		if err := txRepo.LockFeature(ctx, feature); err != nil {
			return err
		}
		count, err := txRepo.CountByFeature(ctx, feature)
		if err != nil {
			return err
		}
		if count >= int64(o.featureCap) {
			return ErrCapacityExceeded
		}
		return txRepo.Insert(ctx, entry)
	})

	switch {
	case errors.Is(err, repository.ErrDuplicateKey):
		// lost an insert race; the winner's row is authoritative
		found, getErr := o.repo.Get(ctx, key)
		if getErr != nil {
			return nil, false, getErr
		}
		return found, false, nil
	case errors.Is(err, ErrCapacityExceeded):
		o.observer.RecordRejected(feature)
		logger.Warn("outbox capacity reached, write not queued",
			zap.String("feature", feature),
			zap.String("entry_id", key),
			zap.Int("cap", o.featureCap),
		)
		return nil, false, err
	case err != nil:
		logger.Error("failed to enqueue outbox entry", zap.String("entry_id", key), zap.Error(err))
		return nil, false, err
	}

	if existing != nil {
		logger.Debug("outbox entry already queued", zap.String("entry_id", key))
		return existing, false, nil
	}

	o.observer.RecordEnqueued(feature)
	logger.Info("outbox entry queued",
		zap.String("entry_id", key),
		zap.String("feature", feature),
		zap.Time("next_retry_at", entry.NextRetryAt),
	)
	o.emit(ctx, constraints.ActionEnqueued, entry, "")
	return entry, true, nil
}

// ListDue returns pending entries whose next_retry_at is at or before now.
func (o *Outbox) ListDue(ctx context.Context, now time.Time) ([]model.OutboxEntry, error) {
	return o.repo.QueryByStatusAndDueTime(ctx, model.StatusPending, now)
}

// List returns all entries regardless of due time, newest first.
func (o *Outbox) List(ctx context.Context, feature string) ([]model.OutboxEntry, error) {
	return o.repo.ListAll(ctx, feature)
}

func (o *Outbox) Get(ctx context.Context, id string) (*model.OutboxEntry, error) {
	entry, err := o.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	return entry, err
}

// Resolve deletes the entry and writes its audit record in one transaction.
// Resolving an entry that is already gone is not an error.
func (o *Outbox) Resolve(ctx context.Context, entry model.OutboxEntry, res Resolution) error {
	now := o.clock.Now()
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := o.repo.WithTx(tx).Delete(ctx, entry.ID); err != nil {
			return err
		}
		return o.auditRepo.WithTx(tx).Create(ctx, &model.OutboxAudit{
			EntryID:    entry.ID,
			Feature:    entry.Feature,
			Action:     res.Action,
			Trigger:    res.Trigger,
			Operator:   res.Operator,
			RetryCount: entry.RetryCount,
			Message:    res.Message,
			Payload:    entry.Payload,
			TraceID:    entry.TraceID,
			CreatedAt:  now,
		})
	})
	if err != nil {
		logger.Error("failed to resolve outbox entry",
			zap.String("entry_id", entry.ID),
			zap.String("action", string(res.Action)),
			zap.Error(err),
		)
		return err
	}

	action := constraints.ActionDelivered
	switch res.Action {
	case model.AuditDiscarded:
		action = constraints.ActionDiscarded
		o.observer.RecordDiscarded(entry.Feature)
	default:
		o.observer.RecordDelivered(entry.Feature, res.Trigger)
	}
	o.emit(ctx, action, &entry, res.Message)
	return nil
}

// Reschedule records a failed attempt. next_retry_at never moves backwards.
func (o *Outbox) Reschedule(ctx context.Context, id string, delay time.Duration, failure Failure) (*model.OutboxEntry, error) {
	if delay < 0 {
		delay = 0
	}

	var updated model.OutboxEntry
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := o.repo.WithTx(tx)
		current, err := txRepo.Get(ctx, id)
		if err != nil {
			return err
		}

		now := o.clock.Now()
		next := now.Add(delay)
		if next.Before(current.NextRetryAt) {
			next = current.NextRetryAt
		}

		fields := map[string]any{
			"status":        model.StatusPending,
			"retry_count":   current.RetryCount + 1,
			"next_retry_at": next,
			"err_code":      failure.Code,
			"err_message":   failure.Message,
			"updated_at":    now,
		}
		if err := txRepo.Update(ctx, id, fields); err != nil {
			return err
		}

		updated = *current
		updated.Status = model.StatusPending
		updated.RetryCount = current.RetryCount + 1
		updated.NextRetryAt = next
		updated.ErrCode = failure.Code
		updated.ErrMessage = failure.Message
		updated.UpdatedAt = now
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		logger.Error("failed to reschedule outbox entry", zap.String("entry_id", id), zap.Error(err))
		return nil, err
	}

	o.emit(ctx, constraints.ActionRescheduled, &updated, failure.Message)
	return &updated, nil
}

// DeadLetter parks an entry in failed_permanently. It stays visible and can
// still be retried or discarded by hand, but the scheduler ignores it.
func (o *Outbox) DeadLetter(ctx context.Context, entry model.OutboxEntry, failure Failure, trigger string) (*model.OutboxEntry, error) {
	now := o.clock.Now()
	updated := entry
	updated.Status = model.StatusFailedPermanently
	updated.RetryCount = entry.RetryCount + 1
	updated.ErrCode = failure.Code
	updated.ErrMessage = failure.Message
	updated.UpdatedAt = now

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := map[string]any{
			"status":      model.StatusFailedPermanently,
			"retry_count": updated.RetryCount,
			"err_code":    failure.Code,
			"err_message": failure.Message,
			"updated_at":  now,
		}
		if err := o.repo.WithTx(tx).Update(ctx, entry.ID, fields); err != nil {
			return err
		}
		return o.auditRepo.WithTx(tx).Create(ctx, &model.OutboxAudit{
			EntryID:    entry.ID,
			Feature:    entry.Feature,
			Action:     model.AuditDeadLettered,
			Trigger:    trigger,
			Operator:   "system",
			RetryCount: updated.RetryCount,
			Message:    failure.Message,
			TraceID:    entry.TraceID,
			CreatedAt:  now,
		})
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		logger.Error("failed to dead-letter outbox entry", zap.String("entry_id", entry.ID), zap.Error(err))
		return nil, err
	}

	o.observer.RecordDeadLettered(entry.Feature)
	logger.Warn("outbox entry dead-lettered",
		zap.String("entry_id", entry.ID),
		zap.Int("retry_count", updated.RetryCount),
		zap.String("reason", failure.Message),
	)
	o.emit(ctx, constraints.ActionDeadLettered, &updated, failure.Message)
	return &updated, nil
}

// MarkInFlight flags the entry while a submit is outstanding so a crash
// mid-attempt is detectable on restart.
func (o *Outbox) MarkInFlight(ctx context.Context, id string) error {
	err := o.repo.Update(ctx, id, map[string]any{
		"status":     model.StatusInFlight,
		"updated_at": o.clock.Now(),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrEntryNotFound
	}
	return err
}

// RecoverStale returns entries stuck in_flight for longer than olderThan to pending.
func (o *Outbox) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := o.clock.Now()
	n, err := o.repo.ResetStale(ctx, model.StatusInFlight, model.StatusPending, now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warn("recovered abandoned in-flight outbox entries", zap.Int64("count", n))
	}
	return n, nil
}

// Depth reports outstanding entries per feature.
func (o *Outbox) Depth(ctx context.Context) (map[string]int, error) {
	return o.repo.CountGrouped(ctx)
}

func (o *Outbox) Health(ctx context.Context) error {
	if err := o.auditRepo.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnhealthy, err)
	}
	return nil
}

func (o *Outbox) emit(ctx context.Context, action constraints.Action, entry *model.OutboxEntry, message string) {
	depth, err := o.repo.CountGrouped(ctx)
	if err != nil {
		logger.Warn("failed to read outbox depth", zap.Error(err))
	} else {
		o.observer.SetDepth(depth)
	}

	if o.sink == nil {
		return
	}
	o.sink.Publish(v1.OutboxEvent{
		Action:     string(action),
		EntryID:    entry.ID,
		Feature:    entry.Feature,
		RetryCount: entry.RetryCount,
		Message:    message,
		Depth:      depth,
		At:         o.clock.Now(),
	})
}

func encodePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", errors.New("payload must not be nil")
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}
