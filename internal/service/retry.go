package service

import (
	"context"
	"fieldsync/internal/model"
	"fieldsync/internal/repository"
	"time"
)

const DefaultManualRetryDelay = 10 * time.Minute

// RetryResult is returned to the user after a manual retry. Message is the
// failure reason to show when the retry did not go through.
type RetryResult struct {
	Outcome Outcome
	Entry   *model.OutboxEntry
	Message string
}

// ManualRetry backs the inspection screen: list everything, retry now or
// discard. It shares the attempt state machine with the scheduler.
type ManualRetry struct {
	outbox    *Outbox
	delivery  *Delivery
	auditRepo repository.AuditInterface
	delay     time.Duration
}

func NewManualRetry(outbox *Outbox, delivery *Delivery, auditRepo repository.AuditInterface, delay time.Duration) *ManualRetry {
	if delay <= 0 {
		delay = DefaultManualRetryDelay
	}
	return &ManualRetry{
		outbox:    outbox,
		delivery:  delivery,
		auditRepo: auditRepo,
		delay:     delay,
	}
}

func (m *ManualRetry) List(ctx context.Context, feature string) ([]model.OutboxEntry, error) {
	return m.outbox.List(ctx, feature)
}

func (m *ManualRetry) Get(ctx context.Context, id string) (*model.OutboxEntry, error) {
	return m.outbox.Get(ctx, id)
}

// RetryNow submits the entry immediately, ignoring its due time. On failure
// the entry is pushed back by the manual retry delay.
func (m *ManualRetry) RetryNow(ctx context.Context, id string) (*RetryResult, error) {
	res, err := m.delivery.Attempt(ctx, id, TriggerManual, false, func(model.OutboxEntry) time.Duration {
		return m.delay
	})
	if err != nil {
		return nil, err
	}

	out := &RetryResult{Outcome: res.Outcome, Entry: res.Entry}
	if res.Failure != nil {
		out.Message = res.Failure.Message
	}
	return out, nil
}

func (m *ManualRetry) Discard(ctx context.Context, id, reason string) error {
	return m.delivery.Discard(ctx, id, reason)
}

func (m *ManualRetry) Depth(ctx context.Context) (map[string]int, error) {
	return m.outbox.Depth(ctx)
}

// History lists terminal transitions of one entry, newest first.
func (m *ManualRetry) History(ctx context.Context, id string) ([]model.OutboxAudit, error) {
	return m.auditRepo.ListByEntry(ctx, id)
}

// Audit pages through terminal transitions of all entries, newest first.
func (m *ManualRetry) Audit(ctx context.Context, page, size int) ([]model.OutboxAudit, int64, error) {
	return m.auditRepo.List(ctx, (page-1)*size, size)
}

func (m *ManualRetry) FeatureCap() int {
	return m.outbox.FeatureCap()
}

func (m *ManualRetry) Health(ctx context.Context) error {
	return m.outbox.Health(ctx)
}
