package service

import (
	"context"
	"errors"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/pkg/logger"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSubmitTimeout = 30 * time.Second

	// genericFailureMessage is what the user sees when processing broke
	// before or outside the remote call.
	genericFailureMessage = "Could not process this entry. It will be retried automatically."
	codeProcessingError   = "processing_error"
	codeSubmitTimeout     = "timeout"
)

// Outcome is the result of a single delivery attempt.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeRescheduled  Outcome = "rescheduled"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeSkipped      Outcome = "skipped"
)

// AttemptResult describes what happened to one entry.
type AttemptResult struct {
	EntryID string
	Outcome Outcome
	Entry   *model.OutboxEntry // state after the attempt; nil once delivered
	Failure *Failure
}

// Delivery runs the shared attempt state machine for both the scheduler and
// manual retries. Every attempt holds the entry lock from before the submit
// until after the store mutation.
type Delivery struct {
	outbox              *Outbox
	submitter           Submitter
	locker              EntryLocker
	submitTimeout       time.Duration
	maxAttempts         int
	deadLetterPermanent bool
	observer            metrics.OutboxObserver
}

type DeliveryOption func(*Delivery)

func WithSubmitTimeout(d time.Duration) DeliveryOption {
	return func(dl *Delivery) { dl.submitTimeout = d }
}

// WithDeadLetter enables parking entries in failed_permanently. maxAttempts=0
// keeps retrying forever; permanent dead-letters backend rejections marked
// permanent on the first failure.
func WithDeadLetter(maxAttempts int, permanent bool) DeliveryOption {
	return func(dl *Delivery) {
		dl.maxAttempts = maxAttempts
		dl.deadLetterPermanent = permanent
	}
}

func WithDeliveryObserver(obs metrics.OutboxObserver) DeliveryOption {
	return func(dl *Delivery) { dl.observer = obs }
}

func NewDelivery(outbox *Outbox, submitter Submitter, locker EntryLocker, opts ...DeliveryOption) *Delivery {
	if locker == nil {
		locker = NewLocalLocker()
	}
	d := &Delivery{
		outbox:        outbox,
		submitter:     submitter,
		locker:        locker,
		submitTimeout: DefaultSubmitTimeout,
		observer:      metrics.NopOutboxObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attempt submits one entry. With requireDue the entry is skipped unless it
// is pending and due, which guards scheduler passes against entries that a
// manual retry already handled. delay is applied on failure.
func (d *Delivery) Attempt(ctx context.Context, id, trigger string, requireDue bool, delay func(entry model.OutboxEntry) time.Duration) (*AttemptResult, error) {
	unlock, ok, err := d.locker.TryLock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lock entry %s: %w", id, err)
	}
	if !ok {
		return nil, ErrEntryBusy
	}
	defer unlock()

	entry, err := d.outbox.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if requireDue && !entry.Due(d.outbox.Clock().Now()) {
		return &AttemptResult{EntryID: id, Outcome: OutcomeSkipped, Entry: entry}, nil
	}

	if err := d.outbox.MarkInFlight(ctx, id); err != nil {
		return nil, err
	}

	// once in flight, the outcome must reach the store even if the caller went away
	storeCtx := context.WithoutCancel(ctx)

	submitErr := d.submit(ctx, *entry)
	if submitErr == nil {
		err := d.outbox.Resolve(storeCtx, *entry, Resolution{
			Action:   model.AuditDelivered,
			Trigger:  trigger,
			Operator: GetOperator(ctx),
		})
		if err != nil {
			return nil, err
		}
		logger.Info("outbox entry delivered",
			zap.String("entry_id", id),
			zap.String("feature", entry.Feature),
			zap.String("trigger", trigger),
			zap.Int("retry_count", entry.RetryCount),
		)
		return &AttemptResult{EntryID: id, Outcome: OutcomeDelivered}, nil
	}

	failure, permanent := classify(submitErr)
	logger.Warn("outbox delivery failed",
		zap.String("entry_id", id),
		zap.String("feature", entry.Feature),
		zap.String("trigger", trigger),
		zap.Int("retry_count", entry.RetryCount),
		zap.Bool("permanent", permanent),
		zap.Error(submitErr),
	)

	if d.shouldDeadLetter(*entry, permanent) {
		parked, err := d.outbox.DeadLetter(storeCtx, *entry, failure, trigger)
		if err != nil {
			return nil, err
		}
		return &AttemptResult{EntryID: id, Outcome: OutcomeDeadLettered, Entry: parked, Failure: &failure}, nil
	}

	updated, err := d.outbox.Reschedule(storeCtx, id, delay(*entry), failure)
	if err != nil {
		return nil, err
	}
	d.observer.RecordRescheduled(entry.Feature, trigger)
	return &AttemptResult{EntryID: id, Outcome: OutcomeRescheduled, Entry: updated, Failure: &failure}, nil
}

// Discard removes an entry on explicit user request. It takes the same lock
// as an attempt so it never races a submit in progress.
func (d *Delivery) Discard(ctx context.Context, id, reason string) error {
	unlock, ok, err := d.locker.TryLock(ctx, id)
	if err != nil {
		return fmt.Errorf("lock entry %s: %w", id, err)
	}
	if !ok {
		return ErrEntryBusy
	}
	defer unlock()

	entry, err := d.outbox.Get(ctx, id)
	if err != nil {
		return err
	}
	operator := GetOperator(ctx)
	if err := d.outbox.Resolve(ctx, *entry, Resolution{
		Action:   model.AuditDiscarded,
		Trigger:  TriggerManual,
		Operator: operator,
		Message:  reason,
	}); err != nil {
		return err
	}
	logger.Info("outbox entry discarded",
		zap.String("entry_id", id),
		zap.String("feature", entry.Feature),
		zap.String("operator", operator),
	)
	return nil
}

// submit calls the submitter with a deadline and turns a panic into an error.
func (d *Delivery) submit(ctx context.Context, entry model.OutboxEntry) (err error) {
	callCtx := ctx
	if d.submitTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.submitTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("submitter panic",
				zap.String("entry_id", entry.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("submitter panic: %v", r)
		}
		d.observer.ObserveSubmitLatency(entry.Feature, time.Since(start).Seconds())
	}()

	err = d.submitter.Submit(callCtx, entry)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		var se *SubmitError
		if !errors.As(err, &se) {
			return Transient(codeSubmitTimeout, "The server did not respond in time. The entry will be retried.")
		}
	}
	return err
}

func (d *Delivery) shouldDeadLetter(entry model.OutboxEntry, permanent bool) bool {
	if permanent && d.deadLetterPermanent {
		return true
	}
	return d.maxAttempts > 0 && entry.RetryCount+1 >= d.maxAttempts
}

// classify maps a submit error to the stored failure. Only structured remote
// failures keep their message; anything else gets a generic one.
func classify(err error) (Failure, bool) {
	var se *SubmitError
	if errors.As(err, &se) {
		code := se.Code
		if code == "" {
			code = "remote_error"
		}
		return Failure{Code: code, Message: se.Message}, se.Permanent
	}
	return Failure{Code: codeProcessingError, Message: genericFailureMessage}, false
}
