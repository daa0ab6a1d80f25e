package service

import (
	"context"
	"errors"
	"fieldsync/internal/metrics"
	"fieldsync/internal/model"
	"fieldsync/pkg/logger"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultPollInterval = 60 * time.Second

// TickReport summarizes one scan-and-process pass.
type TickReport struct {
	Skipped      bool
	Due          int
	Delivered    int
	Rescheduled  int
	DeadLettered int
	Busy         int
	Errors       int
}

// Scheduler is the background retry loop. It is owned by the composition
// root and driven through Start and Stop.
type Scheduler struct {
	outbox   *Outbox
	delivery *Delivery
	policy   RetryPolicy
	interval time.Duration
	staleAge time.Duration
	observer metrics.OutboxObserver

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	ticking atomic.Bool
}

type SchedulerOption func(*Scheduler)

func WithRetryPolicy(p RetryPolicy) SchedulerOption {
	return func(s *Scheduler) { s.policy = p }
}

// WithStaleAfter sets how long an entry may sit in_flight before a pass
// returns it to pending.
func WithStaleAfter(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.staleAge = d }
}

func WithSchedulerObserver(obs metrics.OutboxObserver) SchedulerOption {
	return func(s *Scheduler) { s.observer = obs }
}

func NewScheduler(outbox *Outbox, delivery *Delivery, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := &Scheduler{
		outbox:   outbox,
		delivery: delivery,
		policy:   FixedBackoff{Interval: interval},
		interval: interval,
		staleAge: 2 * delivery.submitTimeout,
		observer: metrics.NopOutboxObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs one pass immediately and then one per interval. Calling Start
// on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx, s.done)
	logger.Info("retry scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the timer and waits for the current batch to finish. The
// batch itself is not interrupted; ctx only bounds how long Stop waits.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		logger.Info("retry scheduler stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("retry scheduler stop timed out, batch still running")
		return ctx.Err()
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}


func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.ProcessDueItems(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessDueItems(ctx)
		}
	}
}

// ProcessDueItems performs one pass over due entries, sequentially. A pass
// that starts while another is still running is skipped. Failures are
// contained per entry and never escape.
func (s *Scheduler) ProcessDueItems(ctx context.Context) TickReport {
	if !s.ticking.CompareAndSwap(false, true) {
		s.observer.RecordTickSkipped()
		logger.Debug("previous scheduler pass still running, tick skipped")
		return TickReport{Skipped: true}
	}
	defer s.ticking.Store(false)

	start := time.Now()
	defer func() {
		s.observer.ObserveTickDuration(time.Since(start).Seconds())
	}()

	// a started batch runs to completion even when the loop is cancelled
	batchCtx := context.WithoutCancel(ctx)
	var report TickReport

	if s.staleAge > 0 {
		if _, err := s.outbox.RecoverStale(batchCtx, s.staleAge); err != nil {
			logger.Error("failed to recover stale outbox entries", zap.Error(err))
		}
	}

	due, err := s.outbox.ListDue(batchCtx, s.outbox.Clock().Now())
	if err != nil {
		logger.Error("failed to list due outbox entries", zap.Error(err))
		report.Errors++
		return report
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report
	}

	logger.Debug("processing due outbox entries", zap.Int("count", len(due)))
	for _, entry := range due {
		s.processOne(batchCtx, entry, &report)
	}

	logger.Info("scheduler pass finished",
		zap.Int("due", report.Due),
		zap.Int("delivered", report.Delivered),
		zap.Int("rescheduled", report.Rescheduled),
		zap.Int("dead_lettered", report.DeadLettered),
		zap.Int("busy", report.Busy),
		zap.Int("errors", report.Errors),
	)
	return report
}

func (s *Scheduler) processOne(ctx context.Context, entry model.OutboxEntry, report *TickReport) {
	defer func() {
		if r := recover(); r != nil {
			report.Errors++
			logger.Error("panic while processing outbox entry",
				zap.String("entry_id", entry.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	res, err := s.delivery.Attempt(ctx, entry.ID, TriggerScheduler, true, func(e model.OutboxEntry) time.Duration {
		return s.policy.NextDelay(e.RetryCount)
	})
	switch {
	case errors.Is(err, ErrEntryBusy):
		report.Busy++
		return
	case errors.Is(err, ErrEntryNotFound):
		// resolved or discarded since the listing
		return
	case err != nil:
		report.Errors++
		logger.Error("failed to process outbox entry", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}

	switch res.Outcome {
	case OutcomeDelivered:
		report.Delivered++
	case OutcomeRescheduled:
		report.Rescheduled++
	case OutcomeDeadLettered:
		report.DeadLettered++
	}
}
