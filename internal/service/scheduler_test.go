package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/model"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSubmitter struct {
	calls atomic.Int32
	fn    func(ctx context.Context, entry model.OutboxEntry) error
}

func (s *countingSubmitter) Submit(ctx context.Context, entry model.OutboxEntry) error {
	s.calls.Add(1)
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, entry)
}

func newScheduler(env *testEnv, sub Submitter, opts ...DeliveryOption) (*Scheduler, *Delivery) {
	delivery := NewDelivery(env.outbox, sub, NewLocalLocker(), opts...)
	return NewScheduler(env.outbox, delivery, time.Minute), delivery
}

func enqueueDue(t *testing.T, env *testEnv, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, _, err := env.outbox.Enqueue(context.Background(), constraints.FeatureTimesheet, id, `{"operator_id":"op1","work_date":"2026-10-17"}`)
		require.NoError(t, err)
	}
	env.clock.Advance(DefaultFirstAttemptDelay + time.Second)
}

func TestScheduler_SuccessRemovesEntries(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{}
	sched, _ := newScheduler(env, sub)
	enqueueDue(t, env, "a", "b", "c")

	report := sched.ProcessDueItems(context.Background())
	assert.Equal(t, 3, report.Due)
	assert.Equal(t, 3, report.Delivered)
	assert.EqualValues(t, 3, sub.calls.Load())

	left, err := env.outbox.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, left)

	audits, total, err := env.audit.List(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	for _, a := range audits {
		assert.Equal(t, model.AuditDelivered, a.Action)
		assert.Equal(t, TriggerScheduler, a.Trigger)
	}
}

func TestScheduler_FailureReschedules(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		return Transient("", "X")
	}}
	sched, _ := newScheduler(env, sub)
	enqueueDue(t, env, "a")

	before, err := env.outbox.Get(context.Background(), "a")
	require.NoError(t, err)

	report := sched.ProcessDueItems(context.Background())
	assert.Equal(t, 1, report.Rescheduled)

	all, err := env.outbox.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 1)

	after := all[0]
	assert.Equal(t, before.RetryCount+1, after.RetryCount)
	assert.Equal(t, "X", after.ErrMessage)
	assert.Equal(t, model.StatusPending, after.Status)
	assert.True(t, after.NextRetryAt.After(before.NextRetryAt))

	// not due again until the interval passes
	report = sched.ProcessDueItems(context.Background())
	assert.Equal(t, 0, report.Due)
	assert.EqualValues(t, 1, sub.calls.Load())
}

func TestScheduler_PoisonedEntryIsolated(t *testing.T) {
	env := newTestEnv(t)
	router := NewFeatureRouter()
	delivered := make(map[string]bool)
	var mu sync.Mutex
	router.Register(constraints.FeatureTimesheet, SubmitterFunc(func(_ context.Context, entry model.OutboxEntry) error {
		if _, err := DecodePayload[v1.Timesheet](entry); err != nil {
			return err
		}
		mu.Lock()
		delivered[entry.ID] = true
		mu.Unlock()
		return nil
	}))
	sched, _ := newScheduler(env, router)

	ctx := context.Background()
	_, _, err := env.outbox.Enqueue(ctx, constraints.FeatureTimesheet, "one", `{"operator_id":"op1"}`)
	require.NoError(t, err)
	_, _, err = env.outbox.Enqueue(ctx, constraints.FeatureTimesheet, "two", `{not json`)
	require.NoError(t, err)
	_, _, err = env.outbox.Enqueue(ctx, constraints.FeatureTimesheet, "three", `{"operator_id":"op3"}`)
	require.NoError(t, err)
	env.clock.Advance(2 * DefaultFirstAttemptDelay)

	report := sched.ProcessDueItems(ctx)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Rescheduled)
	assert.True(t, delivered["one"])
	assert.True(t, delivered["three"])

	left, err := env.outbox.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "two", left[0].ID)
	assert.Equal(t, genericFailureMessage, left[0].ErrMessage)
	assert.Equal(t, codeProcessingError, left[0].ErrCode)
	assert.Equal(t, 1, left[0].RetryCount)
}

func TestScheduler_PanickingSubmitterContained(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{fn: func(_ context.Context, entry model.OutboxEntry) error {
		if entry.ID == "boom" {
			panic("nil map")
		}
		return nil
	}}
	sched, _ := newScheduler(env, sub)
	enqueueDue(t, env, "boom", "fine")

	report := sched.ProcessDueItems(context.Background())
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Rescheduled)

	got, err := env.outbox.Get(context.Background(), "boom")
	require.NoError(t, err)
	assert.Equal(t, genericFailureMessage, got.ErrMessage)
}

func TestScheduler_UnknownFeatureRescheduled(t *testing.T) {
	env := newTestEnv(t)
	sched, _ := newScheduler(env, NewFeatureRouter())

	_, _, err := env.outbox.Enqueue(context.Background(), "fuel_log", "f-1", "{}")
	require.NoError(t, err)
	env.clock.Advance(2 * DefaultFirstAttemptDelay)

	report := sched.ProcessDueItems(context.Background())
	assert.Equal(t, 1, report.Rescheduled)
}

func TestScheduler_SubmitTimeout(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{fn: func(ctx context.Context, _ model.OutboxEntry) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	sched, _ := newScheduler(env, sub, WithSubmitTimeout(20*time.Millisecond))
	enqueueDue(t, env, "slow")

	report := sched.ProcessDueItems(context.Background())
	assert.Equal(t, 1, report.Rescheduled)

	got, err := env.outbox.Get(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, codeSubmitTimeout, got.ErrCode)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestScheduler_DeadLetter(t *testing.T) {
	t.Run("permanent failure when enabled", func(t *testing.T) {
		env := newTestEnv(t)
		sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
			return Permanent("validation", "clock-out before clock-in")
		}}
		sched, _ := newScheduler(env, sub, WithDeadLetter(0, true))
		enqueueDue(t, env, "bad")

		report := sched.ProcessDueItems(context.Background())
		assert.Equal(t, 1, report.DeadLettered)

		got, err := env.outbox.Get(context.Background(), "bad")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailedPermanently, got.Status)

		// parked entries are never picked up again
		env.clock.Advance(time.Hour)
		report = sched.ProcessDueItems(context.Background())
		assert.Equal(t, 0, report.Due)
		assert.EqualValues(t, 1, sub.calls.Load())

		audits, err := env.audit.ListByEntry(context.Background(), "bad")
		require.NoError(t, err)
		require.Len(t, audits, 1)
		assert.Equal(t, model.AuditDeadLettered, audits[0].Action)
	})

	t.Run("permanent failure retried by default", func(t *testing.T) {
		env := newTestEnv(t)
		sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
			return Permanent("validation", "rejected")
		}}
		sched, _ := newScheduler(env, sub)
		enqueueDue(t, env, "bad")

		report := sched.ProcessDueItems(context.Background())
		assert.Equal(t, 1, report.Rescheduled)
	})

	t.Run("max attempts", func(t *testing.T) {
		env := newTestEnv(t)
		sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
			return Transient("", "offline")
		}}
		sched, _ := newScheduler(env, sub, WithDeadLetter(2, false))
		enqueueDue(t, env, "flaky")

		sched.ProcessDueItems(context.Background())
		env.clock.Advance(2 * time.Minute)
		report := sched.ProcessDueItems(context.Background())
		assert.Equal(t, 1, report.DeadLettered)

		got, err := env.outbox.Get(context.Background(), "flaky")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailedPermanently, got.Status)
		assert.Equal(t, 2, got.RetryCount)
	})
}

func TestScheduler_TickSkippedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		close(entered)
		<-release
		return nil
	}}
	sched, _ := newScheduler(env, sub)
	enqueueDue(t, env, "a")

	done := make(chan TickReport)
	go func() { done <- sched.ProcessDueItems(context.Background()) }()
	<-entered

	report := sched.ProcessDueItems(context.Background())
	assert.True(t, report.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Delivered)
	assert.EqualValues(t, 1, sub.calls.Load())
}

func TestScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{}
	sched, _ := newScheduler(env, sub)
	enqueueDue(t, env, "a")

	assert.NoError(t, sched.Stop(context.Background()), "stopping a stopped scheduler is a no-op")

	sched.Start(context.Background())
	sched.Start(context.Background())
	assert.True(t, sched.Running())

	// start performs an immediate pass
	require.Eventually(t, func() bool {
		left, err := env.outbox.List(context.Background(), "")
		return err == nil && len(left) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Stop(context.Background()))
	assert.False(t, sched.Running())
	assert.EqualValues(t, 1, sub.calls.Load())
}

func TestScheduler_StopLetsBatchFinish(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		close(entered)
		<-release
		return nil
	}}
	sched, _ := newScheduler(env, sub)
	enqueueDue(t, env, "a")

	sched.Start(context.Background())
	<-entered

	stopped := make(chan error)
	go func() { stopped <- sched.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a batch was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)

	_, err := env.outbox.Get(context.Background(), "a")
	assert.True(t, errors.Is(err, ErrEntryNotFound), "in-flight entry was resolved, not abandoned")
}
