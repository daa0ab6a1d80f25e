package service

import (
	"context"
	"testing"
	"time"

	"fieldsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManualRetry(env *testEnv, sub Submitter) (*ManualRetry, *Scheduler) {
	delivery := NewDelivery(env.outbox, sub, NewLocalLocker())
	return NewManualRetry(env.outbox, delivery, env.audit, 0), NewScheduler(env.outbox, delivery, time.Minute)
}

func TestManualRetry_RetryNowBypassesDueTime(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{}
	manual, _ := newManualRetry(env, sub)

	_, _, err := env.outbox.Enqueue(context.Background(), "timesheet", "a", "{}")
	require.NoError(t, err)

	ctx := WithOperator(context.Background(), &OperatorInfo{UserID: "7", Name: "driver7"})
	res, err := manual.RetryNow(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Empty(t, res.Message)

	_, err = manual.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	history, err := manual.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerManual, history[0].Trigger)
	assert.Equal(t, "driver7", history[0].Operator)
}

func TestManualRetry_FailureUsesManualDelay(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		return Transient("http_503", "Server is busy, try again later")
	}}
	manual, _ := newManualRetry(env, sub)

	_, _, err := env.outbox.Enqueue(context.Background(), "timesheet", "a", "{}")
	require.NoError(t, err)

	res, err := manual.RetryNow(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRescheduled, res.Outcome)
	assert.Equal(t, "Server is busy, try again later", res.Message)
	require.NotNil(t, res.Entry)
	assert.True(t, env.clock.Now().Add(DefaultManualRetryDelay).Equal(res.Entry.NextRetryAt))
	assert.Equal(t, 1, res.Entry.RetryCount)

	list, err := manual.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, list, 1, "failed manual retry keeps the entry")
}

func TestManualRetry_CallerGoneAfterSubmit(t *testing.T) {
	cases := []struct {
		name    string
		result  error
		outcome Outcome
	}{
		{name: "accepted", result: nil, outcome: OutcomeDelivered},
		{name: "refused", result: Transient("http_503", "Server is busy"), outcome: OutcomeRescheduled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			// the phone hangs up while the backend is answering
			sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
				cancel()
				return tc.result
			}}
			manual, _ := newManualRetry(env, sub)
			_, _, err := env.outbox.Enqueue(context.Background(), "timesheet", "a", "{}")
			require.NoError(t, err)

			res, err := manual.RetryNow(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, res.Outcome)

			entry, err := env.outbox.Get(context.Background(), "a")
			if tc.outcome == OutcomeDelivered {
				assert.ErrorIs(t, err, ErrEntryNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, entry.Status)
			assert.Equal(t, 1, entry.RetryCount)
		})
	}
}

func TestManualRetry_MissingEntry(t *testing.T) {
	env := newTestEnv(t)
	manual, _ := newManualRetry(env, &countingSubmitter{})

	_, err := manual.RetryNow(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, manual.Discard(context.Background(), "ghost", ""), ErrEntryNotFound)
}

func TestManualRetry_NoDoubleProcessing(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		close(entered)
		<-release
		return Transient("", "offline")
	}}
	manual, sched := newManualRetry(env, sub)
	enqueueDue(t, env, "a")

	type result struct {
		res *RetryResult
		err error
	}
	manualDone := make(chan result)
	go func() {
		res, err := manual.RetryNow(context.Background(), "a")
		manualDone <- result{res, err}
	}()
	<-entered

	// the tick fires while the manual submit is outstanding
	report := sched.ProcessDueItems(context.Background())
	assert.Equal(t, 0, report.Delivered+report.Rescheduled)

	close(release)
	got := <-manualDone
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeRescheduled, got.res.Outcome)

	assert.EqualValues(t, 1, sub.calls.Load())
	entry, err := env.outbox.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.RetryCount, "rescheduled exactly once")
	assert.Equal(t, model.StatusPending, entry.Status)
}

func TestManualRetry_BusyWhileTickRuns(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		close(entered)
		<-release
		return nil
	}}
	manual, sched := newManualRetry(env, sub)
	enqueueDue(t, env, "a")

	tickDone := make(chan TickReport)
	go func() { tickDone <- sched.ProcessDueItems(context.Background()) }()
	<-entered

	_, err := manual.RetryNow(context.Background(), "a")
	assert.ErrorIs(t, err, ErrEntryBusy)
	assert.ErrorIs(t, manual.Discard(context.Background(), "a", ""), ErrEntryBusy)

	close(release)
	report := <-tickDone
	assert.Equal(t, 1, report.Delivered)
	assert.EqualValues(t, 1, sub.calls.Load())
}

func TestManualRetry_DiscardIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{}
	manual, sched := newManualRetry(env, sub)
	enqueueDue(t, env, "a")

	ctx := WithOperator(context.Background(), &OperatorInfo{UserID: "3", Name: "supervisor"})
	require.NoError(t, manual.Discard(ctx, "a", "duplicate sheet"))

	_, err := manual.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	report := sched.ProcessDueItems(context.Background())
	assert.Equal(t, 0, report.Due)
	assert.EqualValues(t, 0, sub.calls.Load())

	history, err := manual.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.AuditDiscarded, history[0].Action)
	assert.Equal(t, "supervisor", history[0].Operator)
	assert.Equal(t, "duplicate sheet", history[0].Message)
	assert.NotEqual(t, model.AuditDelivered, history[0].Action)

	audits, total, err := manual.Audit(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, audits, 1)
	assert.Equal(t, "a", audits[0].EntryID)
	assert.Equal(t, DefaultFeatureCap, manual.FeatureCap())
}

func TestManualRetry_RevivesDeadLetteredEntry(t *testing.T) {
	env := newTestEnv(t)
	fail := true
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		if fail {
			return Permanent("validation", "rejected")
		}
		return nil
	}}
	delivery := NewDelivery(env.outbox, sub, NewLocalLocker(), WithDeadLetter(0, true))
	manual := NewManualRetry(env.outbox, delivery, env.audit, 0)
	sched := NewScheduler(env.outbox, delivery, time.Minute)
	enqueueDue(t, env, "a")

	report := sched.ProcessDueItems(context.Background())
	require.Equal(t, 1, report.DeadLettered)

	fail = false
	res, err := manual.RetryNow(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
}
