package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/model"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSheet() v1.Timesheet {
	in := time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC)
	return v1.Timesheet{
		OperatorID:  "op-12",
		EquipmentID: "EXC-04",
		SiteID:      "north-pit",
		WorkDate:    "2026-10-17",
		ClockIn:     in,
		ClockOut:    in.Add(9 * time.Hour),
		BreakMins:   30,
		HourMeter:   &v1.HourMeter{Start: 1204.5, End: 1213.0},
	}
}

func newTimesheetService(env *testEnv, sub Submitter) *TimesheetService {
	return NewTimesheetService(env.outbox, sub, NewDelivery(env.outbox, sub, NewLocalLocker()))
}

func TestTimesheetService_DeliveredDirectly(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{}
	svc := newTimesheetService(env, sub)

	res, err := svc.Submit(context.Background(), sampleSheet(), "")
	require.NoError(t, err)
	assert.Equal(t, WriteDelivered, res.Status)
	assert.NotEmpty(t, res.Key)

	list, err := env.outbox.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTimesheetService_QueuedOnTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		return Transient("network", "No connection")
	}}
	svc := newTimesheetService(env, sub)

	res, err := svc.Submit(context.Background(), sampleSheet(), "")
	require.NoError(t, err)
	assert.Equal(t, WriteQueued, res.Status)
	assert.Equal(t, "No connection", res.Message)
	require.NotNil(t, res.Entry)
	assert.Equal(t, constraints.FeatureTimesheet, res.Entry.Feature)

	// same sheet again: no second remote call, no second entry
	again, err := svc.Submit(context.Background(), sampleSheet(), "")
	require.NoError(t, err)
	assert.Equal(t, res.Key, again.Key)
	assert.EqualValues(t, 1, sub.calls.Load())

	list, err := env.outbox.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTimesheetService_PermanentFailureNotQueued(t *testing.T) {
	env := newTestEnv(t)
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		return Permanent("validation", "Unknown equipment")
	}}
	svc := newTimesheetService(env, sub)

	_, err := svc.Submit(context.Background(), sampleSheet(), "caller-key")
	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Unknown equipment", se.Message)

	list, err := env.outbox.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTimesheetService_ConcurrentResendSubmitsOnce(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		close(entered)
		<-release
		return Transient("network", "offline")
	}}
	svc := newTimesheetService(env, sub)

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Submit(context.Background(), sampleSheet(), "same-key")
		firstDone <- err
	}()
	<-entered

	_, err := svc.Submit(context.Background(), sampleSheet(), "same-key")
	assert.ErrorIs(t, err, ErrEntryBusy)

	close(release)
	require.NoError(t, <-firstDone)

	// once the first write is queued a resend is answered from the queue
	res, err := svc.Submit(context.Background(), sampleSheet(), "same-key")
	require.NoError(t, err)
	assert.Equal(t, WriteQueued, res.Status)
	assert.EqualValues(t, 1, sub.calls.Load())
}

func TestTimesheetService_CapacitySurfaced(t *testing.T) {
	env := newTestEnv(t, WithFeatureCap(1))
	sub := &countingSubmitter{fn: func(context.Context, model.OutboxEntry) error {
		return Transient("network", "offline")
	}}
	svc := newTimesheetService(env, sub)

	_, err := svc.Submit(context.Background(), sampleSheet(), "k1")
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), sampleSheet(), "k2")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestTimesheetService_Validation(t *testing.T) {
	env := newTestEnv(t)
	svc := newTimesheetService(env, &countingSubmitter{})

	sheet := sampleSheet()
	sheet.ClockOut = sheet.ClockIn.Add(-time.Hour)
	_, err := svc.Submit(context.Background(), sheet, "")
	assert.ErrorIs(t, err, ErrInvalidTimesheet)

	_, err = svc.SubmitAttendance(context.Background(), v1.Attendance{OperatorID: "op", Kind: "lunch"}, "")
	assert.ErrorIs(t, err, ErrInvalidTimesheet)

	res, err := svc.SubmitAttendance(context.Background(), v1.Attendance{OperatorID: "op", Kind: "in", At: time.Now()}, "")
	require.NoError(t, err)
	assert.Equal(t, WriteDelivered, res.Status)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("timesheet", `{"a":1}`)
	b := IdempotencyKey("timesheet", `{"a":1}`)
	c := IdempotencyKey("timesheet", `{"a":2}`)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "timesheet:")
	assert.LessOrEqual(t, len(a), maxKeyLen)
}
