package service

import (
	"context"
	"errors"
	"testing"

	"fieldsync/internal/model"
	v1 "fieldsync/pkg/api/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureRouter(t *testing.T) {
	router := NewFeatureRouter()
	var got string
	router.Register("timesheet", SubmitterFunc(func(_ context.Context, e model.OutboxEntry) error {
		got = e.ID
		return nil
	}))

	require.NoError(t, router.Submit(context.Background(), model.OutboxEntry{ID: "a", Feature: "timesheet"}))
	assert.Equal(t, "a", got)

	err := router.Submit(context.Background(), model.OutboxEntry{ID: "b", Feature: "fuel"})
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestDecodePayload(t *testing.T) {
	sheet, err := DecodePayload[v1.Timesheet](model.OutboxEntry{
		Feature:       "timesheet",
		Payload:       `{"operator_id":"op-1","work_date":"2026-10-17"}`,
		SchemaVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", sheet.OperatorID)

	_, err = DecodePayload[v1.Timesheet](model.OutboxEntry{Payload: `{}`, SchemaVersion: 99})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = DecodePayload[v1.Timesheet](model.OutboxEntry{Payload: `{`, SchemaVersion: 1})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	f, permanent := classify(Permanent("validation", "bad hour meter"))
	assert.True(t, permanent)
	assert.Equal(t, "bad hour meter", f.Message)

	f, permanent = classify(Transient("", "offline"))
	assert.False(t, permanent)
	assert.Equal(t, "remote_error", f.Code)

	f, permanent = classify(errors.New("unexpected EOF"))
	assert.False(t, permanent)
	assert.Equal(t, genericFailureMessage, f.Message)
}
