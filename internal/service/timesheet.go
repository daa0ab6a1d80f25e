package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fieldsync/internal/model"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"
	"fieldsync/pkg/logger"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var ErrInvalidTimesheet = errors.New("invalid timesheet")

// WriteStatus tells the caller what happened to a write.
type WriteStatus string

const (
	WriteDelivered WriteStatus = "delivered"
	WriteQueued    WriteStatus = "queued"
)

type WriteResult struct {
	Status  WriteStatus
	Key     string
	Entry   *model.OutboxEntry // set when queued
	Message string             // remote failure that caused queuing
}

// TimesheetService is the caller side of the outbox: it tries the remote
// right away and falls back to the queue when that fails.
type TimesheetService struct {
	outbox    *Outbox
	submitter Submitter
	delivery  *Delivery
}

func NewTimesheetService(outbox *Outbox, submitter Submitter, delivery *Delivery) *TimesheetService {
	return &TimesheetService{
		outbox:    outbox,
		submitter: submitter,
		delivery:  delivery,
	}
}

// Submit sends a timesheet. key may be empty, in which case one is derived
// from the payload content so resubmitting the same sheet is idempotent.
func (s *TimesheetService) Submit(ctx context.Context, sheet v1.Timesheet, key string) (*WriteResult, error) {
	if sheet.OperatorID == "" || sheet.WorkDate == "" {
		return nil, ErrInvalidTimesheet
	}
	if !sheet.ClockOut.IsZero() && sheet.ClockOut.Before(sheet.ClockIn) {
		return nil, ErrInvalidTimesheet
	}
	return s.write(ctx, constraints.FeatureTimesheet, key, sheet)
}

func (s *TimesheetService) SubmitAttendance(ctx context.Context, mark v1.Attendance, key string) (*WriteResult, error) {
	if mark.OperatorID == "" || (mark.Kind != "in" && mark.Kind != "out") {
		return nil, ErrInvalidTimesheet
	}
	return s.write(ctx, constraints.FeatureAttendance, key, mark)
}

func (s *TimesheetService) write(ctx context.Context, feature, key string, payload any) (*WriteResult, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = IdempotencyKey(feature, raw)
	}

	// a resend of the same write must not reach the backend twice
	unlock, ok, err := s.delivery.locker.TryLock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock entry %s: %w", key, err)
	}
	if !ok {
		return nil, ErrEntryBusy
	}
	defer unlock()

	// an identical write may already be waiting; let the queue own it
	if existing, err := s.outbox.Get(ctx, key); err == nil {
		return &WriteResult{Status: WriteQueued, Key: key, Entry: existing, Message: existing.ErrMessage}, nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	now := s.outbox.Clock().Now()
	attempt := model.OutboxEntry{
		ID:            key,
		Feature:       feature,
		Payload:       raw,
		SchemaVersion: constraints.CurrentSchemaVersion,
		Status:        model.StatusInFlight,
		TraceID:       GetTraceID(ctx),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	submitErr := s.delivery.submit(ctx, attempt)
	if submitErr == nil {
		logger.Info("write delivered directly", zap.String("feature", feature), zap.String("key", key))
		return &WriteResult{Status: WriteDelivered, Key: key}, nil
	}

	failure, permanent := classify(submitErr)
	if permanent {
		// permanent rejections go back to the caller unqueued
		return nil, submitErr
	}

	entry, _, err := s.outbox.Enqueue(ctx, feature, key, raw)
	if err != nil {
		return nil, err
	}
	logger.Info("write queued for retry",
		zap.String("feature", feature),
		zap.String("entry_id", key),
		zap.String("reason", failure.Message),
	)
	return &WriteResult{Status: WriteQueued, Key: key, Entry: entry, Message: failure.Message}, nil
}

// IdempotencyKey derives a stable key from the feature and the payload bytes.
func IdempotencyKey(feature, payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return strings.ToLower(feature) + ":" + hex.EncodeToString(sum[:])
}
