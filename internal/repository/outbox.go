package repository

import (
	"context"
	"errors"
	"fieldsync/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDuplicateKey = errors.New("outbox entry already exists")
	ErrNotFound     = errors.New("outbox entry not found")
)

// OutboxInterface is the durable record store behind the outbox. Every call
// returns only after the write is committed.
type OutboxInterface interface {
	Insert(ctx context.Context, entry *model.OutboxEntry) error
	Update(ctx context.Context, id string, fields map[string]any) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.OutboxEntry, error)
	QueryByStatusAndDueTime(ctx context.Context, status model.EntryStatus, now time.Time) ([]model.OutboxEntry, error)
	ListAll(ctx context.Context, feature string) ([]model.OutboxEntry, error)
	LockFeature(ctx context.Context, feature string) error
	CountByFeature(ctx context.Context, feature string) (int64, error)
	CountGrouped(ctx context.Context) (map[string]int, error)
	ResetStale(ctx context.Context, from, to model.EntryStatus, staleBefore, now time.Time) (int64, error)
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Insert(ctx context.Context, entry *model.OutboxEntry) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", entry.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateKey
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		// racing insert from another connection
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (r *OutboxRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete is idempotent: removing a missing id is not an error.
func (r *OutboxRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.OutboxEntry{}).Error
}

func (r *OutboxRepository) Get(ctx context.Context, id string) (*model.OutboxEntry, error) {
	var entry model.OutboxEntry
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (r *OutboxRepository) QueryByStatusAndDueTime(ctx context.Context, status model.EntryStatus, now time.Time) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", status, now).
		Order("next_retry_at ASC, created_at ASC").
		Find(&entries).Error
	return entries, err
}

// ListAll returns entries newest first, optionally narrowed to one feature.
func (r *OutboxRepository) ListAll(ctx context.Context, feature string) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	query := r.db.WithContext(ctx)
	if feature != "" {
		query = query.Where("feature = ?", feature)
	}
	err := query.Order("created_at DESC, id DESC").Find(&entries).Error
	return entries, err
}

// LockFeature holds the feature's slot row until the surrounding transaction
// ends. Call it inside WithTx; outside a transaction it locks nothing.
func (r *OutboxRepository) LockFeature(ctx context.Context, feature string) error {
	slot := model.FeatureSlot{Feature: feature, CreatedAt: time.Now().UTC()}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&slot).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("feature = ?", feature).
		Take(&slot).Error
}

func (r *OutboxRepository) CountByFeature(ctx context.Context, feature string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("feature = ?", feature).Count(&count).Error
	return count, err
}

func (r *OutboxRepository) CountGrouped(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Feature string
		Total   int
	}
	err := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Select("feature, COUNT(*) AS total").
		Group("feature").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Feature] = row.Total
	}
	return out, nil
}

// ResetStale moves entries stuck in from since before staleBefore back to to.
// It recovers in-flight entries abandoned by a crashed attempt.
func (r *OutboxRepository) ResetStale(ctx context.Context, from, to model.EntryStatus, staleBefore, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("status = ? AND updated_at < ?", from, staleBefore).
		Updates(map[string]any{"status": to, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx}
}
