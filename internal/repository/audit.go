package repository

import (
	"context"
	"fieldsync/internal/model"

	"gorm.io/gorm"
)

// AuditInterface defines the interface for outbox audit persistence
type AuditInterface interface {
	Create(ctx context.Context, audit *model.OutboxAudit) error
	List(ctx context.Context, offset, limit int) ([]model.OutboxAudit, int64, error)
	ListByEntry(ctx context.Context, entryID string) ([]model.OutboxAudit, error)
	PingContext(ctx context.Context) error
	WithTx(tx *gorm.DB) AuditInterface
}

// AuditRepository is the domain repository that wraps the storage
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new instance of AuditRepository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, audit *model.OutboxAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

func (r *AuditRepository) List(ctx context.Context, offset, limit int) ([]model.OutboxAudit, int64, error) {
	var audits []model.OutboxAudit
	var total int64

	if err := r.db.WithContext(ctx).Model(&model.OutboxAudit{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if err := r.db.WithContext(ctx).Offset(offset).Limit(limit).Order("id DESC").Find(&audits).Error; err != nil {
		return nil, 0, err
	}

	return audits, total, nil
}

func (r *AuditRepository) ListByEntry(ctx context.Context, entryID string) ([]model.OutboxAudit, error) {
	var audits []model.OutboxAudit
	err := r.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Order("id DESC").
		Find(&audits).Error
	return audits, err
}

func (r *AuditRepository) WithTx(tx *gorm.DB) AuditInterface {
	return &AuditRepository{db: tx}
}

func (r *AuditRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
