package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"inventorycore/internal/service/payment/domain"
)

const insertBatchSize = 200

// GormPaymentRepository 是 PaymentRepository 的 GORM (MySQL) 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

func NewGormPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// AutoMigrate 创建或更新对账相关的表结构。payment_record 通常由支付服务维护，这里只保证本地开发可用。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&PaymentRecordModel{}, &ReconciliationLogModel{})
}

func (r *GormPaymentRepository) Transaction(ctx context.Context, fn func(tx domain.PaymentRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormPaymentRepository{db: tx})
	})
}

func (r *GormPaymentRepository) ListStalePending(ctx context.Context, before time.Time) ([]*domain.PaymentRecord, error) {
	var models []PaymentRecordModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(domain.PaymentPending), before).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list stale pending payments")
	}
	result := make([]*domain.PaymentRecord, 0, len(models))
	for i := range models {
		result = append(result, toDomainPayment(&models[i]))
	}
	return result, nil
}

func (r *GormPaymentRepository) AppendLogs(ctx context.Context, entries []*domain.ReconciliationLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]*ReconciliationLogModel, 0, len(entries))
	for _, e := range entries {
		models = append(models, toLogModel(e))
	}
	if err := r.db.WithContext(ctx).CreateInBatches(models, insertBatchSize).Error; err != nil {
		return errors.Wrap(err, "append reconciliation logs")
	}
	for i, m := range models {
		entries[i].ID = m.ID
	}
	return nil
}

func (r *GormPaymentRepository) ListLogs(ctx context.Context, provider string, limit int) ([]*domain.ReconciliationLogEntry, error) {
	var models []ReconciliationLogModel
	q := r.db.WithContext(ctx).Order("checked_at DESC, id DESC")
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list reconciliation logs")
	}
	result := make([]*domain.ReconciliationLogEntry, 0, len(models))
	for i := range models {
		result = append(result, toDomainLog(&models[i]))
	}
	return result, nil
}

// SavePayment 写入一条支付记录，仅用于本地开发造数据
func (r *GormPaymentRepository) SavePayment(ctx context.Context, p *domain.PaymentRecord) error {
	return errors.Wrapf(r.db.WithContext(ctx).Save(toPaymentModel(p)).Error, "save payment %s", p.ID)
}
