package infrastructure

import "time"

// PaymentRecordModel 对应数据库中的 payment_record 表，由支付回调服务写入
type PaymentRecordModel struct {
	ID                string    `gorm:"primaryKey;size:64"`
	Provider          string    `gorm:"size:32;index:idx_provider_payment"`
	ProviderPaymentID string    `gorm:"size:128;index:idx_provider_payment"`
	Status            string    `gorm:"size:16;index:idx_status_created"`
	CreatedAt         time.Time `gorm:"index:idx_status_created"`
	RawResponse       string    `gorm:"type:text"`
}

// TableName 指定 GORM 应该使用的表名
func (PaymentRecordModel) TableName() string {
	return "payment_record"
}

// ReconciliationLogModel 对应数据库中的 reconciliation_log 表，只追加
type ReconciliationLogModel struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement"`
	Provider          string    `gorm:"size:32;index"`
	ProviderPaymentID string    `gorm:"size:128;index"`
	CheckedAt         time.Time `gorm:"index"`
	Issue             string    `gorm:"size:64"`
	Details           string    `gorm:"type:text"`
}

// TableName 指定 GORM 应该使用的表名
func (ReconciliationLogModel) TableName() string {
	return "reconciliation_log"
}
