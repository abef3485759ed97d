package infrastructure

import (
	"database/sql"
	"time"
)

// StockReservationModel 对应数据库中的 stock_reservation 表
type StockReservationModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	ProductID  string    `gorm:"size:64;not null;index:idx_reservation_product_active,priority:1"`
	Quantity   int       `gorm:"not null"`
	HolderRef  string    `gorm:"size:128;not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index:idx_reservation_product_active,priority:3;index:idx_reservation_sweep,priority:2"`
	IsReleased bool      `gorm:"not null;default:false;index:idx_reservation_product_active,priority:2;index:idx_reservation_sweep,priority:1"`
	ReleasedAt sql.NullTime
}

// TableName 指定 GORM 应该使用的表名
func (StockReservationModel) TableName() string {
	return "stock_reservation"
}

// ProductStockModel 对应数据库中的 product_stock 表
type ProductStockModel struct {
	ProductID         string `gorm:"primaryKey;size:64"`
	ExternalStockCode string `gorm:"size:64;not null;uniqueIndex"`
	OnHandQuantity    int    `gorm:"not null;default:0"`
	LastSyncedAt      sql.NullTime

	// 已提交但尚未发布的变化通知，三列同时为空或同时有值
	PendingOldQuantity sql.NullInt64
	PendingNewQuantity sql.NullInt64
	PendingChangedAt   sql.NullTime
}

// TableName 指定 GORM 应该使用的表名
func (ProductStockModel) TableName() string {
	return "product_stock"
}

// StockAnomalyModel 对应数据库中的 stock_anomaly 表
type StockAnomalyModel struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement"`
	ProductID       string    `gorm:"size:64;not null;index:idx_anomaly_open,priority:1"`
	Kind            string    `gorm:"size:32;not null;index:idx_anomaly_open,priority:2"`
	Details         string    `gorm:"type:text"`
	FirstDetectedAt time.Time `gorm:"not null"`
	LastDetectedAt  time.Time `gorm:"not null"`
	Occurrences     int       `gorm:"not null;default:1"`
	Resolved        bool      `gorm:"not null;default:false;index:idx_anomaly_open,priority:3"`
}

// TableName 指定 GORM 应该使用的表名
func (StockAnomalyModel) TableName() string {
	return "stock_anomaly"
}
