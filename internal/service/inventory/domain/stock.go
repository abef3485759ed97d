// internal/service/inventory/domain/stock.go
package domain

import "time"

// ProductStockRecord 是外部库存系统数量在本地的缓存
// OnHandQuantity 只由同步器写入；可用量在读取时计算，从不落库
type ProductStockRecord struct {
	ProductID         string
	ExternalStockCode string
	OnHandQuantity    int
	LastSyncedAt      *time.Time

	// PendingChange 是已提交但还没有成功发布的变化通知，发布成功后清空
	PendingChange *StockChanged
}

// Available 返回扣除有效预占后的可用量，可能为负，负数表示存在超卖风险
func (p *ProductStockRecord) Available(activeReserved int) int {
	return p.OnHandQuantity - activeReserved
}

// Availability 是某个商品在某一时刻的库存视图
type Availability struct {
	ProductID      string    `json:"product_id"`
	OnHand         int       `json:"on_hand"`
	ActiveReserved int       `json:"active_reserved"`
	Available      int       `json:"available"`
	ComputedAt     time.Time `json:"computed_at"`
}
