// internal/service/inventory/domain/repository.go
package domain

import (
	"context"
	"time"
)

// InventoryRepository 定义了库存预占和库存缓存的持久化接口。
// 它位于领域层，但由基础设施层实现。
// 每个循环迭代、每个商品或每个批次通过 Transaction 获得一个独立的工作单元。
type InventoryRepository interface {
	// Transaction 在同一个事务中执行 fn，fn 返回错误时整体回滚。
	Transaction(ctx context.Context, fn func(tx InventoryRepository) error) error

	// FindStockForUpdate 读取并锁定商品库存行，直到事务结束。
	FindStockForUpdate(ctx context.Context, productID string) (*ProductStockRecord, error)
	FindStock(ctx context.Context, productID string) (*ProductStockRecord, error)
	ListTrackedStocks(ctx context.Context) ([]*ProductStockRecord, error)
	// CreateStock 登记一个需要同步的商品，已存在时不做任何修改。
	CreateStock(ctx context.Context, record *ProductStockRecord) error
	UpdateOnHand(ctx context.Context, productID string, quantity int, syncedAt time.Time) error
	TouchSynced(ctx context.Context, productID string, syncedAt time.Time) error
	// SetPendingChange 与在库量更新在同一事务中记下待发布的通知，change 为 nil 时清空。
	SetPendingChange(ctx context.Context, productID string, change *StockChanged) error
	// ClearPendingChange 在通知发布成功后清空标记；标记已被更新的变化替换时不做修改。
	ClearPendingChange(ctx context.Context, delivered StockChanged) error

	// SumActiveReservations 汇总 now 时刻仍有效（未释放且 expires_at >= now）的预占数量。
	SumActiveReservations(ctx context.Context, productID string, now time.Time) (int, error)
	CreateReservation(ctx context.Context, r *StockReservation) error
	FindReservationForUpdate(ctx context.Context, id string) (*StockReservation, error)
	MarkReleased(ctx context.Context, id string, releasedAt time.Time) error
	// ListSweepable 返回最多 limit 条未释放且 expires_at <= now 的预占，按过期时间排序。
	ListSweepable(ctx context.Context, now time.Time, limit int) ([]*StockReservation, error)
	// ReleaseExpired 释放给定 id 中仍满足清扫条件的预占，返回实际释放的条数。
	ReleaseExpired(ctx context.Context, ids []string, now time.Time) (int, error)

	// RecordAnomaly 写入或累加一条未处理的异常。
	RecordAnomaly(ctx context.Context, anomaly *StockAnomaly) error
	ListOpenAnomalies(ctx context.Context, limit int) ([]*StockAnomaly, error)
}
