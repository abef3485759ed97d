// internal/service/inventory/domain/event.go
package domain

import "time"

// StockChanged 在同步器发现外部数量变化时发出，每次变化恰好一条
type StockChanged struct {
	ProductID   string    `json:"product_id"`
	OldQuantity int       `json:"old_quantity"`
	NewQuantity int       `json:"new_quantity"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// AnomalyKind 库存完整性异常的类型
type AnomalyKind string

const (
	// AnomalyOversellRisk 同步后的在库量低于有效预占总量
	AnomalyOversellRisk AnomalyKind = "oversell_risk"
	// AnomalyMissingFromFeed 外部系统不再返回该库存编码，需要人工确认
	AnomalyMissingFromFeed AnomalyKind = "missing_from_feed"
)

// StockAnomaly 是供运维查询的结构化审计记录，本服务只记录不自动修正。
// 同一商品同一类型未处理的异常只保留一条，重复发现时累加 Occurrences。
type StockAnomaly struct {
	ID              uint64      `json:"id"`
	ProductID       string      `json:"product_id"`
	Kind            AnomalyKind `json:"kind"`
	Details         string      `json:"details"`
	FirstDetectedAt time.Time   `json:"first_detected_at"`
	LastDetectedAt  time.Time   `json:"last_detected_at"`
	Occurrences     int         `json:"occurrences"`
	Resolved        bool        `json:"resolved"`
}
