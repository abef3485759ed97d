package port

import (
	"context"

	"inventorycore/internal/service/inventory/domain"
)

// StockChangePublisher 是库存变化通知的出站端口，至少投递一次。
type StockChangePublisher interface {
	Publish(ctx context.Context, event domain.StockChanged) error
}

// StockView 是库存变化的下游读模型（缓存、实时展示），由消费者驱动。
// 实现必须容忍重复和乱序的事件。
type StockView interface {
	Name() string
	Apply(ctx context.Context, event domain.StockChanged) error
}
