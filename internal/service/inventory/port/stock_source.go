package port

import (
	"context"
	"errors"
)

// ErrStockCodeNotFound 外部系统不认识该库存编码（商品已从外部数据源中消失）
var ErrStockCodeNotFound = errors.New("stock code not found in external source")

// StockSource 是外部权威库存系统 (ERP) 的出站端口。
// 调用可能很慢或失败，调用方必须通过 ctx 限定超时。
type StockSource interface {
	GetQuantity(ctx context.Context, externalStockCode string) (int, error)
}
