package domain

import (
	"context"
	"time"
)

// PaymentRepository 定义了对账需要的持久化操作
type PaymentRepository interface {
	// Transaction 在一个工作单元中执行 fn
	Transaction(ctx context.Context, fn func(tx PaymentRepository) error) error
	// ListStalePending 返回 status = Pending 且 created_at < before 的支付
	ListStalePending(ctx context.Context, before time.Time) ([]*PaymentRecord, error)
	AppendLogs(ctx context.Context, entries []*ReconciliationLogEntry) error
	// ListLogs 按检查时间倒序返回对账日志，provider 为空时不过滤
	ListLogs(ctx context.Context, provider string, limit int) ([]*ReconciliationLogEntry, error)
}
