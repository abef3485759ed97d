package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"inventorycore/internal/service/payment/domain"
)

// MemoryPaymentRepository 是 PaymentRepository 的内存实现，用于本地开发和测试
type MemoryPaymentRepository struct {
	mu       sync.Mutex
	payments map[string]domain.PaymentRecord
	logs     []domain.ReconciliationLogEntry
	nextLog  uint64
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{payments: make(map[string]domain.PaymentRecord)}
}

// Transaction 在内存中暂存日志，fn 成功后一次性写入
func (r *MemoryPaymentRepository) Transaction(ctx context.Context, fn func(tx domain.PaymentRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryPaymentTx{repo: r}
	if err := fn(tx); err != nil {
		return err
	}
	return r.AppendLogs(ctx, tx.pending)
}

func (r *MemoryPaymentRepository) ListStalePending(ctx context.Context, before time.Time) ([]*domain.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.PaymentRecord
	for _, p := range r.payments {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(before) {
			p := p
			result = append(result, &p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *MemoryPaymentRepository) AppendLogs(ctx context.Context, entries []*domain.ReconciliationLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.nextLog++
		e.ID = r.nextLog
		r.logs = append(r.logs, *e)
	}
	return nil
}

func (r *MemoryPaymentRepository) ListLogs(ctx context.Context, provider string, limit int) ([]*domain.ReconciliationLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.ReconciliationLogEntry
	for i := len(r.logs) - 1; i >= 0; i-- {
		e := r.logs[i]
		if provider != "" && e.Provider != provider {
			continue
		}
		result = append(result, &e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// SavePayment 写入或覆盖一条支付记录
func (r *MemoryPaymentRepository) SavePayment(ctx context.Context, p *domain.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = *p
	return nil
}

// GetPayment 读取一条支付记录，仅用于测试
func (r *MemoryPaymentRepository) GetPayment(id string) (domain.PaymentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	return p, ok
}

// memoryPaymentTx 读取直接落到底层仓储，写入暂存到提交时
type memoryPaymentTx struct {
	repo    *MemoryPaymentRepository
	pending []*domain.ReconciliationLogEntry
}

func (t *memoryPaymentTx) Transaction(ctx context.Context, fn func(tx domain.PaymentRepository) error) error {
	return fn(t)
}

func (t *memoryPaymentTx) ListStalePending(ctx context.Context, before time.Time) ([]*domain.PaymentRecord, error) {
	return t.repo.ListStalePending(ctx, before)
}

func (t *memoryPaymentTx) AppendLogs(ctx context.Context, entries []*domain.ReconciliationLogEntry) error {
	t.pending = append(t.pending, entries...)
	return nil
}

func (t *memoryPaymentTx) ListLogs(ctx context.Context, provider string, limit int) ([]*domain.ReconciliationLogEntry, error) {
	return t.repo.ListLogs(ctx, provider, limit)
}
