package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"inventorycore/internal/service/inventory/domain"
)

type memoryState struct {
	stocks       map[string]domain.ProductStockRecord
	reservations map[string]domain.StockReservation
	anomalies    []domain.StockAnomaly
	nextAnomaly  uint64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		stocks:       make(map[string]domain.ProductStockRecord, len(s.stocks)),
		reservations: make(map[string]domain.StockReservation, len(s.reservations)),
		anomalies:    make([]domain.StockAnomaly, len(s.anomalies)),
		nextAnomaly:  s.nextAnomaly,
	}
	for k, v := range s.stocks {
		c.stocks[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	copy(c.anomalies, s.anomalies)
	return c
}

// MemoryInventoryRepository 是 InventoryRepository 的内存实现，用于本地开发和测试。
// 事务之间完全串行（相当于 SERIALIZABLE），fn 返回错误时恢复到事务开始前的快照。
type MemoryInventoryRepository struct {
	mu    *sync.Mutex // 保护 state
	txMu  *sync.Mutex // 串行化事务
	state **memoryState
	inTx  bool
}

func NewMemoryInventoryRepository() *MemoryInventoryRepository {
	state := &memoryState{
		stocks:       make(map[string]domain.ProductStockRecord),
		reservations: make(map[string]domain.StockReservation),
	}
	return &MemoryInventoryRepository{
		mu:    &sync.Mutex{},
		txMu:  &sync.Mutex{},
		state: &state,
	}
}

func (r *MemoryInventoryRepository) Transaction(ctx context.Context, fn func(tx domain.InventoryRepository) error) error {
	if r.inTx {
		return fn(r)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	snapshot := (*r.state).clone()
	r.mu.Unlock()

	tx := &MemoryInventoryRepository{mu: r.mu, txMu: r.txMu, state: r.state, inTx: true}
	if err := fn(tx); err != nil {
		r.mu.Lock()
		*r.state = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

// write 执行一次写操作。不在事务中的写入也要串行化，否则会被并发事务的回滚覆盖。
func (r *MemoryInventoryRepository) write(fn func(st *memoryState) error) error {
	if !r.inTx {
		r.txMu.Lock()
		defer r.txMu.Unlock()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(*r.state)
}

func (r *MemoryInventoryRepository) FindStockForUpdate(ctx context.Context, productID string) (*domain.ProductStockRecord, error) {
	// 事务已经串行化，读取即等价于加锁
	return r.FindStock(ctx, productID)
}

func (r *MemoryInventoryRepository) FindStock(ctx context.Context, productID string) (*domain.ProductStockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stock, ok := (*r.state).stocks[productID]
	if !ok {
		return nil, domain.ErrProductNotTracked
	}
	return &stock, nil
}

func (r *MemoryInventoryRepository) ListTrackedStocks(ctx context.Context) ([]*domain.ProductStockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.ProductStockRecord, 0, len((*r.state).stocks))
	for _, s := range (*r.state).stocks {
		s := s
		result = append(result, &s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

func (r *MemoryInventoryRepository) CreateStock(ctx context.Context, record *domain.ProductStockRecord) error {
	return r.write(func(st *memoryState) error {
		if _, ok := st.stocks[record.ProductID]; ok {
			return nil
		}
		st.stocks[record.ProductID] = *record
		return nil
	})
}

func (r *MemoryInventoryRepository) UpdateOnHand(ctx context.Context, productID string, quantity int, syncedAt time.Time) error {
	return r.write(func(st *memoryState) error {
		stock, ok := st.stocks[productID]
		if !ok {
			return domain.ErrProductNotTracked
		}
		stock.OnHandQuantity = quantity
		stock.LastSyncedAt = &syncedAt
		st.stocks[productID] = stock
		return nil
	})
}

func (r *MemoryInventoryRepository) TouchSynced(ctx context.Context, productID string, syncedAt time.Time) error {
	return r.write(func(st *memoryState) error {
		stock, ok := st.stocks[productID]
		if !ok {
			return domain.ErrProductNotTracked
		}
		stock.LastSyncedAt = &syncedAt
		st.stocks[productID] = stock
		return nil
	})
}

func (r *MemoryInventoryRepository) SetPendingChange(ctx context.Context, productID string, change *domain.StockChanged) error {
	return r.write(func(st *memoryState) error {
		stock, ok := st.stocks[productID]
		if !ok {
			return domain.ErrProductNotTracked
		}
		stock.PendingChange = nil
		if change != nil {
			c := *change
			stock.PendingChange = &c
		}
		st.stocks[productID] = stock
		return nil
	})
}

func (r *MemoryInventoryRepository) ClearPendingChange(ctx context.Context, delivered domain.StockChanged) error {
	return r.write(func(st *memoryState) error {
		stock, ok := st.stocks[delivered.ProductID]
		if !ok || !samePendingChange(stock.PendingChange, delivered) {
			return nil
		}
		stock.PendingChange = nil
		st.stocks[delivered.ProductID] = stock
		return nil
	})
}

func samePendingChange(pending *domain.StockChanged, delivered domain.StockChanged) bool {
	return pending != nil &&
		pending.OldQuantity == delivered.OldQuantity &&
		pending.NewQuantity == delivered.NewQuantity
}

func (r *MemoryInventoryRepository) SumActiveReservations(ctx context.Context, productID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, res := range (*r.state).reservations {
		if res.ProductID == productID && res.IsActive(now) {
			total += res.Quantity
		}
	}
	return total, nil
}

func (r *MemoryInventoryRepository) CreateReservation(ctx context.Context, res *domain.StockReservation) error {
	return r.write(func(st *memoryState) error {
		st.reservations[res.ID] = *res
		return nil
	})
}

func (r *MemoryInventoryRepository) FindReservationForUpdate(ctx context.Context, id string) (*domain.StockReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := (*r.state).reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return &res, nil
}

func (r *MemoryInventoryRepository) MarkReleased(ctx context.Context, id string, releasedAt time.Time) error {
	return r.write(func(st *memoryState) error {
		res, ok := st.reservations[id]
		if !ok {
			return domain.ErrReservationNotFound
		}
		if res.Release(releasedAt) {
			st.reservations[id] = res
		}
		return nil
	})
}

func (r *MemoryInventoryRepository) ListSweepable(ctx context.Context, now time.Time, limit int) ([]*domain.StockReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.StockReservation
	for _, res := range (*r.state).reservations {
		if res.IsSweepable(now) {
			res := res
			result = append(result, &res)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryInventoryRepository) ReleaseExpired(ctx context.Context, ids []string, now time.Time) (int, error) {
	released := 0
	err := r.write(func(st *memoryState) error {
		for _, id := range ids {
			res, ok := st.reservations[id]
			if !ok || !res.IsSweepable(now) {
				continue
			}
			res.Release(now)
			st.reservations[id] = res
			released++
		}
		return nil
	})
	return released, err
}

func (r *MemoryInventoryRepository) RecordAnomaly(ctx context.Context, anomaly *domain.StockAnomaly) error {
	return r.write(func(st *memoryState) error {
		for i := range st.anomalies {
			a := &st.anomalies[i]
			if a.ProductID == anomaly.ProductID && a.Kind == anomaly.Kind && !a.Resolved {
				a.Occurrences++
				a.LastDetectedAt = anomaly.LastDetectedAt
				a.Details = anomaly.Details
				return nil
			}
		}
		st.nextAnomaly++
		a := *anomaly
		a.ID = st.nextAnomaly
		if a.Occurrences == 0 {
			a.Occurrences = 1
		}
		st.anomalies = append(st.anomalies, a)
		return nil
	})
}

func (r *MemoryInventoryRepository) ListOpenAnomalies(ctx context.Context, limit int) ([]*domain.StockAnomaly, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.StockAnomaly
	for i := len((*r.state).anomalies) - 1; i >= 0; i-- {
		a := (*r.state).anomalies[i]
		if a.Resolved {
			continue
		}
		result = append(result, &a)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ListReservations 返回某个商品的全部预占（含已释放），仅用于测试和调试
func (r *MemoryInventoryRepository) ListReservations(productID string) []domain.StockReservation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []domain.StockReservation
	for _, res := range (*r.state).reservations {
		if res.ProductID == productID {
			result = append(result, res)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// SetOnHand 直接写入在库量，仅用于测试准备数据
func (r *MemoryInventoryRepository) SetOnHand(productID, externalStockCode string, quantity int) {
	_ = r.write(func(st *memoryState) error {
		stock := st.stocks[productID]
		stock.ProductID = productID
		stock.ExternalStockCode = externalStockCode
		stock.OnHandQuantity = quantity
		st.stocks[productID] = stock
		return nil
	})
}
