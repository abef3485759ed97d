// internal/service/inventory/domain/reservation.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// StockReservation 是一次结账过程中对库存的限时独占
// 只会被显式释放或清扫释放，不会被物理删除，保留用于审计
type StockReservation struct {
	ID         string     `json:"id"`
	ProductID  string     `json:"product_id"`
	Quantity   int        `json:"quantity"`
	HolderRef  string     `json:"holder_ref"` // 购物车或订单号
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	IsReleased bool       `json:"is_released"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// NewReservation 工厂函数，校验参数并计算过期时间
func NewReservation(productID string, quantity int, holderRef string, ttl time.Duration, now time.Time) (*StockReservation, error) {
	if productID == "" {
		return nil, ErrProductNotTracked
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return &StockReservation{
		ID:        uuid.NewString(),
		ProductID: productID,
		Quantity:  quantity,
		HolderRef: holderRef,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// IsActive 未释放且 now <= ExpiresAt 时预占仍然占用库存，过期时刻本身仍算占用
func (r *StockReservation) IsActive(now time.Time) bool {
	return !r.IsReleased && !now.After(r.ExpiresAt)
}

// IsSweepable 未释放且 ExpiresAt <= now，清扫不会早于过期时间
func (r *StockReservation) IsSweepable(now time.Time) bool {
	return !r.IsReleased && !r.ExpiresAt.After(now)
}

// Release 标记为已释放。已经释放过的返回 false，且不改动 ReleasedAt。
func (r *StockReservation) Release(now time.Time) bool {
	if r.IsReleased {
		return false
	}
	r.IsReleased = true
	releasedAt := now
	r.ReleasedAt = &releasedAt
	return true
}
