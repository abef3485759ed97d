// internal/service/inventory/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// 业务结果类错误：正常、频繁，返回给调用方，不作为错误记录日志
var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrProductNotTracked   = errors.New("product is not tracked")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidTTL          = errors.New("ttl must be positive")
	ErrReservationNotFound = errors.New("reservation not found")
)

// ErrInfrastructure 标记存储等基础设施故障，与业务结果区分
var ErrInfrastructure = errors.New("infrastructure failure")

// InsufficientStockError 携带预占失败时的库存快照
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InfrastructureError 包装一次操作中的基础设施故障
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func (e *InfrastructureError) Is(target error) bool {
	return target == ErrInfrastructure
}

// IsBusinessOutcome 判断错误是否属于预期内的业务结果
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrProductNotTracked) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidTTL) ||
		errors.Is(err, ErrReservationNotFound)
}
