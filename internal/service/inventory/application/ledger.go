// internal/service/inventory/application/ledger.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/pkg/metrics"
	"inventorycore/internal/service/inventory/domain"
)

// Clock 可注入的时间源，测试中用来推进时间
type Clock func() time.Time

// DefaultMaxReservationTTL 是调用方可以申请的最长预占时间的默认上限
const DefaultMaxReservationTTL = 2 * time.Hour

// ReservationLedger 负责库存预占的授予、释放和过期清扫
type ReservationLedger struct {
	repo       domain.InventoryRepository
	tracer     trace.Tracer
	now        Clock
	defaultTTL time.Duration
	maxTTL     time.Duration
	batchSize  int
}

// NewReservationLedger 创建预占账本。defaultTTL 用于调用方未指定 ttl 的预占。
// ttl 上限默认为 DefaultMaxReservationTTL，且不低于 defaultTTL。
func NewReservationLedger(repo domain.InventoryRepository, tracer trace.Tracer, defaultTTL time.Duration, sweepBatchSize int) *ReservationLedger {
	if sweepBatchSize <= 0 {
		sweepBatchSize = 500
	}
	return &ReservationLedger{
		repo:       repo,
		tracer:     tracer,
		now:        func() time.Time { return time.Now().UTC() },
		defaultTTL: defaultTTL,
		maxTTL:     max(DefaultMaxReservationTTL, defaultTTL),
		batchSize:  sweepBatchSize,
	}
}

// WithMaxTTL 设置调用方可以申请的最长预占时间，不低于默认 TTL
func (l *ReservationLedger) WithMaxTTL(maxTTL time.Duration) *ReservationLedger {
	if maxTTL > 0 {
		l.maxTTL = max(maxTTL, l.defaultTTL)
	}
	return l
}

// WithClock 替换时间源
func (l *ReservationLedger) WithClock(clock Clock) *ReservationLedger {
	l.now = clock
	return l
}

// Reserve 在一个事务内锁定商品库存行、计算可用量并写入预占，
// 并发调用对同一商品串行化，不会共同超卖。
// 库存不足返回 *domain.InsufficientStockError；存储故障返回 *domain.InfrastructureError。
func (l *ReservationLedger) Reserve(ctx context.Context, req ReserveRequest) (*domain.StockReservation, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Reserve")
	defer span.End()

	span.SetAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.Int("reservation.quantity", req.Quantity),
		attribute.String("reservation.holder", req.HolderRef),
	)

	ttl, err := l.resolveTTL(req.TTL)
	if err != nil {
		metrics.ReserveResults.WithLabelValues("rejected").Inc()
		return nil, err
	}
	now := l.now()
	reservation, err := domain.NewReservation(req.ProductID, req.Quantity, req.HolderRef, ttl, now)
	if err != nil {
		metrics.ReserveResults.WithLabelValues("rejected").Inc()
		return nil, err
	}

	err = l.repo.Transaction(ctx, func(tx domain.InventoryRepository) error {
		stock, err := tx.FindStockForUpdate(ctx, req.ProductID)
		if err != nil {
			return err
		}
		active, err := tx.SumActiveReservations(ctx, req.ProductID, now)
		if err != nil {
			return err
		}
		available := stock.Available(active)
		if req.Quantity > available {
			return &domain.InsufficientStockError{ProductID: req.ProductID, Requested: req.Quantity, Available: max(available, 0)}
		}
		return tx.CreateReservation(ctx, reservation)
	})

	switch {
	case err == nil:
		metrics.ReserveResults.WithLabelValues("granted").Inc()
		span.AddEvent("Reservation granted", trace.WithAttributes(attribute.String("reservation.id", reservation.ID)))
		logger.Ctx(ctx).Info().
			Str("reservation_id", reservation.ID).
			Str("product_id", req.ProductID).
			Int("quantity", req.Quantity).
			Time("expires_at", reservation.ExpiresAt).
			Msg("✅ Stock reserved")
		return reservation, nil

	case errors.Is(err, domain.ErrInsufficientStock):
		metrics.ReserveResults.WithLabelValues("insufficient_stock").Inc()
		span.AddEvent("Insufficient stock")
		logger.Ctx(ctx).Info().Str("product_id", req.ProductID).Int("quantity", req.Quantity).Msg("Reservation refused: insufficient stock")
		return nil, err

	case domain.IsBusinessOutcome(err):
		metrics.ReserveResults.WithLabelValues("rejected").Inc()
		span.AddEvent("Reservation rejected")
		return nil, err

	default:
		metrics.ReserveResults.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		logger.Ctx(ctx).Error().Err(err).Str("product_id", req.ProductID).Msg("❌ Reserve failed on storage")
		return nil, &domain.InfrastructureError{Op: "reserve", Err: err}
	}
}

// resolveTTL 0 表示使用默认值；负数和超过上限的 ttl 直接拒绝
func (l *ReservationLedger) resolveTTL(ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl == 0:
		return l.defaultTTL, nil
	case ttl < 0:
		return 0, fmt.Errorf("%w: got %s", domain.ErrInvalidTTL, ttl)
	case ttl > l.maxTTL:
		return 0, fmt.Errorf("%w: %s exceeds maximum %s", domain.ErrInvalidTTL, ttl, l.maxTTL)
	}
	return ttl, nil
}

// Release 显式释放一个预占。幂等：重复释放返回同一个已释放的预占，不产生额外影响。
func (l *ReservationLedger) Release(ctx context.Context, reservationID string) (*domain.StockReservation, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Release")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	var (
		result   *domain.StockReservation
		released bool
	)
	err := l.repo.Transaction(ctx, func(tx domain.InventoryRepository) error {
		r, err := tx.FindReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		result = r
		if !r.Release(l.now()) {
			return nil
		}
		released = true
		return tx.MarkReleased(ctx, r.ID, *r.ReleasedAt)
	})
	if err != nil {
		if domain.IsBusinessOutcome(err) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		logger.Ctx(ctx).Error().Err(err).Str("reservation_id", reservationID).Msg("❌ Release failed on storage")
		return nil, &domain.InfrastructureError{Op: "release", Err: err}
	}

	if released {
		metrics.ReservationsReleased.WithLabelValues("explicit").Inc()
		logger.Ctx(ctx).Info().Str("reservation_id", reservationID).Msg("✅ Reservation released")
	} else {
		span.AddEvent("Reservation already released")
	}
	return result, nil
}

// Availability 返回读取时刻的可用量：在库量减去有效预占。
func (l *ReservationLedger) Availability(ctx context.Context, productID string) (*domain.Availability, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Availability")
	defer span.End()

	now := l.now()
	stock, err := l.repo.FindStock(ctx, productID)
	if err != nil {
		if domain.IsBusinessOutcome(err) {
			return nil, err
		}
		span.RecordError(err)
		return nil, &domain.InfrastructureError{Op: "availability", Err: err}
	}
	active, err := l.repo.SumActiveReservations(ctx, productID, now)
	if err != nil {
		span.RecordError(err)
		return nil, &domain.InfrastructureError{Op: "availability", Err: err}
	}
	return &domain.Availability{
		ProductID:      productID,
		OnHand:         stock.OnHandQuantity,
		ActiveReserved: active,
		Available:      stock.Available(active),
		ComputedAt:     now,
	}, nil
}

// Sweep 分批释放所有未释放且 expires_at <= now 的预占，每批一个事务。
// 中途失败时已提交的批次保留，下一次清扫会从剩余部分继续。
func (l *ReservationLedger) Sweep(ctx context.Context) (int, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Sweep")
	defer span.End()

	now := l.now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var batchReleased, batchSize int
		err := l.repo.Transaction(ctx, func(tx domain.InventoryRepository) error {
			expired, err := tx.ListSweepable(ctx, now, l.batchSize)
			if err != nil {
				return err
			}
			batchSize = len(expired)
			if batchSize == 0 {
				return nil
			}
			ids := make([]string, 0, len(expired))
			for _, r := range expired {
				ids = append(ids, r.ID)
			}
			batchReleased, err = tx.ReleaseExpired(ctx, ids, now)
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sweep batch failed")
			return total, &domain.InfrastructureError{Op: "sweep", Err: err}
		}

		total += batchReleased
		metrics.ReservationsReleased.WithLabelValues("sweep").Add(float64(batchReleased))
		// 整批都没能释放说明行被并发改动了，留给下一个周期
		if batchSize < l.batchSize || batchReleased == 0 {
			break
		}
	}

	span.SetAttributes(attribute.Int("sweep.released", total))
	if total > 0 {
		logger.Ctx(ctx).Info().Int("released", total).Msg("🧹 Expired reservations released")
	}
	return total, nil
}
