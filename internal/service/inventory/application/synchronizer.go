// internal/service/inventory/application/synchronizer.go
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/pkg/metrics"
	"inventorycore/internal/pkg/scheduler"
	"inventorycore/internal/service/inventory/domain"
	"inventorycore/internal/service/inventory/port"
)

const SynchronizerTaskName = "stock-synchronizer"

type syncResult int

const (
	resultUnchanged syncResult = iota
	resultChanged
	resultMissing
	resultFailed
)

func (r syncResult) String() string {
	switch r {
	case resultChanged:
		return "changed"
	case resultMissing:
		return "missing"
	case resultFailed:
		return "failed"
	default:
		return "unchanged"
	}
}

// StockSynchronizer 以外部库存系统为唯一权威来源，刷新本地在库量并发出变化通知。
// 它是 OnHandQuantity 的唯一写入者。
type StockSynchronizer struct {
	repo         domain.InventoryRepository
	source       port.StockSource
	publisher    port.StockChangePublisher
	tracer       trace.Tracer
	now          Clock
	fetchTimeout time.Duration
	concurrency  int
	lock         scheduler.Locker
}

// NewStockSynchronizer 创建同步器。fetchTimeout 限定单次外部调用（拉取数量、发布通知），必须小于同步周期。
func NewStockSynchronizer(
	repo domain.InventoryRepository,
	source port.StockSource,
	publisher port.StockChangePublisher,
	tracer trace.Tracer,
	fetchTimeout time.Duration,
	concurrency int,
) *StockSynchronizer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &StockSynchronizer{
		repo:         repo,
		source:       source,
		publisher:    publisher,
		tracer:       tracer,
		now:          func() time.Time { return time.Now().UTC() },
		fetchTimeout: fetchTimeout,
		concurrency:  concurrency,
	}
}

// WithClock 替换时间源
func (s *StockSynchronizer) WithClock(clock Clock) *StockSynchronizer {
	s.now = clock
	return s
}

// WithLock 设置多副本部署时的互斥锁
func (s *StockSynchronizer) WithLock(lock scheduler.Locker) *StockSynchronizer {
	s.lock = lock
	return s
}

// Track 登记一个需要同步的商品，在库量从 0 开始，由下一次同步填充。重复登记无副作用。
func (s *StockSynchronizer) Track(ctx context.Context, productID, externalStockCode string) error {
	if productID == "" || externalStockCode == "" {
		return errors.New("product id and external stock code are required")
	}
	err := s.repo.CreateStock(ctx, &domain.ProductStockRecord{
		ProductID:         productID,
		ExternalStockCode: externalStockCode,
	})
	if err != nil {
		return &domain.InfrastructureError{Op: "track", Err: err}
	}
	return nil
}

// SyncOnce 对每个被跟踪的商品拉取外部数量并应用差异。
// 单个商品失败只记录日志和指标，不会中断其余商品；只有读取商品列表失败才返回错误。
func (s *StockSynchronizer) SyncOnce(ctx context.Context) (SyncReport, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.SyncOnce")
	defer span.End()

	var report SyncReport
	stocks, err := s.repo.ListTrackedStocks(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list tracked stocks failed")
		return report, &domain.InfrastructureError{Op: "list tracked stocks", Err: err}
	}
	report.Tracked = len(stocks)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, stock := range stocks {
		stock := stock
		// 关停时不再发起新的外部调用
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result := s.syncProduct(gctx, stock)
			metrics.SyncProducts.WithLabelValues(result.String()).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case resultChanged:
				report.Changed++
			case resultMissing:
				report.Missing++
			case resultFailed:
				report.Failed++
			default:
				report.Unchanged++
			}
			// 单个商品的失败不向 errgroup 传播，否则会取消其余商品
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("sync.tracked", report.Tracked),
		attribute.Int("sync.changed", report.Changed),
		attribute.Int("sync.missing", report.Missing),
		attribute.Int("sync.failed", report.Failed),
	)
	logger.Ctx(ctx).Info().
		Int("tracked", report.Tracked).
		Int("changed", report.Changed).
		Int("unchanged", report.Unchanged).
		Int("missing", report.Missing).
		Int("failed", report.Failed).
		Msg("🔄 Stock synchronization finished")

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// syncProduct 处理单个商品：一次有超时的外部调用 + 一个工作单元
func (s *StockSynchronizer) syncProduct(ctx context.Context, stock *domain.ProductStockRecord) syncResult {
	ctx, span := s.tracer.Start(ctx, "synchronizer.SyncProduct", trace.WithAttributes(
		attribute.String("product.id", stock.ProductID),
		attribute.String("stock.code", stock.ExternalStockCode),
	))
	defer span.End()

	log := logger.Ctx(ctx).With().Str("product_id", stock.ProductID).Str("stock_code", stock.ExternalStockCode).Logger()

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	quantity, err := s.source.GetQuantity(fetchCtx, stock.ExternalStockCode)
	cancel()

	now := s.now()
	if errors.Is(err, port.ErrStockCodeNotFound) {
		span.AddEvent("Stock code missing from external feed")
		log.Warn().Msg("⚠️ Product missing from external feed, left untouched and flagged for review")
		anomaly := &domain.StockAnomaly{
			ProductID:       stock.ProductID,
			Kind:            domain.AnomalyMissingFromFeed,
			Details:         fmt.Sprintf("external stock code %s not returned by stock source; local on-hand %d kept", stock.ExternalStockCode, stock.OnHandQuantity),
			FirstDetectedAt: now,
			LastDetectedAt:  now,
			Occurrences:     1,
		}
		if err := s.repo.RecordAnomaly(ctx, anomaly); err != nil {
			span.RecordError(err)
			log.Error().Err(err).Msg("❌ Failed to record missing-from-feed anomaly")
			return resultFailed
		}
		s.flushPending(ctx, stock)
		return resultMissing
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch quantity failed")
		log.Error().Err(err).Msg("❌ Failed to fetch quantity from external stock source")
		s.flushPending(ctx, stock)
		return resultFailed
	}

	var (
		changed bool
		pending *domain.StockChanged
	)
	// 事务内只做数据库操作：更新在库量并记下待发布的通知。通知在提交、释放行锁之后再发，
	// 结账路径上的 Reserve 不会等待消息系统。
	err = s.repo.Transaction(ctx, func(tx domain.InventoryRepository) error {
		current, err := tx.FindStockForUpdate(ctx, stock.ProductID)
		if err != nil {
			return err
		}
		pending = current.PendingChange
		if current.OnHandQuantity == quantity {
			return tx.TouchSynced(ctx, stock.ProductID, now)
		}

		if err := tx.UpdateOnHand(ctx, stock.ProductID, quantity, now); err != nil {
			return err
		}
		changed = true
		event := domain.StockChanged{
			ProductID:   stock.ProductID,
			OldQuantity: current.OnHandQuantity,
			NewQuantity: quantity,
			OccurredAt:  now,
		}
		// 上一次的变化还没发出去时合并成一条，旧值取读模型最后看到的数量
		if pending != nil {
			event.OldQuantity = pending.OldQuantity
		}

		if err := s.checkOversellRisk(ctx, tx, event, now); err != nil {
			return err
		}

		if event.OldQuantity == event.NewQuantity {
			// 数量又回到了读模型已知的值，未发出的通知作废
			pending = nil
			return tx.SetPendingChange(ctx, stock.ProductID, nil)
		}
		pending = &event
		return tx.SetPendingChange(ctx, stock.ProductID, &event)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply quantity failed")
		log.Error().Err(err).Int("external_quantity", quantity).Msg("❌ Failed to apply synchronized quantity")
		return resultFailed
	}

	if pending == nil {
		if !changed {
			return resultUnchanged
		}
		log.Info().Int("new_quantity", quantity).Msg("✅ On-hand quantity synchronized, no net change to publish")
		return resultChanged
	}

	if err := s.deliver(ctx, *pending); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish stock change failed")
		log.Error().Err(err).Msg("❌ Stock change committed but not published, retrying next cycle")
		return resultFailed
	}
	span.AddEvent("StockChanged published", trace.WithAttributes(
		attribute.Int("stock.old", pending.OldQuantity),
		attribute.Int("stock.new", pending.NewQuantity),
	))
	log.Info().Int("old_quantity", pending.OldQuantity).Int("new_quantity", pending.NewQuantity).Msg("✅ On-hand quantity synchronized")
	return resultChanged
}

// deliver 在事务之外发布通知，成功后清除待发布标记。
// 清除失败只会让下个周期再发一次，读模型按 OccurredAt 幂等应用。
func (s *StockSynchronizer) deliver(ctx context.Context, event domain.StockChanged) error {
	publishCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	err := s.publisher.Publish(publishCtx, event)
	cancel()
	if err != nil {
		metrics.StockChangesPublished.WithLabelValues("failure").Inc()
		return fmt.Errorf("publish stock change: %w", err)
	}
	metrics.StockChangesPublished.WithLabelValues("success").Inc()

	if err := s.repo.ClearPendingChange(ctx, event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("product_id", event.ProductID).
			Msg("⚠️ Failed to clear pending stock change, it will be published again")
	}
	return nil
}

// flushPending 外部库存系统不可用时，仍然补发之前已提交但未发出的通知
func (s *StockSynchronizer) flushPending(ctx context.Context, stock *domain.ProductStockRecord) {
	if stock.PendingChange == nil {
		return
	}
	if err := s.deliver(ctx, *stock.PendingChange); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("product_id", stock.ProductID).
			Msg("⚠️ Pending stock change still not published")
	}
}

// checkOversellRisk 新的在库量低于有效预占总量时记录异常，数值本身不做截断
func (s *StockSynchronizer) checkOversellRisk(ctx context.Context, tx domain.InventoryRepository, event domain.StockChanged, now time.Time) error {
	active, err := tx.SumActiveReservations(ctx, event.ProductID, now)
	if err != nil {
		return err
	}
	deficit := active - event.NewQuantity
	if deficit <= 0 {
		metrics.OversellRiskUnits.WithLabelValues(event.ProductID).Set(0)
		return nil
	}

	metrics.OversellRiskEvents.Inc()
	metrics.OversellRiskUnits.WithLabelValues(event.ProductID).Set(float64(deficit))
	logger.Ctx(ctx).Warn().
		Str("product_id", event.ProductID).
		Int("on_hand", event.NewQuantity).
		Int("active_reserved", active).
		Int("deficit", deficit).
		Msg("⚠️ Oversell risk: on-hand dropped below active reservations")

	return tx.RecordAnomaly(ctx, &domain.StockAnomaly{
		ProductID:       event.ProductID,
		Kind:            domain.AnomalyOversellRisk,
		Details:         fmt.Sprintf("on-hand %d (was %d) below active reservations %d, deficit %d", event.NewQuantity, event.OldQuantity, active, deficit),
		FirstDetectedAt: now,
		LastDetectedAt:  now,
		Occurrences:     1,
	})
}

// ListAnomalies 返回未处理的库存异常，供运维查看
func (s *StockSynchronizer) ListAnomalies(ctx context.Context, limit int) ([]*domain.StockAnomaly, error) {
	anomalies, err := s.repo.ListOpenAnomalies(ctx, limit)
	if err != nil {
		return nil, &domain.InfrastructureError{Op: "list anomalies", Err: err}
	}
	return anomalies, nil
}

// Task 返回同步任务的调度描述：启动时立即同步一次，之后按固定周期执行
func (s *StockSynchronizer) Task(interval time.Duration) scheduler.Task {
	return scheduler.Task{
		Name:           SynchronizerTaskName,
		Interval:       interval,
		RunImmediately: true,
		Lock:           s.lock,
		Run: func(ctx context.Context) error {
			report, err := s.SyncOnce(ctx)
			if err != nil {
				return err
			}
			if report.Tracked > 0 && report.Failed == report.Tracked {
				return fmt.Errorf("all %d products failed to synchronize", report.Failed)
			}
			return nil
		},
	}
}

// RunLoop 先立即执行一次 SyncOnce，然后每隔 interval 执行一次，直到 ctx 取消
func (s *StockSynchronizer) RunLoop(ctx context.Context, interval time.Duration) error {
	return s.Task(interval).Start(ctx)
}
