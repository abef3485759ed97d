package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inventorycore/internal/pkg/database"
	"inventorycore/internal/service/inventory/domain"
)

// GormInventoryRepository 是 InventoryRepository 的 GORM (MySQL) 实现。
// Reserve 的原子性依赖 FindStockForUpdate 的行锁 (SELECT ... FOR UPDATE)。
type GormInventoryRepository struct {
	db *gorm.DB
}

// NewGormInventoryRepository 创建一个新的 GORM 仓储实例
func NewGormInventoryRepository(db *gorm.DB) *GormInventoryRepository {
	return &GormInventoryRepository{db: db}
}

// AutoMigrate 创建或更新库存相关的表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProductStockModel{}, &StockReservationModel{}, &StockAnomalyModel{})
}

func (r *GormInventoryRepository) Transaction(ctx context.Context, fn func(tx domain.InventoryRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormInventoryRepository{db: tx})
	})
}

func (r *GormInventoryRepository) FindStockForUpdate(ctx context.Context, productID string) (*domain.ProductStockRecord, error) {
	var model ProductStockModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ?", productID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProductNotTracked
		}
		return nil, errors.Wrapf(err, "lock product_stock %s", productID)
	}
	return toDomainStock(&model), nil
}

func (r *GormInventoryRepository) FindStock(ctx context.Context, productID string) (*domain.ProductStockRecord, error) {
	var model ProductStockModel
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProductNotTracked
		}
		return nil, errors.Wrapf(err, "find product_stock %s", productID)
	}
	return toDomainStock(&model), nil
}

func (r *GormInventoryRepository) ListTrackedStocks(ctx context.Context) ([]*domain.ProductStockRecord, error) {
	var models []ProductStockModel
	if err := r.db.WithContext(ctx).Order("product_id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list product_stock")
	}
	result := make([]*domain.ProductStockRecord, 0, len(models))
	for i := range models {
		result = append(result, toDomainStock(&models[i]))
	}
	return result, nil
}

func (r *GormInventoryRepository) CreateStock(ctx context.Context, record *domain.ProductStockRecord) error {
	// 已存在时什么都不做，保证登记幂等且不会覆盖同步器写入的数量
	err := r.db.WithContext(ctx).Create(toStockModel(record)).Error
	if database.IsDuplicateKey(err) {
		return nil
	}
	return errors.Wrapf(err, "create product_stock %s", record.ProductID)
}

func (r *GormInventoryRepository) UpdateOnHand(ctx context.Context, productID string, quantity int, syncedAt time.Time) error {
	updateData := map[string]interface{}{
		"on_hand_quantity": quantity,
		"last_synced_at":   syncedAt,
	}
	res := r.db.WithContext(ctx).Model(&ProductStockModel{}).Where("product_id = ?", productID).Updates(updateData)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update on-hand of %s", productID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrProductNotTracked
	}
	return nil
}

func (r *GormInventoryRepository) TouchSynced(ctx context.Context, productID string, syncedAt time.Time) error {
	err := r.db.WithContext(ctx).Model(&ProductStockModel{}).
		Where("product_id = ?", productID).
		Update("last_synced_at", syncedAt).Error
	return errors.Wrapf(err, "touch last_synced_at of %s", productID)
}

func (r *GormInventoryRepository) SetPendingChange(ctx context.Context, productID string, change *domain.StockChanged) error {
	updateData := map[string]interface{}{
		"pending_old_quantity": nil,
		"pending_new_quantity": nil,
		"pending_changed_at":   nil,
	}
	if change != nil {
		updateData["pending_old_quantity"] = change.OldQuantity
		updateData["pending_new_quantity"] = change.NewQuantity
		updateData["pending_changed_at"] = change.OccurredAt
	}
	res := r.db.WithContext(ctx).Model(&ProductStockModel{}).Where("product_id = ?", productID).Updates(updateData)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "set pending change of %s", productID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrProductNotTracked
	}
	return nil
}

func (r *GormInventoryRepository) ClearPendingChange(ctx context.Context, delivered domain.StockChanged) error {
	// 只清除刚发布的那条，期间被新变化替换的标记保留给下个周期
	err := r.db.WithContext(ctx).Model(&ProductStockModel{}).
		Where("product_id = ? AND pending_old_quantity = ? AND pending_new_quantity = ?",
			delivered.ProductID, delivered.OldQuantity, delivered.NewQuantity).
		Updates(map[string]interface{}{
			"pending_old_quantity": nil,
			"pending_new_quantity": nil,
			"pending_changed_at":   nil,
		}).Error
	return errors.Wrapf(err, "clear pending change of %s", delivered.ProductID)
}

func (r *GormInventoryRepository) SumActiveReservations(ctx context.Context, productID string, now time.Time) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&StockReservationModel{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("product_id = ? AND is_released = ? AND expires_at >= ?", productID, false, now).
		Scan(&total).Error
	if err != nil {
		return 0, errors.Wrapf(err, "sum active reservations of %s", productID)
	}
	return int(total), nil
}

func (r *GormInventoryRepository) CreateReservation(ctx context.Context, res *domain.StockReservation) error {
	err := r.db.WithContext(ctx).Create(toReservationModel(res)).Error
	return errors.Wrapf(err, "create reservation %s", res.ID)
}

func (r *GormInventoryRepository) FindReservationForUpdate(ctx context.Context, id string) (*domain.StockReservation, error) {
	var model StockReservationModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, errors.Wrapf(err, "lock reservation %s", id)
	}
	return toDomainReservation(&model), nil
}

func (r *GormInventoryRepository) MarkReleased(ctx context.Context, id string, releasedAt time.Time) error {
	// is_released = false 条件保证重复释放不会改写 released_at
	err := r.db.WithContext(ctx).Model(&StockReservationModel{}).
		Where("id = ? AND is_released = ?", id, false).
		Updates(map[string]interface{}{
			"is_released": true,
			"released_at": releasedAt,
		}).Error
	return errors.Wrapf(err, "release reservation %s", id)
}

func (r *GormInventoryRepository) ListSweepable(ctx context.Context, now time.Time, limit int) ([]*domain.StockReservation, error) {
	var models []StockReservationModel
	// 其他副本正在清扫的行直接跳过
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("is_released = ? AND expires_at <= ?", false, now).
		Order("expires_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "list expired reservations")
	}
	result := make([]*domain.StockReservation, 0, len(models))
	for i := range models {
		result = append(result, toDomainReservation(&models[i]))
	}
	return result, nil
}

func (r *GormInventoryRepository) ReleaseExpired(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	// 再次带上过期条件，并发的显式释放不会被覆盖，未过期的也不会被误放
	res := r.db.WithContext(ctx).Model(&StockReservationModel{}).
		Where("id IN ? AND is_released = ? AND expires_at <= ?", ids, false, now).
		Updates(map[string]interface{}{
			"is_released": true,
			"released_at": now,
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "release expired reservations")
	}
	return int(res.RowsAffected), nil
}

func (r *GormInventoryRepository) RecordAnomaly(ctx context.Context, anomaly *domain.StockAnomaly) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open StockAnomalyModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ? AND kind = ? AND resolved = ?", anomaly.ProductID, string(anomaly.Kind), false).
			First(&open).Error
		switch {
		case err == nil:
			return errors.Wrap(tx.Model(&StockAnomalyModel{}).Where("id = ?", open.ID).Updates(map[string]interface{}{
				"occurrences":      gorm.Expr("occurrences + 1"),
				"last_detected_at": anomaly.LastDetectedAt,
				"details":          anomaly.Details,
			}).Error, "bump stock anomaly")
		case errors.Is(err, gorm.ErrRecordNotFound):
			occurrences := anomaly.Occurrences
			if occurrences == 0 {
				occurrences = 1
			}
			return errors.Wrap(tx.Create(&StockAnomalyModel{
				ProductID:       anomaly.ProductID,
				Kind:            string(anomaly.Kind),
				Details:         anomaly.Details,
				FirstDetectedAt: anomaly.FirstDetectedAt,
				LastDetectedAt:  anomaly.LastDetectedAt,
				Occurrences:     occurrences,
			}).Error, "create stock anomaly")
		default:
			return errors.Wrap(err, "find open stock anomaly")
		}
	})
}

func (r *GormInventoryRepository) ListOpenAnomalies(ctx context.Context, limit int) ([]*domain.StockAnomaly, error) {
	var models []StockAnomalyModel
	q := r.db.WithContext(ctx).Where("resolved = ?", false).Order("last_detected_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list open stock anomalies")
	}
	result := make([]*domain.StockAnomaly, 0, len(models))
	for i := range models {
		result = append(result, toDomainAnomaly(&models[i]))
	}
	return result, nil
}
