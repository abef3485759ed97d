package infrastructure

import (
	"database/sql"
	"time"

	"inventorycore/internal/service/inventory/domain"
)

func toDomainReservation(m *StockReservationModel) *domain.StockReservation {
	return &domain.StockReservation{
		ID:         m.ID,
		ProductID:  m.ProductID,
		Quantity:   m.Quantity,
		HolderRef:  m.HolderRef,
		CreatedAt:  m.CreatedAt.UTC(),
		ExpiresAt:  m.ExpiresAt.UTC(),
		IsReleased: m.IsReleased,
		ReleasedAt: fromNullTime(m.ReleasedAt),
	}
}

func toReservationModel(r *domain.StockReservation) *StockReservationModel {
	return &StockReservationModel{
		ID:         r.ID,
		ProductID:  r.ProductID,
		Quantity:   r.Quantity,
		HolderRef:  r.HolderRef,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		IsReleased: r.IsReleased,
		ReleasedAt: toNullTime(r.ReleasedAt),
	}
}

func toDomainStock(m *ProductStockModel) *domain.ProductStockRecord {
	return &domain.ProductStockRecord{
		ProductID:         m.ProductID,
		ExternalStockCode: m.ExternalStockCode,
		OnHandQuantity:    m.OnHandQuantity,
		LastSyncedAt:      fromNullTime(m.LastSyncedAt),
		PendingChange:     toPendingChange(m),
	}
}

func toStockModel(r *domain.ProductStockRecord) *ProductStockModel {
	m := &ProductStockModel{
		ProductID:         r.ProductID,
		ExternalStockCode: r.ExternalStockCode,
		OnHandQuantity:    r.OnHandQuantity,
		LastSyncedAt:      toNullTime(r.LastSyncedAt),
	}
	if c := r.PendingChange; c != nil {
		m.PendingOldQuantity = sql.NullInt64{Int64: int64(c.OldQuantity), Valid: true}
		m.PendingNewQuantity = sql.NullInt64{Int64: int64(c.NewQuantity), Valid: true}
		m.PendingChangedAt = sql.NullTime{Time: c.OccurredAt, Valid: true}
	}
	return m
}

func toPendingChange(m *ProductStockModel) *domain.StockChanged {
	if !m.PendingOldQuantity.Valid || !m.PendingNewQuantity.Valid {
		return nil
	}
	return &domain.StockChanged{
		ProductID:   m.ProductID,
		OldQuantity: int(m.PendingOldQuantity.Int64),
		NewQuantity: int(m.PendingNewQuantity.Int64),
		OccurredAt:  m.PendingChangedAt.Time.UTC(),
	}
}

func toDomainAnomaly(m *StockAnomalyModel) *domain.StockAnomaly {
	return &domain.StockAnomaly{
		ID:              m.ID,
		ProductID:       m.ProductID,
		Kind:            domain.AnomalyKind(m.Kind),
		Details:         m.Details,
		FirstDetectedAt: m.FirstDetectedAt.UTC(),
		LastDetectedAt:  m.LastDetectedAt.UTC(),
		Occurrences:     m.Occurrences,
		Resolved:        m.Resolved,
	}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
