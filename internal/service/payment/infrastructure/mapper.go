package infrastructure

import "inventorycore/internal/service/payment/domain"

func toDomainPayment(m *PaymentRecordModel) *domain.PaymentRecord {
	if m == nil {
		return nil
	}
	return &domain.PaymentRecord{
		ID:                m.ID,
		Provider:          m.Provider,
		ProviderPaymentID: m.ProviderPaymentID,
		Status:            domain.PaymentStatus(m.Status),
		CreatedAt:         m.CreatedAt,
		RawResponse:       m.RawResponse,
	}
}

func toPaymentModel(p *domain.PaymentRecord) *PaymentRecordModel {
	return &PaymentRecordModel{
		ID:                p.ID,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		Status:            string(p.Status),
		CreatedAt:         p.CreatedAt,
		RawResponse:       p.RawResponse,
	}
}

func toDomainLog(m *ReconciliationLogModel) *domain.ReconciliationLogEntry {
	return &domain.ReconciliationLogEntry{
		ID:                m.ID,
		Provider:          m.Provider,
		ProviderPaymentID: m.ProviderPaymentID,
		CheckedAt:         m.CheckedAt,
		Issue:             m.Issue,
		Details:           m.Details,
	}
}

func toLogModel(e *domain.ReconciliationLogEntry) *ReconciliationLogModel {
	return &ReconciliationLogModel{
		Provider:          e.Provider,
		ProviderPaymentID: e.ProviderPaymentID,
		CheckedAt:         e.CheckedAt,
		Issue:             e.Issue,
		Details:           e.Details,
	}
}
