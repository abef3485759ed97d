package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"inventorycore/internal/service/payment/domain"
)

func TestMemoryTransactionDiscardsLogsOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPaymentRepository()

	err := repo.Transaction(ctx, func(tx domain.PaymentRepository) error {
		if err := tx.AppendLogs(ctx, []*domain.ReconciliationLogEntry{{Provider: "stripe", ProviderPaymentID: "pi_1"}}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}
	logs, _ := repo.ListLogs(ctx, "", 0)
	if len(logs) != 0 {
		t.Fatalf("rolled back logs must not be visible, got %d", len(logs))
	}
}

func TestMemoryListLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPaymentRepository()
	now := time.Now().UTC()

	err := repo.Transaction(ctx, func(tx domain.PaymentRepository) error {
		return tx.AppendLogs(ctx, []*domain.ReconciliationLogEntry{
			{Provider: "stripe", ProviderPaymentID: "pi_1", CheckedAt: now},
			{Provider: "adyen", ProviderPaymentID: "ad_1", CheckedAt: now},
			{Provider: "stripe", ProviderPaymentID: "pi_2", CheckedAt: now},
		})
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	logs, _ := repo.ListLogs(ctx, "stripe", 0)
	if len(logs) != 2 || logs[0].ProviderPaymentID != "pi_2" || logs[1].ProviderPaymentID != "pi_1" {
		t.Fatalf("unexpected stripe logs %+v", logs)
	}
	if logs[0].ID <= logs[1].ID {
		t.Fatalf("ids must grow with insertion order: %d, %d", logs[0].ID, logs[1].ID)
	}

	logs, _ = repo.ListLogs(ctx, "", 1)
	if len(logs) != 1 || logs[0].ProviderPaymentID != "pi_2" {
		t.Fatalf("limit not applied: %+v", logs)
	}
}

func TestMemoryListStalePendingFiltersStatusAndAge(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPaymentRepository()
	now := time.Now().UTC()

	_ = repo.SavePayment(ctx, &domain.PaymentRecord{ID: "old-pending", Status: domain.PaymentPending, CreatedAt: now.Add(-10 * 24 * time.Hour)})
	_ = repo.SavePayment(ctx, &domain.PaymentRecord{ID: "older-pending", Status: domain.PaymentPending, CreatedAt: now.Add(-20 * 24 * time.Hour)})
	_ = repo.SavePayment(ctx, &domain.PaymentRecord{ID: "old-captured", Status: domain.PaymentCaptured, CreatedAt: now.Add(-10 * 24 * time.Hour)})
	_ = repo.SavePayment(ctx, &domain.PaymentRecord{ID: "fresh-pending", Status: domain.PaymentPending, CreatedAt: now})

	stale, err := repo.ListStalePending(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("ListStalePending failed: %v", err)
	}
	if len(stale) != 2 || stale[0].ID != "older-pending" || stale[1].ID != "old-pending" {
		t.Fatalf("unexpected stale payments %+v", stale)
	}
}
