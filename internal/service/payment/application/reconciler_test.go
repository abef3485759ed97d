package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"inventorycore/internal/service/payment/domain"
	"inventorycore/internal/service/payment/infrastructure"
	"inventorycore/internal/service/payment/infrastructure/rule"
)

const weekCutoff = 7 * 24 * time.Hour

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, now time.Time, classifier domain.IssueClassifier) (*PaymentReconciler, *infrastructure.MemoryPaymentRepository) {
	t.Helper()
	repo := infrastructure.NewMemoryPaymentRepository()
	r := NewPaymentReconciler(repo, classifier, otel.Tracer("test"), weekCutoff).
		WithClock(func() time.Time { return now })
	return r, repo
}

func savePayment(t *testing.T, repo *infrastructure.MemoryPaymentRepository, p domain.PaymentRecord) {
	t.Helper()
	if err := repo.SavePayment(context.Background(), &p); err != nil {
		t.Fatalf("save payment: %v", err)
	}
}

func TestRunOnceFlagsOnlyPaymentsPastCutoff(t *testing.T) {
	ctx := context.Background()
	now := baseTime.Add(8 * 24 * time.Hour)
	r, repo := newTestReconciler(t, now, nil)

	savePayment(t, repo, domain.PaymentRecord{ID: "old", Provider: "x", ProviderPaymentID: "px-1", Status: domain.PaymentPending, CreatedAt: baseTime})
	savePayment(t, repo, domain.PaymentRecord{ID: "recent", Provider: "x", ProviderPaymentID: "px-2", Status: domain.PaymentPending, CreatedAt: now.Add(-3 * 24 * time.Hour)})
	savePayment(t, repo, domain.PaymentRecord{ID: "captured", Provider: "x", ProviderPaymentID: "px-3", Status: domain.PaymentCaptured, CreatedAt: baseTime})

	flagged, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected exactly one flagged payment, got %d", flagged)
	}
	logs, _ := r.ListLogs(ctx, "", 0)
	if len(logs) != 1 || logs[0].ProviderPaymentID != "px-1" || logs[0].Issue != domain.IssuePendingPastCutoff {
		t.Fatalf("unexpected logs %+v", logs)
	}
	if !logs[0].CheckedAt.Equal(now) {
		t.Fatalf("expected checkedAt %v, got %v", now, logs[0].CheckedAt)
	}

	var details map[string]interface{}
	if err := json.Unmarshal([]byte(logs[0].Details), &details); err != nil {
		t.Fatalf("details must be JSON: %v", err)
	}
	if details["status"] != "Pending" || details["cutoff_hours"].(float64) != 168 {
		t.Fatalf("unexpected details %v", details)
	}

	// 状态从不被修改
	if p, _ := repo.GetPayment("old"); p.Status != domain.PaymentPending {
		t.Fatalf("payment status mutated to %s", p.Status)
	}
}

func TestRunOnceRecentPaymentNotFlagged(t *testing.T) {
	now := baseTime.Add(3 * 24 * time.Hour)
	r, repo := newTestReconciler(t, now, nil)
	savePayment(t, repo, domain.PaymentRecord{ID: "p", Provider: "x", ProviderPaymentID: "px", Status: domain.PaymentPending, CreatedAt: baseTime})

	flagged, err := r.RunOnce(context.Background())
	if err != nil || flagged != 0 {
		t.Fatalf("expected nothing flagged, got %d err=%v", flagged, err)
	}
}

func TestRunOnceRecordsEveryRun(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestReconciler(t, baseTime.Add(8*24*time.Hour), nil)
	savePayment(t, repo, domain.PaymentRecord{ID: "p", Provider: "x", ProviderPaymentID: "px", Status: domain.PaymentPending, CreatedAt: baseTime})

	for i := 0; i < 3; i++ {
		if n, err := r.RunOnce(ctx); err != nil || n != 1 {
			t.Fatalf("run %d: flagged=%d err=%v", i, n, err)
		}
	}
	logs, _ := r.ListLogs(ctx, "x", 0)
	if len(logs) != 3 {
		t.Fatalf("expected one entry per run, got %d", len(logs))
	}
}

func TestRunOnceUsesClassifier(t *testing.T) {
	ctx := context.Background()
	engine, err := rule.NewCELRuleEngineAdapter([]rule.IssueRule{
		{Issue: "awaiting_customer_action", Expression: `raw_response.contains("requires_action")`},
	})
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	r, repo := newTestReconciler(t, baseTime.Add(10*24*time.Hour), engine)
	savePayment(t, repo, domain.PaymentRecord{ID: "a", Provider: "x", ProviderPaymentID: "pa", Status: domain.PaymentPending, CreatedAt: baseTime, RawResponse: `{"state":"requires_action"}`})
	savePayment(t, repo, domain.PaymentRecord{ID: "b", Provider: "y", ProviderPaymentID: "pb", Status: domain.PaymentPending, CreatedAt: baseTime.Add(time.Hour)})

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	issues := map[string]string{}
	logs, _ := r.ListLogs(ctx, "", 0)
	for _, l := range logs {
		issues[l.ProviderPaymentID] = l.Issue
	}
	if issues["pa"] != "awaiting_customer_action" || issues["pb"] != domain.IssuePendingPastCutoff {
		t.Fatalf("unexpected issues %v", issues)
	}
}

func TestRunOnceClassificationErrorStillFlagsPayment(t *testing.T) {
	ctx := context.Background()
	engine, err := rule.NewCELRuleEngineAdapter([]rule.IssueRule{
		{Issue: "large_amount_stuck", Expression: `int(raw_response) > 100`},
	})
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	r, repo := newTestReconciler(t, baseTime.Add(8*24*time.Hour), engine)
	savePayment(t, repo, domain.PaymentRecord{ID: "ok", Provider: "x", ProviderPaymentID: "p-ok", Status: domain.PaymentPending, CreatedAt: baseTime, RawResponse: "500"})
	savePayment(t, repo, domain.PaymentRecord{ID: "bad", Provider: "x", ProviderPaymentID: "p-bad", Status: domain.PaymentPending, CreatedAt: baseTime.Add(time.Hour), RawResponse: `{"amount":500}`})

	for run := 1; run <= 2; run++ {
		flagged, err := r.RunOnce(ctx)
		if err != nil {
			t.Fatalf("run %d: RunOnce failed: %v", run, err)
		}
		if flagged != 2 {
			t.Fatalf("run %d: expected both payments flagged, got %d", run, flagged)
		}
	}

	logs, _ := r.ListLogs(ctx, "", 2)
	byID := map[string]*domain.ReconciliationLogEntry{}
	for _, l := range logs {
		byID[l.ProviderPaymentID] = l
	}
	if byID["p-ok"] == nil || byID["p-ok"].Issue != "large_amount_stuck" {
		t.Fatalf("healthy payment must use the matched rule, got %+v", byID["p-ok"])
	}
	bad := byID["p-bad"]
	if bad == nil || bad.Issue != domain.IssuePendingPastCutoff {
		t.Fatalf("unclassifiable payment must fall back to default issue, got %+v", bad)
	}
	var details map[string]interface{}
	if err := json.Unmarshal([]byte(bad.Details), &details); err != nil {
		t.Fatalf("details must be JSON: %v", err)
	}
	if msg, _ := details["classify_error"].(string); msg == "" {
		t.Fatalf("classification error must be recorded in details, got %v", details)
	}
}

// failingAppendRepo 模拟提交对账日志时存储故障
type failingAppendRepo struct {
	*infrastructure.MemoryPaymentRepository
}

func (r failingAppendRepo) Transaction(ctx context.Context, fn func(tx domain.PaymentRepository) error) error {
	return r.MemoryPaymentRepository.Transaction(ctx, func(tx domain.PaymentRepository) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("disk full")
	})
}

func TestRunOnceStorageFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	mem := infrastructure.NewMemoryPaymentRepository()
	savePayment(t, mem, domain.PaymentRecord{ID: "a", Provider: "x", ProviderPaymentID: "pa", Status: domain.PaymentPending, CreatedAt: baseTime})
	r := NewPaymentReconciler(failingAppendRepo{mem}, nil, otel.Tracer("test"), weekCutoff).
		WithClock(func() time.Time { return baseTime.Add(8 * 24 * time.Hour) })

	if _, err := r.RunOnce(ctx); err == nil {
		t.Fatal("expected error")
	}
	if logs, _ := mem.ListLogs(ctx, "", 0); len(logs) != 0 {
		t.Fatalf("failed run must not write partial logs, got %d", len(logs))
	}
}

func TestReconcilerRunLoopRunsImmediately(t *testing.T) {
	r, repo := newTestReconciler(t, baseTime.Add(8*24*time.Hour), nil)
	savePayment(t, repo, domain.PaymentRecord{ID: "a", Provider: "x", ProviderPaymentID: "pa", Status: domain.PaymentPending, CreatedAt: baseTime})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunLoop(ctx, 24*time.Hour) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, _ := r.ListLogs(context.Background(), "", 0)
		if len(logs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("reconciler did not run at start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunLoop returned error: %v", err)
	}
}
