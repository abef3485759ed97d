package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"inventorycore/internal/service/inventory/domain"
	"inventorycore/internal/service/inventory/infrastructure"
	"inventorycore/internal/service/inventory/port"
)

// fakeSource 是可编程的外部库存系统
type fakeSource struct {
	mu         sync.Mutex
	quantities map[string]int
	failing    map[string]error
	calls      int
}

func newFakeSource() *fakeSource {
	return &fakeSource{quantities: map[string]int{}, failing: map[string]error{}}
}

func (s *fakeSource) GetQuantity(ctx context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.failing[code]; ok {
		return 0, err
	}
	q, ok := s.quantities[code]
	if !ok {
		return 0, port.ErrStockCodeNotFound
	}
	return q, nil
}

func (s *fakeSource) set(code string, q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quantities[code] = q
}

// recordingPublisher 记录所有发出的通知，可以模拟发布失败
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockChanged
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.StockChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []domain.StockChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StockChanged(nil), p.events...)
}

func (p *recordingPublisher) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func newTestSynchronizer() (*StockSynchronizer, *infrastructure.MemoryInventoryRepository, *fakeSource, *recordingPublisher, *fakeClock) {
	repo := infrastructure.NewMemoryInventoryRepository()
	source := newFakeSource()
	pub := &recordingPublisher{}
	clock := newFakeClock()
	s := NewStockSynchronizer(repo, source, pub, otel.Tracer("test"), time.Second, 4).WithClock(clock.Now)
	return s, repo, source, pub, clock
}

func TestSyncOnceEmitsSingleNotification(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 50)
	source.set("SKU-1", 42)

	report, err := s.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if report.Changed != 1 || report.Tracked != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(events))
	}
	if events[0].ProductID != "P1" || events[0].OldQuantity != 50 || events[0].NewQuantity != 42 {
		t.Fatalf("unexpected event %+v", events[0])
	}
	stock, _ := repo.FindStock(ctx, "P1")
	if stock.OnHandQuantity != 42 || stock.LastSyncedAt == nil {
		t.Fatalf("stock not updated: %+v", stock)
	}

	// 外部没有变化时，第二次同步不再发出通知，只刷新同步时间
	report, err = s.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("second SyncOnce failed: %v", err)
	}
	if report.Unchanged != 1 || len(pub.published()) != 1 {
		t.Fatalf("second sync must be silent: report=%+v events=%d", report, len(pub.published()))
	}
}

func TestSyncOnceTouchesLastSyncedWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, clock := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 7)
	source.set("SKU-1", 7)

	clock.Advance(time.Hour)
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	stock, _ := repo.FindStock(ctx, "P1")
	if stock.LastSyncedAt == nil || !stock.LastSyncedAt.Equal(clock.Now()) {
		t.Fatalf("lastSyncedAt not touched: %+v", stock.LastSyncedAt)
	}
	if len(pub.published()) != 0 {
		t.Fatal("no notification expected for unchanged quantity")
	}
}

func TestSyncOnceFailingProductDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 10)
	repo.SetOnHand("P2", "SKU-2", 10)
	repo.SetOnHand("P3", "SKU-3", 10)
	source.set("SKU-1", 11)
	source.failing["SKU-2"] = errors.New("erp timeout")
	source.set("SKU-3", 13)

	report, err := s.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if report.Changed != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := len(pub.published()); got != 2 {
		t.Fatalf("expected 2 notifications, got %d", got)
	}
	stock, _ := repo.FindStock(ctx, "P2")
	if stock.OnHandQuantity != 10 {
		t.Fatalf("failed product must be untouched, got %d", stock.OnHandQuantity)
	}
}

func TestSyncOnceFlagsMissingProduct(t *testing.T) {
	ctx := context.Background()
	s, repo, _, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-GONE", 5)

	for i := 0; i < 2; i++ {
		report, err := s.SyncOnce(ctx)
		if err != nil {
			t.Fatalf("SyncOnce failed: %v", err)
		}
		if report.Missing != 1 {
			t.Fatalf("expected product flagged missing, got %+v", report)
		}
	}

	stock, _ := repo.FindStock(ctx, "P1")
	if stock.OnHandQuantity != 5 {
		t.Fatalf("missing product must be left untouched, got %d", stock.OnHandQuantity)
	}
	if len(pub.published()) != 0 {
		t.Fatal("missing product must not emit a notification")
	}
	anomalies, err := s.ListAnomalies(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != domain.AnomalyMissingFromFeed || anomalies[0].Occurrences != 2 {
		t.Fatalf("expected one deduplicated anomaly, got %+v", anomalies)
	}
}

func TestSyncOnceRecordsOversellRiskWithoutClamping(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, clock := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 10)

	ledger := NewReservationLedger(repo, otel.Tracer("test"), time.Hour, 100).WithClock(clock.Now)
	if _, err := ledger.Reserve(ctx, ReserveRequest{ProductID: "P1", Quantity: 8, HolderRef: "cart"}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	source.set("SKU-1", 5)
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}

	a, _ := ledger.Availability(ctx, "P1")
	if a.OnHand != 5 || a.Available != -3 {
		t.Fatalf("on-hand must not be clamped: %+v", a)
	}
	if len(pub.published()) != 1 {
		t.Fatal("change must still be published")
	}
	anomalies, _ := s.ListAnomalies(ctx, 10)
	if len(anomalies) != 1 || anomalies[0].Kind != domain.AnomalyOversellRisk {
		t.Fatalf("expected oversell anomaly, got %+v", anomalies)
	}

	// 新的预占被拒绝
	if _, err := ledger.Reserve(ctx, ReserveRequest{ProductID: "P1", Quantity: 1, HolderRef: "cart-2"}); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestSyncOncePublishFailureKeepsChangePending(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 50)
	source.set("SKU-1", 42)
	pub.fail(errors.New("broker unavailable"))

	report, err := s.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected failure, got %+v", report)
	}
	// 在库量已经提交，通知留待下个周期
	stock, _ := repo.FindStock(ctx, "P1")
	if stock.OnHandQuantity != 42 {
		t.Fatalf("on-hand must be committed, got %d", stock.OnHandQuantity)
	}
	if stock.PendingChange == nil || stock.PendingChange.OldQuantity != 50 || stock.PendingChange.NewQuantity != 42 {
		t.Fatalf("expected pending change 50->42, got %+v", stock.PendingChange)
	}

	// 外部数量没有再变化，下个周期依旧补发
	pub.fail(nil)
	report, err = s.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("retry SyncOnce failed: %v", err)
	}
	if report.Changed != 1 {
		t.Fatalf("redelivery should count as changed, got %+v", report)
	}
	events := pub.published()
	if len(events) != 1 || events[0].OldQuantity != 50 || events[0].NewQuantity != 42 {
		t.Fatalf("expected redelivered change, got %+v", events)
	}
	stock, _ = repo.FindStock(ctx, "P1")
	if stock.PendingChange != nil {
		t.Fatalf("pending change must be cleared after publish, got %+v", stock.PendingChange)
	}

	// 之后恢复静默
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("third SyncOnce failed: %v", err)
	}
	if got := len(pub.published()); got != 1 {
		t.Fatalf("expected no further notifications, got %d", got)
	}
}

func TestSyncOnceMergesUnpublishedChanges(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 50)
	source.set("SKU-1", 42)
	pub.fail(errors.New("broker unavailable"))
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}

	source.set("SKU-1", 30)
	pub.fail(nil)
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	events := pub.published()
	if len(events) != 1 || events[0].OldQuantity != 50 || events[0].NewQuantity != 30 {
		t.Fatalf("expected one merged change 50->30, got %+v", events)
	}
}

func TestSyncOnceDropsPendingChangeWhenQuantityReverts(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 50)
	source.set("SKU-1", 42)
	pub.fail(errors.New("broker unavailable"))
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}

	source.set("SKU-1", 50)
	pub.fail(nil)
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if got := len(pub.published()); got != 0 {
		t.Fatalf("net-zero change must not be published, got %d", got)
	}
	stock, _ := repo.FindStock(ctx, "P1")
	if stock.OnHandQuantity != 50 || stock.PendingChange != nil {
		t.Fatalf("unexpected stock %+v", stock)
	}
}

func TestSyncOnceFlushesPendingWhenSourceFails(t *testing.T) {
	ctx := context.Background()
	s, repo, source, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 50)
	source.set("SKU-1", 42)
	pub.fail(errors.New("broker unavailable"))
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}

	source.failing["SKU-1"] = errors.New("erp timeout")
	pub.fail(nil)
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	events := pub.published()
	if len(events) != 1 || events[0].NewQuantity != 42 {
		t.Fatalf("pending change must be published even when the source fails, got %+v", events)
	}
}

// commitFailingRepo 在事务函数成功之后模拟提交失败
type commitFailingRepo struct {
	*infrastructure.MemoryInventoryRepository
}

func (r commitFailingRepo) Transaction(ctx context.Context, fn func(tx domain.InventoryRepository) error) error {
	return r.MemoryInventoryRepository.Transaction(ctx, func(tx domain.InventoryRepository) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

func TestSyncOnceDoesNotPublishUncommittedChange(t *testing.T) {
	ctx := context.Background()
	mem := infrastructure.NewMemoryInventoryRepository()
	mem.SetOnHand("P1", "SKU-1", 50)
	source := newFakeSource()
	source.set("SKU-1", 42)
	pub := &recordingPublisher{}
	s := NewStockSynchronizer(commitFailingRepo{mem}, source, pub, otel.Tracer("test"), time.Second, 1)

	report, err := s.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected failure, got %+v", report)
	}
	if got := len(pub.published()); got != 0 {
		t.Fatalf("uncommitted change must not be published, got %d", got)
	}
	stock, _ := mem.FindStock(ctx, "P1")
	if stock.OnHandQuantity != 50 || stock.PendingChange != nil {
		t.Fatalf("update must be rolled back, got %+v", stock)
	}
}

// blockingPublisher 阻塞在 Publish 中，直到测试放行
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) Publish(ctx context.Context, event domain.StockChanged) error {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return nil
}

func TestReserveNotBlockedBySlowPublisher(t *testing.T) {
	ctx := context.Background()
	repo := infrastructure.NewMemoryInventoryRepository()
	repo.SetOnHand("P1", "SKU-1", 10)
	repo.SetOnHand("P2", "SKU-2", 10)
	source := newFakeSource()
	source.set("SKU-1", 20)
	source.set("SKU-2", 10)
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	clock := newFakeClock()

	s := NewStockSynchronizer(repo, source, pub, otel.Tracer("test"), 5*time.Second, 1).WithClock(clock.Now)
	ledger := NewReservationLedger(repo, otel.Tracer("test"), time.Hour, 100).WithClock(clock.Now)

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		_, _ = s.SyncOnce(ctx)
	}()

	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		close(pub.release)
		t.Fatal("publisher was never called")
	}

	// 发布还卡着，同一商品和其他商品的预占都要能立即完成
	reserved := make(chan error, 1)
	go func() {
		if _, err := ledger.Reserve(ctx, ReserveRequest{ProductID: "P1", Quantity: 15, HolderRef: "cart-1"}); err != nil {
			reserved <- err
			return
		}
		_, err := ledger.Reserve(ctx, ReserveRequest{ProductID: "P2", Quantity: 1, HolderRef: "cart-2"})
		reserved <- err
	}()

	select {
	case err := <-reserved:
		if err != nil {
			t.Errorf("reserve failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Reserve blocked while a stock change was being published")
	}

	close(pub.release)
	<-syncDone
}

func TestTrackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, repo, source, _, _ := newTestSynchronizer()

	if err := s.Track(ctx, "P9", "SKU-9"); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	source.set("SKU-9", 12)
	if _, err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce failed: %v", err)
	}
	if err := s.Track(ctx, "P9", "SKU-9"); err != nil {
		t.Fatalf("second Track failed: %v", err)
	}
	stock, _ := repo.FindStock(ctx, "P9")
	if stock.OnHandQuantity != 12 {
		t.Fatalf("re-tracking must not reset on-hand, got %d", stock.OnHandQuantity)
	}
	if err := s.Track(ctx, "", "SKU-0"); err == nil {
		t.Fatal("expected error for empty product id")
	}
}

func TestSynchronizerTaskFailsWhenEveryProductFails(t *testing.T) {
	s, repo, source, _, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 1)
	source.failing["SKU-1"] = errors.New("erp down")

	if err := s.Task(time.Minute).Run(context.Background()); err == nil {
		t.Fatal("expected task error when all products fail")
	}
}

func TestSynchronizerRunLoopSyncsImmediately(t *testing.T) {
	s, repo, source, pub, _ := newTestSynchronizer()
	repo.SetOnHand("P1", "SKU-1", 1)
	source.set("SKU-1", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunLoop(ctx, time.Hour) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.published()) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("synchronizer did not run at start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunLoop returned error: %v", err)
	}
}
