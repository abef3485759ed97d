// cmd/inventory-core/main.go
package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"inventorycore/internal/pkg/bootstrap"
	"inventorycore/internal/pkg/httpclient"
	"inventorycore/internal/service/inventory/application"
	"inventorycore/internal/service/inventory/infrastructure/adapter"
	inventoryhttp "inventorycore/internal/service/inventory/interfaces"
	"inventorycore/internal/service/inventory/port"
	paymentapp "inventorycore/internal/service/payment/application"
	"inventorycore/internal/service/payment/infrastructure/rule"
	paymenthttp "inventorycore/internal/service/payment/interfaces"
)

func main() {
	cfg := bootstrap.Init()
	ctx := context.Background()
	tracer := otel.Tracer(cfg.App.ServiceName)

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize infrastructure")
	}
	defer infra.Close()

	// --- 读模型：WebSocket 推送 + Redis 缓存 ---
	hub := adapter.NewStockHub()
	views := []port.StockView{hub}
	if infra.redis != nil {
		cache, err := adapter.NewStockCacheRedisAdapter(ctx, infra.redis)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to initialize stock cache")
		}
		// 缓存放在第一位：直连模式下缓存写入失败时通知保持待发布，下个周期重试
		views = append([]port.StockView{cache}, views...)
	}

	// --- 库存 ---
	ledger := application.NewReservationLedger(infra.inventoryRepo, tracer, cfg.Inventory.ReservationTTL, cfg.Inventory.SweepBatchSize).
		WithMaxTTL(cfg.Inventory.MaxReservationTTL)
	sweeper := application.NewSweeper(ledger, infra.lockFor(application.SweeperTaskName))

	stockSource := adapter.NewErpHTTPAdapter(httpclient.NewClient(tracer), cfg.Infra.ERP.BaseURL)
	var publisher port.StockChangePublisher
	if infra.kafkaWriter != nil {
		publisher = adapter.NewStockKafkaPublisher(infra.kafkaWriter)
	} else {
		publisher = adapter.NewDirectViewPublisher(views...)
	}
	synchronizer := application.NewStockSynchronizer(
		infra.inventoryRepo, stockSource, publisher, tracer,
		cfg.Inventory.SyncFetchTimeout, cfg.Inventory.SyncConcurrency,
	).WithLock(infra.lockFor(application.SynchronizerTaskName))

	for _, p := range cfg.Inventory.TrackedProducts {
		if err := synchronizer.Track(ctx, p.ProductID, p.ExternalStockCode); err != nil {
			zlog.Fatal().Err(err).Str("product_id", p.ProductID).Msg("failed to register tracked product")
		}
	}

	// --- 支付对账 ---
	issueRules := make([]rule.IssueRule, 0, len(cfg.Payment.IssueRules))
	for _, r := range cfg.Payment.IssueRules {
		issueRules = append(issueRules, rule.IssueRule{Issue: r.Issue, Expression: r.Expression})
	}
	classifier, err := rule.NewCELRuleEngineAdapter(issueRules)
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid payment issue rules")
	}
	reconciler := paymentapp.NewPaymentReconciler(infra.paymentRepo, classifier, tracer, cfg.Payment.ReconcileCutoff).
		WithLock(infra.lockFor(paymentapp.ReconcilerTaskName))

	workers := []bootstrap.Worker{
		{Name: "stock-hub", Run: hub.Run},
		{Name: "reservation-sweeper", Run: func(ctx context.Context) error {
			return sweeper.RunLoop(ctx, cfg.Inventory.SweepInterval)
		}},
		{Name: "stock-synchronizer", Run: func(ctx context.Context) error {
			return synchronizer.RunLoop(ctx, cfg.Inventory.SyncInterval)
		}},
		{Name: "payment-reconciler", Run: func(ctx context.Context) error {
			return reconciler.RunLoop(ctx, cfg.Payment.ReconcileInterval)
		}},
	}
	if infra.kafkaReader != nil {
		consumer := inventoryhttp.NewStockChangedConsumer(infra.kafkaReader, views...)
		workers = append(workers, bootstrap.Worker{Name: "stock-changed-consumer", Run: consumer.Run})
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.App.ServiceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			appCtx.Mux.HandleFunc("/healthz", infra.healthz)
			inventoryhttp.NewInventoryHandler(ledger, synchronizer, http.HandlerFunc(hub.ServeWS)).RegisterRoutes(appCtx.Mux)
			paymenthttp.NewReconciliationHandler(reconciler).RegisterRoutes(appCtx.Mux)
		},
		Workers: workers,
	})
}
