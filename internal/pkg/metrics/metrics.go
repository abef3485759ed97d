// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inventory_core"

// 周期任务的统一指标，由 scheduler 在每次迭代后上报
var (
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_runs_total",
		Help:      "Periodic task iterations by outcome (success, failure, skipped).",
	}, []string{"task", "outcome"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Duration of periodic task iterations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})

	TaskLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "task_last_success_timestamp_seconds",
		Help:      "Unix time of the last successful iteration.",
	}, []string{"task"})
)

// 预占账本
var (
	ReserveResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reserve_results_total",
		Help:      "Reserve calls by result (granted, insufficient_stock, rejected, error).",
	}, []string{"result"})

	ReservationsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reservations_released_total",
		Help:      "Reservations released, by trigger (explicit, sweep).",
	}, []string{"trigger"})
)

// 库存同步
var (
	SyncProducts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_products_total",
		Help:      "Per-product synchronization results (changed, unchanged, missing, failed).",
	}, []string{"result"})

	OversellRiskEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oversell_risk_events_total",
		Help:      "Syncs that left on-hand quantity below active reservations.",
	})

	OversellRiskUnits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "oversell_risk_units",
		Help:      "Units by which active reservations exceed on-hand quantity after the last sync.",
	}, []string{"product_id"})

	StockChangesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_changes_published_total",
		Help:      "StockChanged notifications by publish result.",
	}, []string{"result"})
)

// 支付对账
var (
	PaymentsFlagged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_flagged_total",
		Help:      "Reconciliation log entries written, by issue.",
	}, []string{"issue"})
)
