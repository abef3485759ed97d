package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/service/payment/application"
	"inventorycore/internal/service/payment/domain"
)

const defaultLogLimit = 100

// ReconciliationHandler 暴露对账日志的查询接口
type ReconciliationHandler struct {
	reconciler *application.PaymentReconciler
}

func NewReconciliationHandler(reconciler *application.PaymentReconciler) *ReconciliationHandler {
	return &ReconciliationHandler{reconciler: reconciler}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *ReconciliationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/reconciliation/logs", h.handleListLogs)
}

func (h *ReconciliationHandler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := h.reconciler.ListLogs(ctx, r.URL.Query().Get("provider"), limit)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("❌ Failed to list reconciliation logs")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if logs == nil {
		logs = []*domain.ReconciliationLogEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(logs)
}
