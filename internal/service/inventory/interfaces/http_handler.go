package interfaces

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/service/inventory/application"
	"inventorycore/internal/service/inventory/domain"
)

const defaultAnomalyLimit = 100

// InventoryHandler 封装了库存服务的 HTTP 处理器
type InventoryHandler struct {
	ledger       *application.ReservationLedger
	synchronizer *application.StockSynchronizer
	stockFeed    http.Handler
}

// NewInventoryHandler 创建一个新的 HTTP 处理器实例。stockFeed 为 nil 时不开放 /ws/stock。
func NewInventoryHandler(ledger *application.ReservationLedger, synchronizer *application.StockSynchronizer, stockFeed http.Handler) *InventoryHandler {
	return &InventoryHandler{ledger: ledger, synchronizer: synchronizer, stockFeed: stockFeed}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/reserve", h.handleReserve)
	mux.HandleFunc("/release", h.handleRelease)
	mux.HandleFunc("/availability", h.handleAvailability)
	mux.HandleFunc("/stocks/track", h.handleTrack)
	mux.HandleFunc("/stocks/anomalies", h.handleAnomalies)
	if h.stockFeed != nil {
		mux.Handle("/ws/stock", h.stockFeed)
	}
}

type reserveRequest struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	HolderRef  string `json:"holder_ref"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type releaseRequest struct {
	ReservationID string `json:"reservation_id"`
}

type trackRequest struct {
	ProductID         string `json:"product_id"`
	ExternalStockCode string `json:"external_stock_code"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func (h *InventoryHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProductID == "" || req.HolderRef == "" {
		http.Error(w, "product_id and holder_ref are required", http.StatusBadRequest)
		return
	}
	if req.TTLSeconds < 0 {
		http.Error(w, "ttl_seconds must not be negative", http.StatusBadRequest)
		return
	}

	reservation, err := h.ledger.Reserve(ctx, application.ReserveRequest{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		HolderRef: req.HolderRef,
		TTL:       ttlFromSeconds(req.TTLSeconds),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservation)
}

// ttlFromSeconds 换算时避免溢出，过大的值交给账本按上限拒绝
func ttlFromSeconds(seconds int) time.Duration {
	if int64(seconds) > math.MaxInt64/int64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds) * time.Second
}

func (h *InventoryHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReservationID == "" {
		http.Error(w, "reservation_id is required", http.StatusBadRequest)
		return
	}
	reservation, err := h.ledger.Release(ctx, req.ReservationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

func (h *InventoryHandler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	productID := r.URL.Query().Get("productId")
	if productID == "" {
		http.Error(w, "productId is required", http.StatusBadRequest)
		return
	}
	availability, err := h.ledger.Availability(ctx, productID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

func (h *InventoryHandler) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" || req.ExternalStockCode == "" {
		http.Error(w, "product_id and external_stock_code are required", http.StatusBadRequest)
		return
	}
	if err := h.synchronizer.Track(r.Context(), req.ProductID, req.ExternalStockCode); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (h *InventoryHandler) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := defaultAnomalyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	anomalies, err := h.synchronizer.ListAnomalies(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if anomalies == nil {
		anomalies = []*domain.StockAnomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

// writeError 根据错误类型返回不同的 HTTP 状态码，业务结果不按错误记录日志
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	var statusCode int

	var insufficient *domain.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		statusCode = http.StatusConflict
		resp.Requested = insufficient.Requested
		resp.Available = &insufficient.Available
	case errors.Is(err, domain.ErrProductNotTracked),
		errors.Is(err, domain.ErrReservationNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidTTL):
		statusCode = http.StatusBadRequest
	case errors.Is(err, domain.ErrInfrastructure):
		statusCode = http.StatusServiceUnavailable
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("❌ Request failed on infrastructure")
	default:
		statusCode = http.StatusInternalServerError
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("❌ Request failed")
	}
	writeJSON(w, statusCode, resp)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
