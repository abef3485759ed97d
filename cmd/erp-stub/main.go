// cmd/erp-stub/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/pkg/tracing"
)

const (
	serviceName = "erp-stub"
	faultPrefix = "faulty-"
)

var tracer = otel.Tracer(serviceName)

// stockStore 是本地开发用的权威库存
type stockStore struct {
	mu         sync.RWMutex
	quantities map[string]int
}

func (s *stockStore) get(code string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quantities[code]
	return q, ok
}

func (s *stockStore) set(code string, q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quantities[code] = q
}

func (s *stockStore) remove(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quantities, code)
}

func main() {
	logger.Init(serviceName, getEnv("LOG_LEVEL", "info"))

	tp, err := tracing.InitTracerProvider(serviceName, getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"), 1)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	store := &stockStore{quantities: map[string]int{
		"ERP-1001":    50,
		"ERP-1002":    3,
		"faulty-2001": 10,
	}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stock/{code}", func(w http.ResponseWriter, r *http.Request) { getStockHandler(store, w, r) })
	mux.HandleFunc("PUT /stock/{code}", func(w http.ResponseWriter, r *http.Request) { setStockHandler(store, w, r) })
	mux.HandleFunc("DELETE /stock/{code}", func(w http.ResponseWriter, r *http.Request) {
		store.remove(r.PathValue("code"))
		w.WriteHeader(http.StatusNoContent)
	})

	port := getEnv("PORT", "8095")
	server := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		zlog.Info().Msgf("ERP stub listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("ListenAndServe")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Error shutting down tracer provider")
	}
}

func getStockHandler(store *stockStore, w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := tracer.Start(ctx, "erp-stub.GetStock")
	defer span.End()

	code := r.PathValue("code")
	span.SetAttributes(attribute.String("stock.code", code))

	// <<<<<<< 故障注入点 >>>>>>>>>
	if strings.HasPrefix(code, faultPrefix) {
		logger.Ctx(ctx).Warn().Str("stock_code", code).Msg("Injecting fault")
		time.Sleep(500 * time.Millisecond) // 模拟耗时

		err := errors.New("stock lookup failed for faulty code " + code)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		http.Error(w, "ERP unavailable for this stock code", http.StatusInternalServerError)
		return
	}
	// <<<<<<< 故障注入结束 >>>>>>>>>

	quantity, ok := store.get(code)
	if !ok {
		span.AddEvent("Stock code unknown")
		http.Error(w, "unknown stock code", http.StatusNotFound)
		return
	}

	span.AddEvent("Stock lookup successful")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"stock_code": code, "quantity": quantity})
}

// setStockHandler 修改库存，方便在本地演示同步和超卖告警
func setStockHandler(store *stockStore, w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	quantity, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil || quantity < 0 {
		http.Error(w, "quantity must be a non-negative integer", http.StatusBadRequest)
		return
	}
	store.set(code, quantity)
	logger.Ctx(r.Context()).Info().Str("stock_code", code).Int("quantity", quantity).Msg("Stock updated")
	w.WriteHeader(http.StatusNoContent)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
