package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"inventorycore/internal/service/inventory/application"
	"inventorycore/internal/service/inventory/domain"
	"inventorycore/internal/service/inventory/infrastructure"
)

type staticSource map[string]int

func (s staticSource) GetQuantity(ctx context.Context, code string) (int, error) {
	return s[code], nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, event domain.StockChanged) error { return nil }

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	repo := infrastructure.NewMemoryInventoryRepository()
	repo.SetOnHand("P1", "SKU-1", 10)

	tracer := otel.Tracer("test")
	ledger := application.NewReservationLedger(repo, tracer, 15*time.Minute, 100)
	sync := application.NewStockSynchronizer(repo, staticSource{}, nopPublisher{}, tracer, time.Second, 1)

	mux := http.NewServeMux()
	NewInventoryHandler(ledger, sync, nil).RegisterRoutes(mux)
	return mux
}

func do(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestReserveAndReleaseOverHTTP(t *testing.T) {
	mux := newTestMux(t)

	rec := do(mux, http.MethodPost, "/reserve", `{"product_id":"P1","quantity":7,"holder_ref":"cart-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var reservation domain.StockReservation
	if err := json.Unmarshal(rec.Body.Bytes(), &reservation); err != nil {
		t.Fatalf("decode reservation: %v", err)
	}
	if reservation.ID == "" || reservation.Quantity != 7 {
		t.Fatalf("unexpected reservation %+v", reservation)
	}

	rec = do(mux, http.MethodPost, "/reserve", `{"product_id":"P1","quantity":5,"holder_ref":"cart-2"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var errResp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Available == nil || *errResp.Available != 3 || errResp.Requested != 5 {
		t.Fatalf("unexpected conflict body %+v", errResp)
	}

	rec = do(mux, http.MethodPost, "/release", `{"reservation_id":"`+reservation.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/availability?productId=P1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var availability domain.Availability
	if err := json.Unmarshal(rec.Body.Bytes(), &availability); err != nil {
		t.Fatalf("decode availability: %v", err)
	}
	if availability.Available != 10 || availability.ActiveReserved != 0 {
		t.Fatalf("unexpected availability %+v", availability)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	mux := newTestMux(t)

	cases := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"unknown product", http.MethodPost, "/reserve", `{"product_id":"NOPE","quantity":1,"holder_ref":"c"}`, http.StatusNotFound},
		{"invalid quantity", http.MethodPost, "/reserve", `{"product_id":"P1","quantity":0,"holder_ref":"c"}`, http.StatusBadRequest},
		{"negative ttl", http.MethodPost, "/reserve", `{"product_id":"P1","quantity":1,"holder_ref":"c","ttl_seconds":-5}`, http.StatusBadRequest},
		{"ttl above maximum", http.MethodPost, "/reserve", `{"product_id":"P1","quantity":1,"holder_ref":"c","ttl_seconds":31536000}`, http.StatusBadRequest},
		{"ttl overflowing duration", http.MethodPost, "/reserve", `{"product_id":"P1","quantity":1,"holder_ref":"c","ttl_seconds":9223372036854775807}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/reserve", `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/reserve", "", http.StatusMethodNotAllowed},
		{"unknown reservation", http.MethodPost, "/release", `{"reservation_id":"missing"}`, http.StatusNotFound},
		{"availability without product", http.MethodGet, "/availability", "", http.StatusBadRequest},
		{"availability unknown product", http.MethodGet, "/availability?productId=NOPE", "", http.StatusNotFound},
		{"bad anomaly limit", http.MethodGet, "/stocks/anomalies?limit=-1", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(mux, tc.method, tc.target, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTrackAndListAnomalies(t *testing.T) {
	mux := newTestMux(t)

	rec := do(mux, http.MethodPost, "/stocks/track", `{"product_id":"P2","external_stock_code":"SKU-2"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(mux, http.MethodGet, "/availability?productId=P2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tracked product should be readable, got %d", rec.Code)
	}

	rec = do(mux, http.MethodGet, "/stocks/anomalies", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d: %s", rec.Code, rec.Body.String())
	}
}
