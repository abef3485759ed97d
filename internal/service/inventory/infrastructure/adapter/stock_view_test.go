package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"inventorycore/internal/service/inventory/domain"
)

type recordingView struct {
	name   string
	err    error
	events []domain.StockChanged
}

func (v *recordingView) Name() string { return v.name }

func (v *recordingView) Apply(ctx context.Context, event domain.StockChanged) error {
	v.events = append(v.events, event)
	return v.err
}

func TestDirectViewPublisherFirstViewFailureIsReturned(t *testing.T) {
	primary := &recordingView{name: "primary", err: errors.New("boom")}
	secondary := &recordingView{name: "secondary"}
	p := NewDirectViewPublisher(primary, secondary)

	err := p.Publish(context.Background(), domain.StockChanged{ProductID: "P1", NewQuantity: 3})
	if err == nil {
		t.Fatal("expected error from primary view")
	}
}

func TestDirectViewPublisherSecondaryFailureIsLogged(t *testing.T) {
	primary := &recordingView{name: "primary"}
	secondary := &recordingView{name: "secondary", err: errors.New("boom")}
	p := NewDirectViewPublisher(primary, secondary)

	if err := p.Publish(context.Background(), domain.StockChanged{ProductID: "P1", NewQuantity: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(primary.events) != 1 || len(secondary.events) != 1 {
		t.Fatalf("expected both views to receive the event, got %d and %d", len(primary.events), len(secondary.events))
	}
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/stock" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *StockHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", n, hub.Subscribers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStockHubBroadcastsToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewStockHub()
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(httpHandlerFunc(hub))
	defer srv.Close()

	all := dialHub(t, srv, "")
	onlyP2 := dialHub(t, srv, "?productId=P2")
	waitSubscribers(t, hub, 2)

	event := domain.StockChanged{ProductID: "P1", OldQuantity: 50, NewQuantity: 42, OccurredAt: time.Now().UTC()}
	if err := hub.Apply(ctx, event); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	_ = all.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := all.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got domain.StockChanged
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ProductID != "P1" || got.NewQuantity != 42 || got.OldQuantity != 50 {
		t.Fatalf("unexpected event %+v", got)
	}

	// 只订阅 P2 的连接不应收到 P1 的变化
	_ = onlyP2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := onlyP2.ReadMessage(); err == nil {
		t.Fatal("subscriber of P2 received an event for P1")
	}
}

func TestStockHubStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewStockHub()
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(httpHandlerFunc(hub))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitSubscribers(t, hub, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("expected all subscribers dropped, got %d", hub.Subscribers())
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}
}

func httpHandlerFunc(hub *StockHub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/stock", hub.ServeWS)
	return mux
}
