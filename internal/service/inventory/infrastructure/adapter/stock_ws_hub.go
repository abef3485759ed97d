package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"inventorycore/internal/pkg/logger"
	"inventorycore/internal/service/inventory/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 店铺前台与本服务不同域
		return true
	},
}

// StockHub 维护所有订阅库存变化的 WebSocket 连接，并负责广播。
// 它是 port.StockView 的一个实现，店铺前台靠它实时刷新"仅剩 N 件"之类的展示。
type StockHub struct {
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	lock       sync.RWMutex
}

func NewStockHub() *StockHub {
	return &StockHub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

func (h *StockHub) Name() string { return "websocket-hub" }

// Run 处理连接的注册和注销，ctx 取消时关闭所有连接
func (h *StockHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.lock.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.lock.Unlock()
			return nil
		case c := <-h.register:
			h.lock.Lock()
			h.clients[c] = struct{}{}
			h.lock.Unlock()
			logger.Ctx(ctx).Debug().Str("remote", c.remote).Strs("products", c.productList()).Msg("Stock subscriber registered")
		case c := <-h.unregister:
			h.lock.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.lock.Unlock()
			logger.Ctx(ctx).Debug().Str("remote", c.remote).Msg("Stock subscriber unregistered")
		}
	}
}

// Apply 把库存变化推送给订阅了该商品的连接。发送缓冲满的慢连接直接丢弃本条消息。
func (h *StockHub) Apply(ctx context.Context, event domain.StockChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal stock change")
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	dropped := 0
	for c := range h.clients {
		if !c.wants(event.ProductID) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		logger.Ctx(ctx).Warn().Str("product_id", event.ProductID).Int("dropped", dropped).Msg("⚠️ Slow stock subscribers skipped")
	}
	return nil
}

// Subscribers 返回当前连接数
func (h *StockHub) Subscribers() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// ServeWS 把 HTTP 请求升级为 WebSocket。
// 可选参数 productId（逗号分隔）限定订阅的商品，不传则订阅全部。
func (h *StockHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var products map[string]struct{}
	if raw := r.URL.Query().Get("productId"); raw != "" {
		products = make(map[string]struct{})
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				products[id] = struct{}{}
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), products: products, remote: r.RemoteAddr}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// wsClient 是一个 WebSocket 连接的代表
type wsClient struct {
	hub      *StockHub
	conn     *websocket.Conn
	send     chan []byte
	products map[string]struct{}
	remote   string
}

func (c *wsClient) wants(productID string) bool {
	if c.products == nil {
		return true
	}
	_, ok := c.products[productID]
	return ok
}

func (c *wsClient) productList() []string {
	list := make([]string, 0, len(c.products))
	for id := range c.products {
		list = append(list, id)
	}
	return list
}

// writePump 把 send 中的消息写入连接，并定期发送 ping
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub 关闭了这个连接
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理心跳；连接断开时向 hub 注销
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
