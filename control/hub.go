package control

import (
	iface "ButtonCutter/interface"
	"ButtonCutter/logger"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan iface.Event
}

// Hub fans pipeline events out to websocket clients. A client whose buffer
// is full is dropped rather than stalling the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{clients: map[*client]struct{}{}, buffer: buffer}
}

// Publish never blocks.
func (h *Hub) Publish(ev iface.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			logger.Log().Warn("Dropping slow event client", zap.String("client", c.id))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// serve blocks until the client goes away.
func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan iface.Event, h.buffer)}
	h.add(c)
	logger.Log().Info("Event client connected", zap.String("client", c.id))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range c.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.remove(c)
				break
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(writeWait))
		_ = conn.Close()
	}()

	// 只读取控制帧，客户端断开即退出
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	<-done
	logger.Log().Info("Event client disconnected", zap.String("client", c.id))
}
