package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subscriberBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type subscriber struct {
	conn *websocket.Conn
	send chan entity.Event
}

// Hub fans session events out to websocket subscribers. Publish never
// blocks: a subscriber that falls behind loses events.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{subs: make(map[*subscriber]struct{}), logger: logger}
}

func (h *Hub) Publish(evt entity.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- evt:
		default:
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	metrics.EventSubscribers.Set(float64(len(h.subs)))
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
	metrics.EventSubscribers.Set(float64(len(h.subs)))
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.send)
	}
	metrics.EventSubscribers.Set(0)
}

// ServeWS upgrades the request and streams events until the client goes
// away. Anything the client sends is ignored.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s := &subscriber{conn: conn, send: make(chan entity.Event, subscriberBuffer)}
	if !h.add(s) {
		return
	}
	h.logger.Debug("event subscriber connected", zap.String("remote", c.Request.RemoteAddr))

	go h.readPump(s)
	h.writePump(s)
	h.logger.Debug("event subscriber disconnected", zap.String("remote", c.Request.RemoteAddr))
}

func (h *Hub) readPump(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.remove(s)

	for {
		select {
		case evt, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
