package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"NetPulse/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the CORS middleware
	},
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[events.EventType]struct{} // nil means every event
}

func (cl *wsClient) wants(t events.EventType) bool {
	if cl.types == nil {
		return true
	}
	_, ok := cl.types[t]
	return ok
}

// EventHub streams bus events to connected websocket clients. A client that
// cannot keep up is disconnected instead of blocking the publisher.
type EventHub struct {
	mu          sync.Mutex
	clients     map[*wsClient]struct{}
	closed      bool
	unsubscribe func()
	logger      *slog.Logger
}

func NewEventHub(bus *events.Bus, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &EventHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
	if bus != nil {
		h.unsubscribe = bus.Subscribe(h.broadcast)
	}
	return h
}

func (h *EventHub) broadcast(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("failed to encode event", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		if !cl.wants(e.Type) {
			continue
		}
		select {
		case cl.send <- payload:
		default:
			h.logger.Warn("dropping slow websocket client", "remote", cl.conn.RemoteAddr().String())
			h.removeLocked(cl)
		}
	}
}

func (h *EventHub) add(cl *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	return true
}

func (h *EventHub) remove(cl *wsClient) {
	h.mu.Lock()
	h.removeLocked(cl)
	h.mu.Unlock()
}

func (h *EventHub) removeLocked(cl *wsClient) {
	if _, ok := h.clients[cl]; !ok {
		return
	}
	delete(h.clients, cl)
	close(cl.send)
}

func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops listening on the bus and disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for cl := range h.clients {
		h.removeLocked(cl)
	}
	h.mu.Unlock()

	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

func parseEventTypes(raw string) map[events.EventType]struct{} {
	if raw == "" {
		return nil
	}
	types := make(map[events.EventType]struct{})
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[events.EventType(t)] = struct{}{}
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}

// EventsWebSocket streams bus events as JSON messages. ?types=a,b limits the
// stream to the listed event types.
func (h *Handlers) EventsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}

	cl := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		types: parseEventTypes(c.Query("types")),
	}
	if !h.hub.add(cl) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}
	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(cl)
	h.readPump(cl)
}

// readPump discards client messages and detects disconnects.
func (h *Handlers) readPump(cl *wsClient) {
	defer func() {
		h.hub.remove(cl)
		cl.conn.Close()
		h.logger.Debug("websocket client disconnected", "remote", cl.conn.RemoteAddr().String())
	}()

	cl.conn.SetReadLimit(4096)
	cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handlers) writePump(cl *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
