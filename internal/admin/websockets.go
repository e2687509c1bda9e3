package admin

import (
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Send/receive timing configuration and message size limits.
const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxMsgSize   = 1 << 12 // 4 KB
	clientBuffer = 32
)

// Envelope types
const (
	envelopeSession    = "session"
	envelopeTransition = "transition"
)

type wsEnvelope struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// The admin API only listens on the controller host.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans out session transitions to connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[chan wsEnvelope]struct{}
	log     *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		clients: make(map[chan wsEnvelope]struct{}),
		log:     log,
	}
}

// Broadcast sends t to every client without blocking; slow clients miss messages.
func (h *Hub) Broadcast(t session.Transition) {
	env := wsEnvelope{Type: envelopeTransition, Data: t}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- env:
		default:
			h.log.Debugw("websocket client lagging, dropping transition", "jobID", t.JobID)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() chan wsEnvelope {
	ch := make(chan wsEnvelope, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan wsEnvelope) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *Handler) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Configure read limits and pong handler to extend read deadline.
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go h.startReader(conn, done)

	// Register before the initial snapshot so no transition is lost in between.
	updates := h.hub.register()
	defer h.hub.unregister(updates)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := h.write(conn, wsEnvelope{Type: envelopeSession, Data: h.session.GetStatus()}); err != nil {
		h.log.Infow("websocket initial write failed", "error", err)
		return
	}

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Infow("websocket ping failed", "error", err)
				return
			}
		case env := <-updates:
			if err := h.write(conn, env); err != nil {
				h.log.Infow("websocket write failed", "error", err)
				return
			}
		}
	}
}

// startReader drains incoming messages to handle control frames and detect closure.
func (h *Handler) startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.log.Debugw("websocket reader closed", "error", err)
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, env wsEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
