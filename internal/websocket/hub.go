package websocket

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/internal/observability/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The voice client connects from a native app, not a browser page.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub is the registry of live connections. It exists so the supervisor can
// tear every session down on shutdown; it carries no cross-session state
// beyond the set itself.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	// config is the connect-time descriptor, built once from the provider
	// names the server started with and shipped to every new connection.
	config *ConfigMessage

	logger *zap.Logger
}

// NewHub creates the connection registry.
func NewHub(config *ConfigMessage, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		config:     config,
		logger:     logger,
	}
}

// Run processes registry traffic until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.SessionsStarted.Inc()
			metrics.ActiveSessions.Inc()
			h.logger.Info("Client registered", zap.String("remote", client.RemoteAddr()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				metrics.ActiveSessions.Dec()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("remote", client.RemoteAddr()))
		}
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown force-closes every live connection. Each client's read pump then
// unwinds through its normal disconnect path, destroying its transcription
// upstream and cancelling in-flight work.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.mu.RUnlock()

	for _, client := range snapshot {
		client.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	h.logger.Info("Hub shutdown issued", zap.Int("clients", len(snapshot)))
}

// Serve upgrades one HTTP request to a voice connection. newHandler builds
// the session controller for the freshly created client; the client then
// ships the config descriptor and starts its pumps.
func Serve(hub *Hub, c echo.Context, newHandler func(*Client) SessionHandler, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(hub, conn, logger)
	client.start(newHandler(client))
	return nil
}
