// Package realtime carries broker traffic over websockets: the Server
// bridges browser and terminal clients onto the relay's broker, and Dial
// gives a client a broker.Broker backed by such a connection.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/protocol"
	"qchat-relay/internal/session"
	"qchat-relay/internal/topic"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// SessionLister reports the sessions currently registered.
type SessionLister interface {
	List() []session.Session
}

// Server bridges websocket clients onto a broker. Each connection is bound
// to one client id: it receives everything addressed to that client and may
// only publish under that client's server prefix.
type Server struct {
	broker    broker.Broker
	ns        string
	sessions  SessionLister
	staticDir string
	logger    *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	subID  broker.SubscriptionID

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// New creates a websocket server.
func New(b broker.Broker, ns string, sessions SessionLister, staticDir string, logger *slog.Logger) *Server {
	if ns == "" {
		ns = topic.DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker:    b,
		ns:        ns,
		sessions:  sessions,
		staticDir: staticDir,
		logger:    logger,
		clients:   make(map[*client]bool),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/clients/{clientId}/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/clients/{clientId}/sessions/{sessionId}", s.handleStartSession).Methods(http.MethodPost)
	r.HandleFunc("/clients/{clientId}/sessions/{sessionId}", s.handleStopSession).Methods(http.MethodDelete)
	r.HandleFunc("/clients/{clientId}/sessions/{sessionId}/input", s.handleSendInput).Methods(http.MethodPost)

	if s.staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(r)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ConnectedClients returns the number of open websocket connections.
func (s *Server) ConnectedClients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleWebSocket upgrades the connection and binds it to ?clientId=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" || strings.ContainsAny(clientID, "/+#") {
		http.Error(w, `{"error":"valid clientId query parameter is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     clientID,
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendBuffer),
	}

	subID, err := s.broker.Subscribe(topic.ClientFilter(s.ns, clientID), c.forward)
	if err != nil {
		s.logger.Error("subscribe client topics failed", "client", clientID, "error", err)
		conn.Close()
		return
	}
	c.subID = subID

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.logger.Info("websocket client connected", "client", clientID, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// forward is the broker handler for everything addressed to this client.
func (c *client) forward(_ context.Context, t string, payload []byte) {
	data, err := json.Marshal(protocol.NewFrame(t, payload))
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue queues a frame for the write pump. A client that cannot keep up
// is disconnected rather than silently losing frames.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("websocket client too slow, disconnecting", "client", c.id)
		c.closed = true
		close(c.send)
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads frames from the websocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}

		c.server.handleFrame(c, message)
	}
}

// writePump writes frames to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if err := s.broker.Unsubscribe(c.subID); err != nil {
		s.logger.Debug("unsubscribe client", "client", c.id, "error", err)
	}
	c.closeSend()
	s.logger.Info("websocket client disconnected", "client", c.id)
}

// handleFrame publishes a client frame after checking it targets the
// client's own server topics.
func (s *Server) handleFrame(c *client, raw []byte) {
	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.sendError(c, protocol.ErrParseFailure, err.Error())
		return
	}
	if f.Error != nil {
		s.logger.Info("client reported error", "client", c.id, "code", f.Error.Code, "message", f.Error.Message)
		return
	}
	if !strings.HasPrefix(f.Topic, topic.ServerPrefix(s.ns, c.id)) {
		s.sendError(c, protocol.ErrForbiddenTopic, "clients may only publish to their own server topics")
		return
	}
	if err := s.broker.Publish(context.Background(), f.Topic, f.Payload); err != nil {
		s.logger.Error("publish client frame failed", "client", c.id, "topic", f.Topic, "error", err)
		s.sendError(c, protocol.ErrWriteFailure, "relay unavailable")
	}
}

func (s *Server) sendError(c *client, code, message string) {
	data, err := json.Marshal(protocol.NewErrorFrame(code, message))
	if err != nil {
		return
	}
	c.enqueue(data)
}
