package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ayusman/mudra/internal/detector"
)

const (
	// clientBuffer is the number of pending messages per client before results are dropped.
	clientBuffer = 4
	writeTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// ResultFeed notifies subscribers of every new landmark result.
type ResultFeed interface {
	Subscribe(fn func(detector.Result)) (unsubscribe func())
}

type helloMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

type landmarksMessage struct {
	Type      string                 `json:"type"`
	Kind      detector.Kind          `json:"kind"`
	OK        bool                   `json:"ok"`
	Sets      []detector.LandmarkSet `json:"sets"`
	Timestamp int64                  `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// LandmarksHandler broadcasts transformed landmarks via WebSocket.
type LandmarksHandler struct {
	log         *zap.Logger
	unsubscribe func()

	mu      sync.RWMutex
	clients map[string]*wsClient
	closed  bool
}

// NewLandmarksHandler creates a new LandmarksHandler subscribed to feed.
func NewLandmarksHandler(feed ResultFeed, log *zap.Logger) *LandmarksHandler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &LandmarksHandler{
		log:     log,
		clients: make(map[string]*wsClient),
	}
	h.unsubscribe = feed.Subscribe(h.broadcast)
	return h
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *LandmarksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	hello, _ := json.Marshal(helloMessage{Type: "hello", ClientID: client.id})
	client.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Debug("websocket client connected", zap.String("client", client.id), zap.Int("clients", count))

	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		client.close()
		h.log.Debug("websocket client disconnected", zap.String("client", client.id))
	}()

	go h.writeLoop(client)

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writeLoop drains the client's queue until it is closed.
func (h *LandmarksHandler) writeLoop(c *wsClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
}

// broadcast queues result for every connected client.
// A client whose queue is full misses this result.
func (h *LandmarksHandler) broadcast(result detector.Result) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 || h.closed {
		return
	}

	sets := result.Sets
	if sets == nil {
		sets = []detector.LandmarkSet{}
	}
	msg, err := json.Marshal(landmarksMessage{
		Type:      "landmarks",
		Kind:      result.Kind,
		OK:        result.OK,
		Sets:      sets,
		Timestamp: result.Timestamp.UnixMilli(),
	})
	if err != nil {
		h.log.Warn("failed to encode landmarks", zap.Error(err))
		return
	}

	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *LandmarksHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the feed and disconnects every client.
func (h *LandmarksHandler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.unsubscribe()
	for _, c := range clients {
		c.conn.Close()
	}
}
