package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/seqget-project/seqget/internal/download"
	"github.com/seqget-project/seqget/internal/logger"
)

const (
	eventBufferSize  = 256
	clientBufferSize = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 54 * time.Second
)

// Upgrader handles upgrading HTTP to WebSocket
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a connected WebSocket client
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
}

// Manager manages WebSocket connections and broadcasts events
type Manager struct {
	clients map[string]*Client
	events  chan *Event

	heartbeat time.Duration

	mu sync.RWMutex
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new WebSocket manager
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		clients:   make(map[string]*Client),
		events:    make(chan *Event, eventBufferSize),
		heartbeat: 30 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the broadcast and heartbeat loops
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.run()
	go m.heartbeatLoop()

	logger.Debug("WebSocket manager started")
}

// Stop closes every connection and waits for the loops to exit
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	for id, client := range m.clients {
		close(client.send)
		delete(m.clients, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	logger.Debug("WebSocket manager stopped")
}

// run is the main event loop
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.events:
			m.broadcastEvent(event)
		}
	}
}

// heartbeatLoop sends periodic heartbeat messages
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if count := m.ClientCount(); count > 0 {
				m.Broadcast(NewHeartbeatEvent(count))
			}
		}
	}
}

// Broadcast queues an event for every client; it never blocks and drops when the queue is full
func (m *Manager) Broadcast(event *Event) {
	select {
	case <-m.ctx.Done():
		return
	default:
	}

	select {
	case m.events <- event:
	default:
		logger.Debugf("WebSocket queue full, dropping %s event", event.Type)
	}
}

// OnDownloadEvent is a download.Listener forwarding orchestrator events
func (m *Manager) OnDownloadEvent(ev download.Event) {
	m.Broadcast(FromDownloadEvent(ev))
}

// PipeLogs forwards new log stream entries until ctx is done or the stream closes
func (m *Manager) PipeLogs(ctx context.Context, stream *logger.LogStream) {
	ch := stream.Subscribe()
	defer stream.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			m.Broadcast(NewLogEvent(entry))
		}
	}
}

func (m *Manager) broadcastEvent(event *Event) {
	data, err := event.ToJSON()
	if err != nil {
		logger.WithError(err).Warn("Failed to encode WebSocket event")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		select {
		case client.send <- data:
		default:
			// Slow client, drop it
			logger.Warnf("WebSocket client %s is not keeping up, closing", id)
			close(client.send)
			delete(m.clients, id)
		}
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) register(client *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false
	}
	m.clients[client.ID] = client
	return true
}

func (m *Manager) unregister(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		close(client.send)
	}
}

// HandleWebSocket upgrades the request and serves the client until it disconnects
func (m *Manager) HandleWebSocket(c *gin.Context) {
	conn, err := Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	client := &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBufferSize),
	}
	if data, err := NewConnectedEvent(client.ID).ToJSON(); err == nil {
		client.send <- data
	}
	if !m.register(client) {
		conn.Close()
		return
	}
	logger.Debugf("WebSocket client connected: %s (total %d)", client.ID, m.ClientCount())

	go client.writePump()
	client.readPump()

	m.unregister(client)
	logger.Debugf("WebSocket client disconnected: %s", client.ID)
}

// writePump pumps messages from the manager to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed
func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WithError(err).Debug("WebSocket closed unexpectedly")
			}
			return
		}
	}
}
