// Package monitor pushes live collection data to operator UIs over
// WebSocket: a sample feed fed by the distributor and a periodic
// equipment-status snapshot.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plantops/qhist/poll"
)

const (
	writeTimeout      = 5 * time.Second
	heartbeatAfter    = 120 * time.Second // client silence before a server heartbeat
	heartbeatInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Monitors are same-plant operator UIs; the API layer owns auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected monitor.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	lastRecv time.Time
}

func (c *wsClient) touch() {
	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()
}

func (c *wsClient) silentFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastRecv)
}

// send writes one prepared message under the client's write lock.
func (c *wsClient) send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Hub broadcasts every sample from its distributor output to all
// connected monitors. Send failure marks a client dead; dead clients are
// removed under the lock after the broadcast round.
type Hub struct {
	input <-chan *poll.Sample
	log   *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewHub returns a hub over a distributor output channel.
func NewHub(input <-chan *poll.Sample, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		input:   input,
		log:     log,
		clients: make(map[*wsClient]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the broadcast and heartbeat loops.
func (h *Hub) Start() {
	go h.run()
}

// Stop halts broadcasting and closes every connection.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// ClientCount returns the number of connected monitors.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection until the
// client leaves or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsClient{conn: conn, lastRecv: time.Now()}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("monitor connected", "remote", r.RemoteAddr, "clients", n)

	// Read loop: tracks client liveness and notices closes. Inbound
	// payloads are not interpreted.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		c.touch()
	}
	h.remove(c)
	h.log.Info("monitor disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) run() {
	defer close(h.doneCh)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-h.stopCh:
			h.closeAll()
			return
		case s := <-h.input:
			h.broadcastSample(s)
		case <-heartbeat.C:
			h.sendHeartbeats()
		}
	}
}

func (h *Hub) broadcastSample(s *poll.Sample) {
	data, err := json.Marshal(s)
	if err != nil {
		h.log.Error("marshaling sample", "error", err)
		return
	}
	h.broadcast(data)
}

// broadcast fans one message out, then removes the clients whose send
// failed.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var dead []*wsClient
	for _, c := range clients {
		if err := c.send(websocket.TextMessage, data); err != nil {
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
		}
		h.mu.Unlock()
		h.log.Debug("removed dead monitors", "count", len(dead))
	}
}

// sendHeartbeats pings clients that have been silent past the threshold.
func (h *Hub) sendHeartbeats() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.silentFor() < heartbeatAfter {
			continue
		}
		if err := c.send(websocket.PingMessage, nil); err != nil {
			h.remove(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
}
