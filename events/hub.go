package events

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is the wire shape pushed to UI clients.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// client wraps a websocket connection with a write lock, since Emit may be
// called from several printer workers at once.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub broadcasts named events to all connected websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Emit sends the event to every connected client. Clients whose connection
// has broken are dropped.
func (h *Hub) Emit(event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	f := frame{Event: event, Data: payload}
	for c := range h.clients {
		if err := c.send(f); err != nil {
			log.Printf("events: send %s failed: %v", event, err)
			go h.drop(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		c.conn.Close()
	}
}

// HandleWebSocket upgrades the HTTP connection and keeps it registered
// until the client disconnects. The UI never sends meaningful frames; the
// read loop exists to detect closure.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: websocket upgrade error: %v", err)
		return
	}

	c := &client{conn: conn}
	h.register(c)
	defer h.drop(c)

	log.Printf("events: client connected from %s", r.RemoteAddr)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("events: read error: %v", err)
			}
			return
		}
	}
}
