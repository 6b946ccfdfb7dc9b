package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type hubMessage struct {
	workflowID string
	data       []byte
}

// Hub fans raw JSON events out to connected websockets. A connection
// registered with a workflow id only receives that workflow's events.
type Hub struct {
	clients   map[*websocket.Conn]string
	broadcast chan hubMessage
	mu        sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan hubMessage, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case m := <-h.broadcast:
			h.mu.Lock()
			for client, filter := range h.clients {
				if filter != "" && filter != m.workflowID {
					continue
				}
				if err := client.WriteMessage(websocket.TextMessage, m.data); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues data for delivery. workflowID is empty for events that
// do not belong to a workflow.
func (h *Hub) Broadcast(workflowID string, data []byte) {
	select {
	case h.broadcast <- hubMessage{workflowID: workflowID, data: data}:
	default:
		slog.Warn("websocket broadcast channel full, dropping event")
	}
}

func (h *Hub) Register(conn *websocket.Conn, workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = workflowID
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, r.URL.Query().Get("workflow"))
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Drain client frames until the connection closes
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
