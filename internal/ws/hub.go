// Package ws is the outbound event-stream hub: the Engine Facade hands it
// a position's latest committed PositionEvent after a write operation,
// and it fans that event out to WebSocket subscribers, gated by the same
// admin JWT the Engine Facade's gated verbs use.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/riskcore/engine/internal/auth"
	"github.com/riskcore/engine/internal/domain"
	"github.com/riskcore/engine/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected WebSocket subscriber.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// EventMessage is the wire shape broadcast to subscribers.
type EventMessage struct {
	Type       string `json:"type"`
	PositionID string `json:"position_id"`
	EventType  string `json:"event_type"`
	CreatedAt  string `json:"created_at"`
}

// Hub maintains the set of active clients and fans out committed
// position events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	secret     []byte
	logger     *logging.Logger
}

func NewHub(jwtSecret []byte, logger *logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		secret:     jwtSecret,
		logger:     logger.With("ws"),
	}
}

// Run drives the hub's register/unregister/broadcast loop. It never
// returns in normal operation; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow subscriber: drop rather than block the tail
				}
			}
		}
	}
}

// PublishEvent fans a committed PositionEvent out to every subscriber.
// Called by the Engine Facade immediately after a transaction commits —
// never from inside the transaction itself.
func (h *Hub) PublishEvent(ev *domain.PositionEvent) {
	msg := EventMessage{
		Type:       "position_event",
		PositionID: ev.PositionID,
		EventType:  string(ev.EventType),
		CreatedAt:  ev.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to marshal event for broadcast", logging.F{"error": err.Error()})
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", logging.F{"position_id": ev.PositionID})
	}
}

// ServeWs upgrades r into a WebSocket connection after validating an
// admin bearer token, registers the client with the hub, and starts its
// read/write pumps.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				token = parts[1]
			}
		}
	}
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := auth.ValidateAdmin(hub.secret, token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 256)}
	hub.register <- client

	go func() {
		defer conn.Close()
		for message := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			hub.unregister <- client
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
