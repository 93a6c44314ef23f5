package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"servis-go/internal/events"
	"servis-go/internal/frontend"
)

// ErrUnknownSession is returned when a reply targets a WebSocket session
// that is no longer connected.
var ErrUnknownSession = errors.New("web: unknown session")

// WebSocket message types.
const (
	wsTypeWelcome  = "welcome"
	wsTypeEvent    = "event"
	wsTypeCommand  = "command"
	wsTypeResponse = "response"
	wsTypeError    = "error"
)

// wsMessage is the envelope for every WebSocket frame in both directions.
type wsMessage struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Text      string             `json:"text,omitempty"`
	Context   map[string]string  `json:"context,omitempty"`
	Event     *events.Event      `json:"event,omitempty"`
	Response  *frontend.Response `json:"response,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts events.
type WSHub struct {
	clients map[*wsClient]struct{}
	byID    map[string]*wsClient
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan interface{}

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		byID:       make(map[string]*wsClient),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan interface{}, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			if client.id != "" {
				h.byID[client.id] = client
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "session", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "session", client.id, "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				h.removeLocked(client)
				h.logger.Warn("ws client evicted (too slow)", "session", client.id)
			}
			h.mu.Unlock()
		}
	}
}

func (h *WSHub) removeLocked(client *wsClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if h.byID[client.id] == client {
		delete(h.byID, client.id)
	}
	close(client.send)
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg interface{}) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

// SendTo queues msg for the client with the given session id.
func (h *WSHub) SendTo(id string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.byID[id]
	if !ok {
		return ErrUnknownSession
	}
	select {
	case client.send <- data:
		return nil
	default:
		return errors.New("web: client send buffer full")
	}
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	welcome, _ := json.Marshal(wsMessage{Type: wsTypeWelcome, SessionID: client.id})
	client.send <- welcome

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client, r.Header.Get("X-User-ID"))
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump handles inbound frames. Commands are processed in arrival
// order and answered on the same connection.
func (s *Server) wsReadPump(client *wsClient, userID string) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.wsHub.SendTo(client.id, wsMessage{Type: wsTypeError, Error: "invalid message"})
			continue
		}
		if msg.Type != wsTypeCommand || strings.TrimSpace(msg.Text) == "" {
			s.wsHub.SendTo(client.id, wsMessage{Type: wsTypeError, Error: "expected a command with text"})
			continue
		}

		s.ProcessCommand(ctx, msg.Text, frontend.Context{
			UserID:    userID,
			SessionID: client.id,
			Interface: frontend.TypeWeb,
			Timestamp: time.Now(),
			Metadata:  msg.Context,
		})
	}
}
