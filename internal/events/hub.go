// Package events streams finalized usage rows to connected WebSocket
// dashboard clients.
package events

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/models"
)

const (
	historyCap     = 200
	broadcastDepth = 100
	maxClients     = 100
)

// ErrTooManyClients is returned when the hub is at capacity.
var ErrTooManyClients = errors.New("events: too many websocket clients")

// LogEvent is the wire form of one finalized usage row. Request bodies and
// raw error text stay server-side.
type LogEvent struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	Model           string    `json:"model"`
	Endpoint        string    `json:"endpoint"`
	StatusCode      int       `json:"status_code"`
	LatencyMS       int64     `json:"latency_ms"`
	CDSeconds       int       `json:"cd_seconds,omitempty"`
	CredentialEmail string    `json:"credential_email,omitempty"`
	ErrorType       string    `json:"error_type,omitempty"`
	RetryCount      int       `json:"retry_count"`
	Timestamp       time.Time `json:"timestamp"`
}

func fromUsageLog(l *models.UsageLog) LogEvent {
	return LogEvent{
		ID:              l.ID,
		UserID:          l.UserID,
		Model:           l.Model,
		Endpoint:        l.Endpoint,
		StatusCode:      l.StatusCode,
		LatencyMS:       l.LatencyMS,
		CDSeconds:       l.CDSeconds,
		CredentialEmail: l.CredentialEmail,
		ErrorType:       l.ErrorType,
		RetryCount:      l.RetryCount,
		Timestamp:       time.Now().UTC(),
	}
}

// Hub fans finalized usage rows out to WebSocket clients. New clients get a
// replay of recent history before live events.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*websocket.Conn]struct{}
	broadcast chan LogEvent
	stopCh    chan struct{}
	stopOnce  sync.Once

	historyMu sync.RWMutex
	history   []LogEvent
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan LogEvent, broadcastDepth),
		stopCh:    make(chan struct{}),
		history:   make([]LogEvent, 0, historyCap),
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case event := <-h.broadcast:
				h.fanOut(event)
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends the broadcast loop and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// BroadcastLog queues one finalized row. The dispatcher calls this on the
// request path, so a full queue drops the event rather than blocking.
func (h *Hub) BroadcastLog(l *models.UsageLog) {
	event := fromUsageLog(l)

	h.historyMu.Lock()
	if len(h.history) >= historyCap {
		h.history = h.history[1:]
	}
	h.history = append(h.history, event)
	h.historyMu.Unlock()

	select {
	case h.broadcast <- event:
	default:
		log.Debug("usage event queue full, dropping event")
	}
}

// AddClient registers a connection and replays recent history to it.
func (h *Hub) AddClient(conn *websocket.Conn) error {
	h.mu.Lock()
	if len(h.clients) >= maxClients {
		h.mu.Unlock()
		return ErrTooManyClients
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	h.historyMu.RLock()
	replay := make([]LogEvent, len(h.history))
	copy(replay, h.history)
	h.historyMu.RUnlock()

	for _, event := range replay {
		if err := conn.WriteJSON(event); err != nil {
			h.RemoveClient(conn)
			return err
		}
	}
	return nil
}

// RemoveClient drops a connection from the hub and closes it.
func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) fanOut(event LogEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			log.WithError(err).Debug("websocket write failed, dropping client")
			h.RemoveClient(conn)
		}
	}
}
