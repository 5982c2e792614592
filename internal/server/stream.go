package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"apifallback/internal/models"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamBuffer       = 16
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// Hub fans status entries out to websocket subscribers.
type Hub struct {
	logger hclog.Logger

	mu      sync.Mutex
	clients map[chan models.StatusEntry]struct{}
	closed  bool
}

// NewHub returns an empty hub.
func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[chan models.StatusEntry]struct{}),
	}
}

// Publish delivers entry to every subscriber. Slow subscribers miss entries
// rather than block the caller.
func (h *Hub) Publish(entry models.StatusEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- entry:
		default:
			h.logger.Debug("dropping entry for slow subscriber")
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

func (h *Hub) subscribe() (chan models.StatusEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan models.StatusEntry, streamBuffer)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *Hub) unsubscribe(ch chan models.StatusEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveStreamConnection(conn)
}

func (s *Server) serveStreamConnection(conn *websocket.Conn) {
	defer conn.Close()

	ch, ok := s.hub.subscribe()
	if !ok {
		return
	}
	defer s.hub.unsubscribe(ch)

	if latest, ok := s.storage.Latest(); ok {
		if err := writeStreamPayload(conn, latest); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			if err := writeStreamPayload(conn, entry); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeStreamPayload(conn *websocket.Conn, payload models.StatusEntry) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(payload)
}
