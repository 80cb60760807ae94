package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/evidencelog/evidencelog/internal/metrics"
	"github.com/evidencelog/evidencelog/pkg/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for the public change feed
	},
}

// Counter reports the number of ledger records.
type Counter interface {
	Count(ctx context.Context) (uint64, error)
}

// subscriber is one change feed connection.
type subscriber struct {
	conn   *websocket.Conn
	events chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Hub broadcasts commit notifications to websocket subscribers. It
// implements pipeline.Notifier.
type Hub struct {
	counter Counter
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*subscriber]bool
	closed  bool
}

// NewHub creates a hub. counter may be nil, in which case events carry no
// record count.
func NewHub(counter Counter, m *metrics.Metrics) *Hub {
	return &Hub{
		counter: counter,
		metrics: m,
		clients: make(map[*subscriber]bool),
	}
}

// Committed broadcasts a committed event.
func (h *Hub) Committed(receipt *evidence.Receipt) {
	ev := proto.Event{
		Type:      proto.EventCommitted,
		ContentID: receipt.ContentID,
		TxHash:    receipt.TxHash,
	}
	if h.counter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if n, err := h.counter.Count(ctx); err == nil {
			ev.Count = strconv.FormatUint(n, 10)
		}
		cancel()
	}
	h.Broadcast(ev)
}

// Broadcast sends ev to every subscriber. Subscribers whose buffer is full
// miss the event.
func (h *Hub) Broadcast(ev proto.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.events <- data:
		default:
			log.Debug().Msg("event subscriber buffer full, skipping event")
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		client.close()
	}
}

func (h *Hub) register(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[s] = true
	h.metrics.SetSubscribers(len(h.clients))
	log.Debug().Int("subscribers", len(h.clients)).Msg("event subscriber connected")
	return true
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		h.metrics.SetSubscribers(len(h.clients))
		log.Debug().Int("subscribers", len(h.clients)).Msg("event subscriber disconnected")
	}
}

// ServeHTTP upgrades the request and streams events until either side
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("event feed upgrade failed")
		return
	}

	sub := &subscriber{
		conn:   conn,
		events: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	if !h.register(sub) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	defer func() {
		h.unregister(sub)
		_ = conn.Close()
	}()

	go h.readLoop(sub)
	h.writeLoop(sub)
}

// readLoop drains client frames so pongs and close frames are processed.
func (h *Hub) readLoop(s *subscriber) {
	defer s.close()

	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("event subscriber read error")
			}
			return
		}
	}
}

// writeLoop sends queued events and keepalive pings.
func (h *Hub) writeLoop(s *subscriber) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug().Err(err).Msg("event subscriber ping failed")
				return
			}
		case data := <-s.events:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("event subscriber write failed")
				return
			}
		}
	}
}
