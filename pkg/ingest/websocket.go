package ingest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/config"
)

var upgrader = websocket.Upgrader{
	// browsers must be same-origin; clients without an Origin header are not browsers
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// subscriber is one websocket connection and its outgoing queue. The queue
// is closed exactly once, by the hub, which tells the writer to hang up.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans live summaries out to websocket subscribers. A subscriber whose
// queue is full when a summary is published is disconnected.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	stopped bool

	publish chan []byte
	logger  *zap.Logger
}

// NewHub creates a hub; Run must be started for messages to flow.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		publish: make(chan []byte, config.WSBroadcastBuffer),
		logger:  logger,
	}
}

// Run delivers published messages until ctx is done, then disconnects
// every subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for s := range h.subs {
				h.dropLocked(s)
			}
			h.mu.Unlock()
			return
		case msg := <-h.publish:
			h.mu.Lock()
			for s := range h.subs {
				select {
				case s.send <- msg:
				default:
					h.logger.Debug("disconnecting slow websocket client")
					h.dropLocked(s)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues data, JSON encoded, for every subscriber. When the hub
// is backed up the message is dropped.
func (h *Hub) Broadcast(data interface{}) error {
	msg, err := json.Marshal(data)
	if err != nil {
		return err
	}
	select {
	case h.publish <- msg:
	default:
		h.logger.Warn("live summary dropped, hub is backed up")
	}
	return nil
}

// HasClients reports whether anyone is subscribed
func (h *Hub) HasClients() bool {
	return h.Clients() > 0
}

// Clients returns the number of subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.subs[s] = struct{}{}
	h.logger.Debug("websocket client connected", zap.Int("clients", len(h.subs)))
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		h.dropLocked(s)
		h.logger.Debug("websocket client disconnected", zap.Int("clients", len(h.subs)))
	}
}

func (h *Hub) dropLocked(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
}

// HandleWebSocket subscribes the caller to live summaries.
// GET /v1/ws
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, config.WSClientQueue)}
	if !h.add(s) {
		conn.Close()
		return
	}
	go h.write(s)
	h.read(s)
	h.remove(s)
}

// write owns all writes to the connection, including pings.
func (h *Hub) write(s *subscriber) {
	ping := time.NewTicker(config.WSPingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// read discards client frames, keeping the read deadline fresh on pongs,
// and returns once the connection fails or closes.
func (h *Hub) read(s *subscriber) {
	s.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}
