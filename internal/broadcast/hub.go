// Package broadcast fans relay output out to subscriber websockets.
package broadcast

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmorsell/frame-relay/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 64

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

type Options struct {
	// QueueSize is the number of pending items a subscriber may fall behind by before it
	// is dropped.
	QueueSize int
	// Snapshot returns the text messages a new subscriber receives before any broadcast.
	Snapshot func() [][]byte
}

type item struct {
	text  bool
	data  []byte
	first bool
	last  bool
}

type subscriber struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan item

	// synced is false until the subscriber has seen the start of a binary message.
	// Guarded by Hub.mu.
	synced bool
}

// Hub holds the connected subscribers. Broadcast calls never block: a subscriber that
// cannot keep up is disconnected.
type Hub struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewHub(logger *zap.Logger, m *metrics.Metrics, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		logger:  logger,
		metrics: m,
		opts:    opts,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// BroadcastText queues payload for every subscriber. payload must not be modified after
// the call.
func (h *Hub) BroadcastText(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		h.enqueue(s, item{text: true, data: payload})
	}
}

// BroadcastBinary queues one chunk of a binary message for every subscriber. The chunk is
// copied once and shared by all queues.
func (h *Hub) BroadcastBinary(chunk []byte, first, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return
	}

	it := item{data: append([]byte(nil), chunk...), first: first, last: last}
	for s := range h.subs {
		if first {
			s.synced = true
		}
		if !s.synced {
			continue
		}
		h.enqueue(s, it)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(s *subscriber, it item) {
	select {
	case s.send <- it:
	default:
		h.metrics.SubscriberDrops.Inc()
		h.logger.Warn("subscriber too slow, dropping",
			zap.String("subscriber", s.id),
			zap.String("remote", s.remote))
		h.removeLocked(s)
	}
}

func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
	h.metrics.SubscribersConnected.Set(float64(len(h.subs)))
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	h.removeLocked(s)
	h.logger.Info("subscriber disconnected",
		zap.String("subscriber", s.id),
		zap.Int("subscribers", len(h.subs)))
}

// Serve registers conn as a subscriber and blocks until it disconnects.
func (h *Hub) Serve(conn *websocket.Conn, remote string) {
	s := &subscriber{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		send:   make(chan item, h.opts.QueueSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	if h.opts.Snapshot != nil {
		for _, payload := range h.opts.Snapshot() {
			select {
			case s.send <- item{text: true, data: payload}:
			default:
			}
		}
	}
	h.subs[s] = struct{}{}
	count := len(h.subs)
	h.metrics.SubscribersConnected.Set(float64(count))
	h.mu.Unlock()

	h.logger.Info("subscriber connected",
		zap.String("subscriber", s.id),
		zap.String("remote", remote),
		zap.Int("subscribers", count))

	go h.writePump(s)
	h.readPump(s)
}

// readPump discards inbound messages and keeps the read deadline fresh via pongs.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("subscriber read error", zap.String("subscriber", s.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	var w io.WriteCloser

	for {
		select {
		case it, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if it.text {
				if err := s.conn.WriteMessage(websocket.TextMessage, it.data); err != nil {
					return
				}
				continue
			}

			if it.first {
				next, err := s.conn.NextWriter(websocket.BinaryMessage)
				if err != nil {
					return
				}
				w = next
			}
			if w == nil {
				continue
			}
			if _, err := w.Write(it.data); err != nil {
				return
			}
			if it.last {
				if err := w.Close(); err != nil {
					return
				}
				w = nil
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s)
	}
}
