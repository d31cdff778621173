package frontend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	socketQueueSize = 64
	socketWriteWait = 10 * time.Second
)

// Hub fans gateway events out to the attached WebSocket clients as typed
// envelopes. A client whose queue fills up is detached so it cannot stall
// the rest of the stream.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	socks  map[*socket]struct{}
	closed bool
}

// socket is one attached client: a buffered outbound queue drained by the
// connection's write loop. Only the hub closes the queue.
type socket struct {
	out chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		socks:  make(map[*socket]struct{}),
	}
}

// envelope is the wire form of one mirrored event.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Attach registers a new client. It reports false once the hub has shut down.
func (h *Hub) Attach() (*socket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	s := &socket{out: make(chan []byte, socketQueueSize)}
	h.socks[s] = struct{}{}
	h.logger.Debug("ws client attached", "total", len(h.socks))
	return s, true
}

// Detach removes a client and closes its queue. Detaching a client twice, or
// one already evicted, is a no-op.
func (h *Hub) Detach(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(s)
}

func (h *Hub) drop(s *socket) {
	if _, ok := h.socks[s]; !ok {
		return
	}
	delete(h.socks, s)
	close(s.out)
	h.logger.Debug("ws client detached", "total", len(h.socks))
}

// Broadcast queues one typed event for every attached client.
func (h *Hub) Broadcast(kind string, data any) {
	payload, err := json.Marshal(envelope{Type: kind, Data: data})
	if err != nil {
		h.logger.Error("ws marshal", "kind", kind, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.socks {
		select {
		case s.out <- payload:
		default:
			h.logger.Warn("ws client evicted, queue full")
			h.drop(s)
		}
	}
}

// Close detaches every client and refuses further attachments. Safe to call
// more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.socks {
		delete(h.socks, s)
		close(s.out)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without configured origins nhooyr falls back to a same-origin check.
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sock, ok := s.wsHub.Attach()
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.Detach(sock)

	go writeLoop(conn, sock)

	// The socket is a mirror. Inbound frames are drained only to notice the
	// peer going away.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// writeLoop drains the queue onto the connection. The queue closing, whether
// by detach, eviction, or hub shutdown, ends the connection.
func writeLoop(conn *websocket.Conn, sock *socket) {
	for payload := range sock.out {
		ctx, cancel := context.WithTimeout(context.Background(), socketWriteWait)
		err := conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
