// Package ws implements the WebSocket adapter that streams envelopes to
// connected clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	fsotel "github.com/Strob0t/ForgeSync/internal/adapter/otel"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
)

// Hub manages all active connections, keyed by session. A session that
// reconnects supersedes its previous connection.
type Hub struct {
	queueSize    int
	writeTimeout time.Duration
	heartbeat    time.Duration
	metrics      *fsotel.Metrics

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub creates a new Hub. queueSize bounds each connection's outbound
// queue; writeTimeout caps one socket write; heartbeat is the liveness
// broadcast interval.
func NewHub(queueSize int, writeTimeout, heartbeat time.Duration) *Hub {
	return &Hub{
		queueSize:    queueSize,
		writeTimeout: writeTimeout,
		heartbeat:    heartbeat,
		conns:        make(map[string]*Conn),
	}
}

// SetMetrics attaches metric instruments.
func (h *Hub) SetMetrics(m *fsotel.Metrics) {
	h.metrics = m
}

// HandleWS upgrades the request and serves the connection until it drops.
// The session id comes from the session query param when the client is
// resuming; otherwise one is assigned.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := newConn(sessionID, r.URL.Query().Get("user"), ws, h.queueSize, cancel)
	h.register(c)

	slog.Info("client connected",
		"session_id", sessionID, "remote", r.RemoteAddr)

	go c.writeLoop(ctx, h.writeTimeout)

	// The read loop runs in the handler so the request context stays
	// alive for the lifetime of the connection.
	readErr := c.readLoop(ctx)
	if readErr != nil && websocket.CloseStatus(readErr) == -1 && ctx.Err() == nil {
		slog.Debug("websocket read ended abnormally",
			"session_id", sessionID, "error", readErr)
	}

	h.unregister(c, websocket.StatusNormalClosure, "")
}

// Broadcast queues env on every connection whose subscriptions match. A
// connection with a full queue is beyond catching up on deltas; it is
// closed so the client falls back to a bulk resync.
func (h *Hub) Broadcast(ctx context.Context, env *envelope.Envelope) {
	ctx, span := fsotel.StartBroadcastSpan(ctx, string(env.Type), env.ID)
	defer span.End()

	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("envelope marshal failed", "envelope_id", env.ID, "error", err)
		return
	}
	affected := env.AffectedIDs()

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.wants(affected) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var overflowed []*Conn
	var sent int64
	for _, c := range targets {
		if c.enqueue(data) {
			sent++
		} else {
			overflowed = append(overflowed, c)
		}
	}

	if h.metrics != nil {
		if sent > 0 {
			h.metrics.EnvelopesSent.Add(ctx, sent)
		}
		if n := len(overflowed); n > 0 {
			h.metrics.SendDrops.Add(ctx, int64(n))
			h.metrics.ForcedResyncs.Add(ctx, int64(n))
		}
	}

	for _, c := range overflowed {
		slog.Warn("outbound queue full, forcing resync",
			"session_id", c.SessionID, "envelope_id", env.ID)
		h.unregister(c, websocket.StatusTryAgainLater, "resync required")
	}
}

// RunHeartbeat broadcasts liveness envelopes until ctx is cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Broadcast(ctx, envelope.NewHeartbeat())
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll disconnects every client, typically during shutdown. Clients
// treat any close as a resync trigger, so nothing is lost.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, reason)
	}
	if h.metrics != nil && len(conns) > 0 {
		h.metrics.ActiveConns.Add(context.Background(), -int64(len(conns)))
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	prev := h.conns[c.SessionID]
	h.conns[c.SessionID] = c
	h.mu.Unlock()

	if prev != nil {
		prev.cancel()
		_ = prev.ws.Close(websocket.StatusNormalClosure, "session superseded")
		slog.Info("session superseded", "session_id", c.SessionID)
	} else if h.metrics != nil {
		h.metrics.ActiveConns.Add(context.Background(), 1)
	}
}

// unregister removes c if it is still the registered connection for its
// session, then closes it. Safe to call from multiple paths; only the
// first caller performs the teardown.
func (h *Hub) unregister(c *Conn, code websocket.StatusCode, reason string) {
	h.mu.Lock()
	cur, ok := h.conns[c.SessionID]
	if ok && cur == c {
		delete(h.conns, c.SessionID)
	}
	h.mu.Unlock()

	if !ok || cur != c {
		return
	}

	c.cancel()
	_ = c.ws.Close(code, reason)
	if h.metrics != nil {
		h.metrics.ActiveConns.Add(context.Background(), -1)
	}
	slog.Info("client disconnected", "session_id", c.SessionID, "reason", reason)
}
