package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// controlMessage is the client-to-server frame. Clients narrow their
// traffic with subscribe/unsubscribe and report apply progress with ack.
type controlMessage struct {
	Type      string   `json:"type"`
	EntityIDs []string `json:"entity_ids,omitempty"`
	EntityID  string   `json:"entity_id,omitempty"`
	Sequence  int64    `json:"sequence,omitempty"`
}

// Conn is one registered client connection. Envelopes pass through a
// bounded send queue drained by a dedicated writer goroutine, so one stalled
// client never blocks the hub or its neighbors.
type Conn struct {
	SessionID string
	UserID    string

	ws     *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	mu            sync.Mutex
	subscriptions map[string]struct{}
	acked         map[string]int64
}

func newConn(sessionID, userID string, ws *websocket.Conn, queueSize int, cancel context.CancelFunc) *Conn {
	return &Conn{
		SessionID:     sessionID,
		UserID:        userID,
		ws:            ws,
		send:          make(chan []byte, queueSize),
		cancel:        cancel,
		subscriptions: make(map[string]struct{}),
		acked:         make(map[string]int64),
	}
}

// readLoop consumes client frames until the connection drops. It returns
// the close error so the handler can log abnormal exits.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		c.handleControl(data)
	}
}

// writeLoop drains the send queue onto the socket. Each write gets its own
// deadline; a write that cannot complete in time tears the connection down
// via cancel, which also unblocks the read loop.
func (c *Conn) writeLoop(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "session_id", c.SessionID, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Conn) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("discarding malformed control message",
			"session_id", c.SessionID, "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.EntityIDs)
	case "unsubscribe":
		c.unsubscribe(msg.EntityIDs)
	case "ack":
		c.recordAck(msg.EntityID, msg.Sequence)
	default:
		slog.Debug("unknown control message type",
			"session_id", c.SessionID, "type", msg.Type)
	}
}

func (c *Conn) subscribe(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.subscriptions[id] = struct{}{}
	}
}

func (c *Conn) unsubscribe(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.subscriptions, id)
	}
}

func (c *Conn) recordAck(entityID string, seq int64) {
	if entityID == "" {
		return
	}
	c.mu.Lock()
	if seq > c.acked[entityID] {
		c.acked[entityID] = seq
	}
	c.mu.Unlock()
}

// wants reports whether this connection should receive an envelope touching
// the given entity ids. An empty subscription set means all traffic; an
// envelope touching no entities (heartbeat, sync directive) goes to everyone.
func (c *Conn) wants(affectedIDs []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 || len(affectedIDs) == 0 {
		return true
	}
	for _, id := range affectedIDs {
		if _, ok := c.subscriptions[id]; ok {
			return true
		}
	}
	return false
}

// enqueue attempts a non-blocking handoff to the writer. False means the
// queue is full and the connection must be forced into a resync.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
