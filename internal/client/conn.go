package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/ForgeSync/internal/domain"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
)

const (
	// DefaultDegradeAfter is how many consecutive top-rung dial failures
	// precede the fallback to polling.
	DefaultDegradeAfter = 10
	// DefaultPollInterval spaces bulk polls while degraded.
	DefaultPollInterval = 30 * time.Second
)

// defaultLadder is the reconnect backoff schedule; the last rung repeats
// until the dial succeeds or degradation kicks in.
var defaultLadder = []time.Duration{
	time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// Client runs the full subscriber stack over one logical connection: resync
// on connect, subscription narrowing, envelope application, and reconnection
// with backoff and polling degradation.
type Client struct {
	// Subscribe narrows delivery to these entity ids when non-empty. Set
	// before Run.
	Subscribe []string

	// OnEnvelope, when set, observes every envelope that changed the local
	// view. Called from the read loop; keep it fast.
	OnEnvelope func(*envelope.Envelope)

	serverURL string
	state     *State
	rec       *Reconciler
	resync    *ResyncController

	ladder       []time.Duration
	degradeAfter int
	pollInterval time.Duration

	dialFn  func(ctx context.Context) (*websocket.Conn, error)
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewClient wires the subscriber stack for the engine at serverURL. rec may
// be nil for read-only consumers.
func NewClient(serverURL string, state *State, rec *Reconciler, resync *ResyncController) *Client {
	c := &Client{
		serverURL:    strings.TrimRight(serverURL, "/"),
		state:        state,
		rec:          rec,
		resync:       resync,
		ladder:       defaultLadder,
		degradeAfter: DefaultDegradeAfter,
		pollInterval: DefaultPollInterval,
		sleepFn:      sleepCtx,
	}
	c.dialFn = func(ctx context.Context) (*websocket.Conn, error) {
		wsURL := "ws" + strings.TrimPrefix(c.serverURL, "http") + "/ws"
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		return conn, err
	}
	return c
}

// Run connects and consumes the delta stream until ctx is canceled, which
// is the only way it returns. Every session starts with a resync so the
// local view never resumes from pre-disconnect history.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		if err := c.serve(ctx, conn); err != nil {
			slog.Warn("session setup failed", "error", err)
			if err := c.sleepFn(ctx, c.ladder[0]); err != nil {
				return err
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		slog.Info("delta stream lost, reconnecting")
	}
}

// connect dials until it succeeds, climbing the backoff ladder and holding
// at the top rung. After degradeAfter consecutive top-rung failures it falls
// back to polling resyncs between dial attempts. Only a canceled ctx makes
// connect return an error.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	rung, holds := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := c.dialFn(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		atTop := rung == len(c.ladder)-1
		if atTop {
			holds++
			if holds >= c.degradeAfter {
				return c.pollUntilConnected(ctx)
			}
		}
		wait := c.ladder[rung]
		slog.Warn("dial failed, backing off", "wait", wait, "error", err)
		if err := c.sleepFn(ctx, wait); err != nil {
			return nil, err
		}
		if !atTop {
			rung++
		}
	}
}

// pollUntilConnected keeps the local view fresh with bulk polls while the
// stream endpoint stays unreachable, retrying the dial between polls.
func (c *Client) pollUntilConnected(ctx context.Context) (*websocket.Conn, error) {
	slog.Warn("degrading to polling mode", "poll_interval", c.pollInterval)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.resync.Resync(ctx); err != nil {
			slog.Warn("poll resync failed", "error", err)
		}
		conn, err := c.dialFn(ctx)
		if err == nil {
			slog.Info("delta stream restored")
			return conn, nil
		}
		if err := c.sleepFn(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

// serve resyncs, subscribes and consumes envelopes until the connection
// drops. A setup failure is returned so the caller can back off; a stream
// drop after setup returns nil and the caller reconnects.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := c.resync.Resync(ctx); err != nil {
		return fmt.Errorf("resync on connect: %w", err)
	}
	if len(c.Subscribe) > 0 {
		if err := c.sendSubscribe(ctx, conn); err != nil {
			return err
		}
	}
	c.readLoop(ctx, conn)
	return nil
}

func (c *Client) sendSubscribe(ctx context.Context, conn *websocket.Conn) error {
	msg, err := json.Marshal(map[string]any{
		"type":       "subscribe",
		"entity_ids": c.Subscribe,
	})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

// readLoop decodes and applies envelopes until the socket drops. Malformed
// frames are skipped; the stream itself stays up.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("delta stream read ended", "error", err)
			return
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("discarding malformed envelope", "error", err)
			continue
		}
		c.handleEnvelope(ctx, &env)
	}
}

// handleEnvelope routes one envelope: heartbeats are dropped, sync
// directives trigger a resync, updates flow through the reducer. A sequence
// gap also triggers a resync; the stream continues on the same connection
// either way.
func (c *Client) handleEnvelope(ctx context.Context, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeHeartbeat:
		return
	case envelope.TypeSync:
		slog.Info("server requested resync", "reason", syncReason(env))
		if err := c.resync.Resync(ctx); err != nil {
			slog.Warn("server-directed resync failed", "error", err)
			return
		}
		if c.OnEnvelope != nil {
			c.OnEnvelope(env)
		}
		return
	}

	if err := c.state.Apply(env); err != nil {
		if errors.Is(err, domain.ErrSequenceGap) {
			slog.Warn("sequence gap, resyncing", "error", err)
			if rerr := c.resync.Resync(ctx); rerr != nil {
				slog.Warn("gap resync failed", "error", rerr)
			}
			return
		}
		slog.Warn("envelope apply failed", "envelope_id", env.ID, "error", err)
		return
	}
	if c.rec != nil {
		c.rec.Observe(env)
	}
	if c.OnEnvelope != nil {
		c.OnEnvelope(env)
	}
}

func syncReason(env *envelope.Envelope) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(env.Payload.Data.Primary) > 0 {
		_ = json.Unmarshal(env.Payload.Data.Primary, &body)
	}
	return body.Reason
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
