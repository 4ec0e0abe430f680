package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
	"github.com/Strob0t/ForgeSync/internal/port/bulk"
)

// streamServer is a minimal stand-in for the engine's websocket endpoint:
// it accepts connections, records inbound control frames and pushes whatever
// envelopes a test hands it.
type streamServer struct {
	srv      *httptest.Server
	frames   chan []byte
	accepted atomic.Int64

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{frames: make(chan []byte, 8)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsc, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, wsc)
		s.mu.Unlock()
		for {
			_, data, err := wsc.Read(context.Background())
			if err != nil {
				return
			}
			s.frames <- data
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) push(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("push envelope: %v", err)
	}
}

func (s *streamServer) closeCurrent(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.conns); n > 0 {
		s.conns[n-1].Close(code, reason)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testClient(t *testing.T, serverURL string, source *stubSource) (*Client, *State) {
	t.Helper()
	state := NewState()
	rec := NewReconciler(state, time.Minute)
	rc := NewResyncController(source, state, rec, bulk.Scope{})
	rc.minInterval = 0
	return NewClient(serverURL, state, rec, rc), state
}

func TestClientStreamsAndApplies(t *testing.T) {
	server := newStreamServer(t)
	source := &stubSource{snaps: []*bulk.Snapshot{snapshotOf(
		summaryOf("task-1", workitem.TypeTask, 1),
	)}}
	c, state := testClient(t, server.srv.URL, source)

	var applied atomic.Int64
	c.OnEnvelope = func(*envelope.Envelope) { applied.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, func() bool { return server.accepted.Load() == 1 }, "client never connected")
	waitFor(t, func() bool { return source.calls.Load() == 1 }, "client never resynced on connect")

	server.push(t, updateEnv(t, "task-1", 2, `{"status":"done"}`))
	waitFor(t, func() bool { return applied.Load() == 1 }, "envelope never applied")

	e, ok := state.Get("task-1")
	if !ok || e.Fields["status"] != "done" || e.Sequence != 2 {
		t.Fatalf("expected delta applied over the snapshot baseline, got %+v", e)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestClientSendsSubscribe(t *testing.T) {
	server := newStreamServer(t)
	source := &stubSource{snaps: []*bulk.Snapshot{snapshotOf()}}
	c, _ := testClient(t, server.srv.URL, source)
	c.Subscribe = []string{"branch-9", "task-1"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case frame := <-server.frames:
		var msg struct {
			Type      string   `json:"type"`
			EntityIDs []string `json:"entity_ids"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("unmarshal control frame: %v", err)
		}
		if msg.Type != "subscribe" {
			t.Fatalf("expected subscribe frame, got %q", msg.Type)
		}
		if len(msg.EntityIDs) != 2 || msg.EntityIDs[0] != "branch-9" {
			t.Fatalf("unexpected entity ids: %v", msg.EntityIDs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe frame never arrived")
	}
}

func TestClientGapTriggersResync(t *testing.T) {
	server := newStreamServer(t)
	source := &stubSource{snaps: []*bulk.Snapshot{
		snapshotOf(summaryOf("task-1", workitem.TypeTask, 5)),
		snapshotOf(summaryOf("task-1", workitem.TypeTask, 9)),
	}}
	c, state := testClient(t, server.srv.URL, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return source.calls.Load() == 1 }, "client never resynced on connect")

	// Sequence 9 against the recorded 5 is a gap; the client must fall back
	// to a fresh snapshot instead of applying the jump.
	server.push(t, updateEnv(t, "task-1", 9, `{"status":"done"}`))

	waitFor(t, func() bool { return source.calls.Load() == 2 }, "gap never triggered a resync")
	waitFor(t, func() bool {
		e, ok := state.Get("task-1")
		return ok && e.Sequence == 9
	}, "state never caught up to the post-gap snapshot")
}

func TestClientServerSyncDirective(t *testing.T) {
	server := newStreamServer(t)
	source := &stubSource{snaps: []*bulk.Snapshot{snapshotOf()}}
	c, _ := testClient(t, server.srv.URL, source)

	var directives atomic.Int64
	c.OnEnvelope = func(env *envelope.Envelope) {
		if env.Type == envelope.TypeSync {
			directives.Add(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return source.calls.Load() == 1 }, "client never resynced on connect")
	server.push(t, envelope.NewSync("queue overflow"))
	waitFor(t, func() bool { return source.calls.Load() == 2 }, "sync directive never triggered a resync")
	waitFor(t, func() bool { return directives.Load() == 1 }, "sync directive never surfaced")
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	server := newStreamServer(t)
	source := &stubSource{snaps: []*bulk.Snapshot{snapshotOf()}}
	c, _ := testClient(t, server.srv.URL, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return server.accepted.Load() == 1 }, "client never connected")

	server.closeCurrent(websocket.StatusTryAgainLater, "resync required")

	waitFor(t, func() bool { return server.accepted.Load() == 2 }, "client never reconnected")
	waitFor(t, func() bool { return source.calls.Load() >= 2 }, "reconnect never resynced")
}

func TestClientBackoffLadder(t *testing.T) {
	source := &stubSource{snaps: []*bulk.Snapshot{snapshotOf()}}
	c, _ := testClient(t, "http://127.0.0.1:0", source)

	c.dialFn = func(ctx context.Context) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}
	var mu sync.Mutex
	var sleeps []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.sleepFn = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		n := len(sleeps)
		mu.Unlock()
		if n >= 7 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	want := []time.Duration{
		time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("expected ladder %v, got %v", want, sleeps)
		}
	}
}

func TestClientDegradesToPollingAndRecovers(t *testing.T) {
	server := newStreamServer(t)
	source := &stubSource{snaps: []*bulk.Snapshot{snapshotOf(
		summaryOf("task-1", workitem.TypeTask, 1),
	)}}
	c, state := testClient(t, server.srv.URL, source)
	c.ladder = []time.Duration{time.Millisecond}
	c.degradeAfter = 2
	c.pollInterval = time.Millisecond

	var refuse atomic.Bool
	refuse.Store(true)
	realDial := c.dialFn
	c.dialFn = func(ctx context.Context) (*websocket.Conn, error) {
		if refuse.Load() {
			return nil, errors.New("connection refused")
		}
		return realDial(ctx)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Two failures on the single-rung ladder trip the degrade path, which
	// keeps polling the bulk source while the dial keeps failing.
	waitFor(t, func() bool { return source.calls.Load() >= 2 }, "degraded client never polled")

	refuse.Store(false)
	waitFor(t, func() bool { return server.accepted.Load() == 1 }, "client never restored the stream")
	waitFor(t, func() bool { return state.Len() == 1 }, "restored session never resynced")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
