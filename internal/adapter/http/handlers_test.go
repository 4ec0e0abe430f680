package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	fshttp "github.com/Strob0t/ForgeSync/internal/adapter/http"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
	"github.com/Strob0t/ForgeSync/internal/middleware"
	"github.com/Strob0t/ForgeSync/internal/port/bulk"
	"github.com/Strob0t/ForgeSync/internal/service"
)

// mockResolver returns fixed ancestor chains and summaries.
type mockResolver struct {
	ancestors map[string][]workitem.Ref
	summaries map[string]workitem.Summary
}

func (m *mockResolver) Ancestors(_ context.Context, ref workitem.Ref) ([]workitem.Ref, error) {
	return m.ancestors[ref.Key()], nil
}

func (m *mockResolver) Summary(_ context.Context, ref workitem.Ref) (*workitem.Summary, error) {
	s := m.summaries[ref.Key()]
	return &s, nil
}

// mockBroadcaster records broadcast envelopes.
type mockBroadcaster struct {
	mu        sync.Mutex
	envelopes []*envelope.Envelope
}

func (m *mockBroadcaster) Broadcast(_ context.Context, env *envelope.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envelopes = append(m.envelopes, env)
}

func (m *mockBroadcaster) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envelopes)
}

// mockSource records the last requested scope.
type mockSource struct {
	mu    sync.Mutex
	scope bulk.Scope
}

func (m *mockSource) Snapshot(_ context.Context, scope bulk.Scope) (*bulk.Snapshot, error) {
	m.mu.Lock()
	m.scope = scope
	m.mu.Unlock()
	return &bulk.Snapshot{
		Summaries: []workitem.Summary{
			{EntityType: workitem.TypeTask, EntityID: "task-1", Total: 3, Sequence: 7},
		},
		GeneratedAt: time.Now().UnixMilli(),
	}, nil
}

func (m *mockSource) lastScope() bulk.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// nopCache never hits so every request reaches the source.
type nopCache struct{}

func (nopCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (nopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (nopCache) Delete(context.Context, string) error { return nil }

type testServer struct {
	router *chi.Mux
	hub    *mockBroadcaster
	source *mockSource
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()

	resolver := &mockResolver{
		ancestors: map[string][]workitem.Ref{
			"task/task-1": {
				{Type: workitem.TypeBranch, ID: "branch-9"},
				{Type: workitem.TypeProject, ID: "project-3"},
			},
		},
		summaries: map[string]workitem.Summary{
			"branch/branch-9":   {EntityType: workitem.TypeBranch, EntityID: "branch-9", Total: 12, Sequence: 30},
			"project/project-3": {EntityType: workitem.TypeProject, EntityID: "project-3", Total: 80, Sequence: 91},
		},
	}

	hub := &mockBroadcaster{}
	calc := service.NewCascadeCalculator(resolver)
	batch := service.NewBatchAggregator(calc, hub, time.Hour, 256)
	updates := service.NewUpdateRouter(calc, batch, hub)

	source := &mockSource{}
	snapshots := service.NewSnapshotService(source, nopCache{}, time.Second)

	r := chi.NewRouter()
	fshttp.MountRoutes(r, &fshttp.Handlers{Updates: updates, Snapshots: snapshots}, limiter)
	return &testServer{router: r, hub: hub, source: source}
}

func permissiveLimiter() *middleware.RateLimiter {
	return middleware.NewRateLimiter(1000, 1000)
}

func changeBody(t *testing.T, origin string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"entity":    "task",
		"entity_id": "task-1",
		"action":    "update",
		"sequence":  42,
		"origin":    origin,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestSubmitChangeAccepted(t *testing.T) {
	srv := newTestServer(t, permissiveLimiter())

	req := httptest.NewRequest(http.MethodPost, "/api/changes", bytes.NewReader(changeBody(t, "interactive")))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status   string `json:"status"`
		Entity   string `json:"entity"`
		Sequence int64  `json:"sequence"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "accepted" || resp.Entity != "task/task-1" || resp.Sequence != 42 {
		t.Fatalf("unexpected response %+v", resp)
	}

	// Interactive changes broadcast synchronously within Handle.
	if got := srv.hub.count(); got != 1 {
		t.Fatalf("expected 1 broadcast envelope, got %d", got)
	}
}

func TestSubmitChangeInvalid(t *testing.T) {
	srv := newTestServer(t, permissiveLimiter())

	req := httptest.NewRequest(http.MethodPost, "/api/changes", bytes.NewReader(changeBody(t, "psychic")))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if srv.hub.count() != 0 {
		t.Fatal("invalid change must not broadcast")
	}
}

func TestSubmitChangeMalformedJSON(t *testing.T) {
	srv := newTestServer(t, permissiveLimiter())

	req := httptest.NewRequest(http.MethodPost, "/api/changes", bytes.NewReader([]byte(`{broken`)))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitChangeRateLimited(t *testing.T) {
	srv := newTestServer(t, middleware.NewRateLimiter(1, 1))

	first := httptest.NewRequest(http.MethodPost, "/api/changes", bytes.NewReader(changeBody(t, "interactive")))
	first.RemoteAddr = "10.1.1.1:4000"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, first)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected first request accepted, got %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/api/changes", bytes.NewReader(changeBody(t, "interactive")))
	second.RemoteAddr = "10.1.1.1:4001"
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestGetSummaries(t *testing.T) {
	srv := newTestServer(t, permissiveLimiter())

	req := httptest.NewRequest(http.MethodGet, "/api/summaries?project_ids=project-3", http.NoBody)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var snap bulk.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.Summaries) != 1 || snap.Summaries[0].EntityID != "task-1" {
		t.Fatalf("unexpected summaries %+v", snap.Summaries)
	}
	if snap.CacheKey == "" {
		t.Fatal("expected cache_key in snapshot response")
	}
	if snap.GeneratedAt == 0 {
		t.Fatal("expected generated_at in snapshot response")
	}
}

func TestGetSummariesScopeParsing(t *testing.T) {
	srv := newTestServer(t, permissiveLimiter())

	url := "/api/summaries?project_ids=p1,p2&user_id=user-7&include_archived=true"
	req := httptest.NewRequest(http.MethodGet, url, http.NoBody)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	scope := srv.source.lastScope()
	if len(scope.ProjectIDs) != 2 || scope.ProjectIDs[0] != "p1" || scope.ProjectIDs[1] != "p2" {
		t.Fatalf("unexpected project ids %v", scope.ProjectIDs)
	}
	if scope.UserID != "user-7" {
		t.Fatalf("expected user-7, got %q", scope.UserID)
	}
	if !scope.IncludeArchived {
		t.Fatal("expected include_archived to be set")
	}
}
