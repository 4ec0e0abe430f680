package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/ForgeSync/internal/adapter/postgres"
	"github.com/Strob0t/ForgeSync/internal/domain"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
	"github.com/Strob0t/ForgeSync/internal/port/bulk"
)

// setupPool connects to the database named by DATABASE_URL, runs all
// migrations, and returns a pool. Tests are skipped without a database.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// hierarchy holds the ids of one seeded project tree.
type hierarchy struct {
	project, branch, task, subtask, archived string
}

// seedHierarchy inserts a four-level tree plus one archived subtask, with a
// summary row per item. Rows are removed via the project's cascade.
func seedHierarchy(t *testing.T, pool *pgxpool.Pool) hierarchy {
	t.Helper()
	ctx := context.Background()
	uid := uuid.New().String()[:8]

	h := hierarchy{
		project:  "project-" + uid,
		branch:   "branch-" + uid,
		task:     "task-" + uid,
		subtask:  "subtask-" + uid,
		archived: "subtask-arch-" + uid,
	}

	items := []struct {
		id, etype, parent, owner string
		archived                 bool
	}{
		{h.project, "project", "", "", false},
		{h.branch, "branch", h.project, "", false},
		{h.task, "task", h.branch, "user-7", false},
		{h.subtask, "subtask", h.task, "user-7", false},
		{h.archived, "subtask", h.task, "user-7", true},
	}
	for _, it := range items {
		var parent any
		if it.parent != "" {
			parent = it.parent
		}
		var owner any
		if it.owner != "" {
			owner = it.owner
		}
		_, err := pool.Exec(ctx,
			`INSERT INTO work_items (id, entity_type, parent_id, project_id, owner_id, archived)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			it.id, it.etype, parent, h.project, owner, it.archived)
		if err != nil {
			t.Fatalf("seed work item %s: %v", it.id, err)
		}
		_, err = pool.Exec(ctx,
			`INSERT INTO summaries (entity_id, entity_type, total, by_status, progress, sequence)
			 VALUES ($1, $2, 5, '{"done":2,"open":3}', 0.4, 10)`,
			it.id, it.etype)
		if err != nil {
			t.Fatalf("seed summary %s: %v", it.id, err)
		}
	}

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(),
			`DELETE FROM work_items WHERE id = $1`, h.project)
	})
	return h
}

func TestStoreAncestors(t *testing.T) {
	pool := setupPool(t)
	h := seedHierarchy(t, pool)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	t.Run("SubtaskFullChain", func(t *testing.T) {
		chain, err := store.Ancestors(ctx, workitem.Ref{Type: workitem.TypeSubtask, ID: h.subtask})
		if err != nil {
			t.Fatalf("Ancestors: %v", err)
		}
		if len(chain) != 3 {
			t.Fatalf("expected 3 ancestors, got %d", len(chain))
		}
		if chain[0].ID != h.task || chain[1].ID != h.branch || chain[2].ID != h.project {
			t.Fatalf("expected nearest-first order, got %v", chain)
		}
	})

	t.Run("ProjectHasNone", func(t *testing.T) {
		chain, err := store.Ancestors(ctx, workitem.Ref{Type: workitem.TypeProject, ID: h.project})
		if err != nil {
			t.Fatalf("Ancestors: %v", err)
		}
		if len(chain) != 0 {
			t.Fatalf("expected no ancestors for a project, got %v", chain)
		}
	})

	t.Run("MissingItem", func(t *testing.T) {
		_, err := store.Ancestors(ctx, workitem.Ref{Type: workitem.TypeTask, ID: "no-such-item"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreSummary(t *testing.T) {
	pool := setupPool(t)
	h := seedHierarchy(t, pool)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	sum, err := store.Summary(ctx, workitem.Ref{Type: workitem.TypeBranch, ID: h.branch})
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.EntityID != h.branch || sum.EntityType != workitem.TypeBranch {
		t.Fatalf("unexpected identity %s/%s", sum.EntityType, sum.EntityID)
	}
	if sum.Total != 5 || sum.ByStatus["done"] != 2 || sum.Sequence != 10 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	_, err = store.Summary(ctx, workitem.Ref{Type: workitem.TypeTask, ID: "no-such-item"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSnapshot(t *testing.T) {
	pool := setupPool(t)
	h := seedHierarchy(t, pool)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	inSnapshot := func(snap *bulk.Snapshot, id string) bool {
		for _, s := range snap.Summaries {
			if s.EntityID == id {
				return true
			}
		}
		return false
	}

	t.Run("ProjectScope", func(t *testing.T) {
		snap, err := store.Snapshot(ctx, bulk.Scope{ProjectIDs: []string{h.project}})
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if len(snap.Summaries) != 4 {
			t.Fatalf("expected 4 active summaries in scope, got %d", len(snap.Summaries))
		}
		for _, id := range []string{h.project, h.branch, h.task, h.subtask} {
			if !inSnapshot(snap, id) {
				t.Fatalf("expected %s in snapshot", id)
			}
		}
		if inSnapshot(snap, h.archived) {
			t.Fatal("archived items must be excluded by default")
		}
		if snap.GeneratedAt == 0 {
			t.Fatal("expected a generation timestamp")
		}
	})

	t.Run("IncludeArchived", func(t *testing.T) {
		snap, err := store.Snapshot(ctx, bulk.Scope{ProjectIDs: []string{h.project}, IncludeArchived: true})
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if !inSnapshot(snap, h.archived) {
			t.Fatal("expected archived item with IncludeArchived")
		}
	})

	t.Run("UserScope", func(t *testing.T) {
		snap, err := store.Snapshot(ctx, bulk.Scope{ProjectIDs: []string{h.project}, UserID: "user-7"})
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if len(snap.Summaries) != 2 {
			t.Fatalf("expected the task and its subtask for user-7, got %d", len(snap.Summaries))
		}
		if inSnapshot(snap, h.branch) {
			t.Fatal("unowned branch must be excluded from a user scope")
		}
	})
}
