package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
	"github.com/Strob0t/ForgeSync/internal/port/bulk"
)

// Store reads the work-item hierarchy and summary tables. The upstream
// mutation path owns all writes; this side only resolves ancestry and
// serves snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ancestors returns the ancestor chain of the given work item, nearest
// first. The hierarchy is at most four levels deep, so the walk is cheap.
func (s *Store) Ancestors(ctx context.Context, ref workitem.Ref) ([]workitem.Ref, error) {
	rows, err := s.pool.Query(ctx,
		`WITH RECURSIVE chain AS (
		     SELECT id, entity_type, parent_id, 0 AS depth
		     FROM work_items WHERE id = $1
		   UNION ALL
		     SELECT w.id, w.entity_type, w.parent_id, c.depth + 1
		     FROM work_items w JOIN chain c ON w.id = c.parent_id
		 )
		 SELECT id, entity_type, depth FROM chain ORDER BY depth`, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestors %s: %w", ref.Key(), err)
	}
	defer rows.Close()

	var chain []workitem.Ref
	found := false
	for rows.Next() {
		var (
			id    string
			etype string
			depth int
		)
		if err := rows.Scan(&id, &etype, &depth); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		if depth == 0 {
			found = true
			continue
		}
		chain = append(chain, workitem.Ref{Type: workitem.Type(etype), ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve ancestors %s: %w", ref.Key(), err)
	}
	if !found {
		return nil, notFound("resolve ancestors %s", ref.Key())
	}
	return chain, nil
}

// Summary returns the current rollup summary for one work item.
func (s *Store) Summary(ctx context.Context, ref workitem.Ref) (*workitem.Summary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT entity_id, entity_type, total, by_status, progress, by_priority,
		        COALESCE(last_activity, 'epoch'::timestamptz), sequence
		 FROM summaries WHERE entity_id = $1`, ref.ID)

	sum, err := scanSummary(row)
	if err != nil {
		return nil, notFoundWrap(err, "get summary %s", ref.Key())
	}
	return sum, nil
}

// Snapshot returns all summaries matching scope in one consistent read.
// ProjectIDs match either the denormalized root project or the entity
// itself, so asking for a project also returns the project's own summary.
func (s *Store) Snapshot(ctx context.Context, scope bulk.Scope) (*bulk.Snapshot, error) {
	projectIDs := scope.ProjectIDs
	if projectIDs == nil {
		projectIDs = []string{}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT s.entity_id, s.entity_type, s.total, s.by_status, s.progress, s.by_priority,
		        COALESCE(s.last_activity, 'epoch'::timestamptz), s.sequence
		 FROM summaries s
		 JOIN work_items w ON w.id = s.entity_id
		 WHERE (cardinality($1::text[]) = 0 OR w.project_id = ANY($1) OR w.id = ANY($1))
		   AND ($2 = '' OR w.owner_id = $2)
		   AND ($3::bool OR NOT w.archived)
		 ORDER BY w.project_id, s.entity_type, s.entity_id`,
		projectIDs, scope.UserID, scope.IncludeArchived)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	summaries := []workitem.Summary{}
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		summaries = append(summaries, *sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return &bulk.Snapshot{
		Summaries:   summaries,
		GeneratedAt: time.Now().UnixMilli(),
	}, nil
}

func scanSummary(row scannable) (*workitem.Summary, error) {
	var (
		sum          workitem.Summary
		etype        string
		lastActivity time.Time
	)
	if err := row.Scan(&sum.EntityID, &etype, &sum.Total, &sum.ByStatus,
		&sum.Progress, &sum.ByPriority, &lastActivity, &sum.Sequence); err != nil {
		return nil, err
	}
	sum.EntityType = workitem.Type(etype)
	if lastActivity.Unix() != 0 {
		sum.LastActivity = lastActivity
	}
	return &sum, nil
}
