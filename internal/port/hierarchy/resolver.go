// Package hierarchy defines the port for resolving work-item ancestry and
// rollup summaries. The aggregate layer that owns these computations lives
// upstream; this interface is the boundary the cascade calculator works
// against.
package hierarchy

import (
	"context"

	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
)

// Resolver looks up hierarchy relationships and current summaries.
type Resolver interface {
	// Ancestors returns the ancestor chain of the given work item, nearest
	// first (task's parent branch before the branch's project). The chain is
	// bounded by the four-level hierarchy.
	Ancestors(ctx context.Context, ref workitem.Ref) ([]workitem.Ref, error)

	// Summary returns the current rollup summary for one work item.
	// Returns domain.ErrNotFound when the item has no summary row.
	Summary(ctx context.Context, ref workitem.Ref) (*workitem.Summary, error)
}
