package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	fsotel "github.com/Strob0t/ForgeSync/internal/adapter/otel"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
	"github.com/Strob0t/ForgeSync/internal/port/hierarchy"
)

// CascadeCalculator recomputes the ancestor summaries invalidated by a
// change to one work item. Concurrent computations for the same entity are
// coalesced; callers touching different entities never block each other.
type CascadeCalculator struct {
	resolver hierarchy.Resolver
	group    singleflight.Group
	metrics  *fsotel.Metrics
}

// NewCascadeCalculator creates a new CascadeCalculator.
func NewCascadeCalculator(resolver hierarchy.Resolver) *CascadeCalculator {
	return &CascadeCalculator{resolver: resolver}
}

// SetMetrics attaches metric instruments.
func (c *CascadeCalculator) SetMetrics(m *fsotel.Metrics) {
	c.metrics = m
}

// Compute returns the recalculated summaries for every ancestor affected by
// a change to ref. A summary that cannot be resolved is logged and omitted;
// the cascade is best-effort, never a reason to withhold the primary change.
func (c *CascadeCalculator) Compute(ctx context.Context, ref workitem.Ref) (*envelope.CascadeSet, error) {
	v, err, _ := c.group.Do(ref.Key(), func() (any, error) {
		return c.compute(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	return v.(*envelope.CascadeSet), nil
}

func (c *CascadeCalculator) compute(ctx context.Context, ref workitem.Ref) (*envelope.CascadeSet, error) {
	ctx, span := fsotel.StartCascadeSpan(ctx, ref.Key())
	defer span.End()

	if c.metrics != nil {
		c.metrics.CascadeComputes.Add(ctx, 1)
	}

	chain, err := c.resolver.Ancestors(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestors for %s: %w", ref.Key(), err)
	}

	set := envelope.NewCascadeSet()
	for _, anc := range affectedAncestors(ref.Type, chain) {
		sum, err := c.resolver.Summary(ctx, anc)
		if err != nil {
			slog.Warn("ancestor summary lookup failed, omitting from cascade",
				"entity", anc.Key(), "changed", ref.Key(), "error", err)
			if c.metrics != nil {
				c.metrics.CascadeFailures.Add(ctx, 1)
			}
			continue
		}
		set.Put(*sum)
	}
	return set, nil
}

// affectedAncestors selects which ancestors a change invalidates. Subtask
// changes roll up into the owning task and its branch but stop there; the
// project view does not track individual subtask churn. Every other level
// invalidates its full chain.
func affectedAncestors(changed workitem.Type, chain []workitem.Ref) []workitem.Ref {
	out := make([]workitem.Ref, 0, len(chain))
	for _, ref := range chain {
		if changed == workitem.TypeSubtask && ref.Type == workitem.TypeProject {
			continue
		}
		out = append(out, ref)
	}
	return out
}
