package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/ForgeSync/internal/port/bulk"
)

// DefaultMinResyncInterval suppresses resync storms when gap detection and
// reconnects fire in quick succession.
const DefaultMinResyncInterval = 2 * time.Second

// ResyncController rebuilds the local view from the bulk source when the
// delta stream can no longer be trusted: initial connect, reconnect,
// server-directed sync, or a detected sequence gap.
type ResyncController struct {
	source      bulk.Source
	state       *State
	rec         *Reconciler
	scope       bulk.Scope
	minInterval time.Duration

	mu         sync.Mutex
	lastResync time.Time
	now        func() time.Time
}

// NewResyncController wires the controller. rec may be nil for consumers
// that never record optimistic updates.
func NewResyncController(source bulk.Source, state *State, rec *Reconciler, scope bulk.Scope) *ResyncController {
	return &ResyncController{
		source:      source,
		state:       state,
		rec:         rec,
		scope:       scope,
		minInterval: DefaultMinResyncInterval,
		now:         time.Now,
	}
}

// Resync fetches a snapshot and atomically replaces the state. Pending
// optimistic updates are cleared as orphaned since their outcomes are
// unknowable against the fresh snapshot. A call inside the min interval of
// the last successful resync is suppressed, so a gap storm cannot hammer
// the bulk endpoint.
func (rc *ResyncController) Resync(ctx context.Context) error {
	rc.mu.Lock()
	if !rc.lastResync.IsZero() && rc.now().Sub(rc.lastResync) < rc.minInterval {
		rc.mu.Unlock()
		slog.Debug("resync suppressed", "min_interval", rc.minInterval)
		return nil
	}
	rc.mu.Unlock()

	snap, err := rc.source.Snapshot(ctx, rc.scope)
	if err != nil {
		return fmt.Errorf("resync snapshot: %w", err)
	}
	rc.state.Replace(snap)
	if rc.rec != nil {
		rc.rec.clearOrphaned()
	}

	rc.mu.Lock()
	rc.lastResync = rc.now()
	rc.mu.Unlock()

	slog.Info("resync complete",
		"summaries", len(snap.Summaries), "cache_key", snap.CacheKey)
	return nil
}
