package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/ForgeSync/internal/domain"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
)

var (
	// ErrConfirmationTimeout reports an optimistic update whose confirming
	// envelope never arrived; its overlay has been rolled back.
	ErrConfirmationTimeout = errors.New("optimistic update confirmation timed out")

	// ErrOrphaned reports an optimistic update discarded because a resync
	// replaced the state it overlaid; its outcome is unknowable.
	ErrOrphaned = errors.New("optimistic update orphaned by resync")
)

// DefaultConfirmTimeout bounds how long an optimistic overlay waits for its
// confirming envelope before it is rolled back.
const DefaultConfirmTimeout = 5 * time.Second

type pendingUpdate struct {
	correlationID string
	ref           workitem.Ref
	before        *Entry // pre-image from overlay, nil when the entry did not exist
	existed       bool
	recordedAt    time.Time
}

// Reconciler tracks optimistic overlays against their confirming envelopes.
// Pending updates are held oldest first. Rollback is last-in-first-out per
// entity: undoing an older update first undoes every younger update stacked
// on the same entity, because each younger pre-image still contains the
// older overlay's fields.
type Reconciler struct {
	state   *State
	timeout time.Duration

	mu      sync.Mutex
	pending []*pendingUpdate

	errs chan error
	now  func() time.Time
}

// NewReconciler wraps state with an optimistic ledger. A non-positive
// timeout falls back to DefaultConfirmTimeout.
func NewReconciler(state *State, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Reconciler{
		state:   state,
		timeout: timeout,
		errs:    make(chan error, 16),
		now:     time.Now,
	}
}

// Errors exposes rollback notifications. The channel is buffered; when the
// consumer falls behind, notifications are dropped rather than stalling the
// stream.
func (r *Reconciler) Errors() <-chan error { return r.errs }

// RecordOptimistic overlays fields onto ref's entry ahead of server
// confirmation and remembers the pre-image for rollback.
func (r *Reconciler) RecordOptimistic(correlationID string, ref workitem.Ref, fields map[string]any) {
	before, existed := r.state.overlay(ref.ID, ref.Type, fields)
	r.mu.Lock()
	r.pending = append(r.pending, &pendingUpdate{
		correlationID: correlationID,
		ref:           ref,
		before:        before,
		existed:       existed,
		recordedAt:    r.now(),
	})
	r.mu.Unlock()
}

// Observe confirms the pending update matched by the envelope's correlation
// id, if any. The server's change has already been folded into state by the
// reducer, so confirming only discharges the ledger entry.
func (r *Reconciler) Observe(env *envelope.Envelope) {
	id := env.Metadata.CorrelationID
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p.correlationID == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			slog.Debug("optimistic update confirmed",
				"correlation_id", id, "entity", p.ref.Key())
			return
		}
	}
}

// Rollback undoes the pending update identified by correlationID, younger
// same-entity updates first.
func (r *Reconciler) Rollback(correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p.correlationID == correlationID {
			r.rollbackLocked(i)
			return nil
		}
	}
	return fmt.Errorf("rollback %s: %w", correlationID, domain.ErrNotFound)
}

// rollbackLocked restores pending[idx] after first restoring every younger
// pending update on the same entity, newest first. Younger casualties are
// reported on Errors; the target itself is not, since whoever triggered the
// rollback already knows.
func (r *Reconciler) rollbackLocked(idx int) {
	target := r.pending[idx]
	for i := len(r.pending) - 1; i > idx; i-- {
		p := r.pending[i]
		if p.ref.ID != target.ref.ID {
			continue
		}
		r.state.restore(p.ref.ID, p.before, p.existed)
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		r.report(fmt.Errorf("optimistic update %s on %s rolled back with older %s",
			p.correlationID, p.ref.Key(), target.correlationID))
	}
	r.state.restore(target.ref.ID, target.before, target.existed)
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
}

// expire rolls back every pending update older than the confirmation
// timeout and reports it. Rescans after each rollback because a rollback can
// remove younger entries too.
func (r *Reconciler) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		cutoff := r.now().Add(-r.timeout)
		idx := -1
		for i, p := range r.pending {
			if !p.recordedAt.After(cutoff) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		p := r.pending[idx]
		r.report(fmt.Errorf("%w: %s on %s", ErrConfirmationTimeout, p.correlationID, p.ref.Key()))
		r.rollbackLocked(idx)
	}
}

// StartExpiry runs timeout enforcement on the given interval and returns a
// stop function.
func (r *Reconciler) StartExpiry(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				r.expire()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// clearOrphaned drops the whole ledger after a resync replaced the state the
// overlays were recorded against. Nothing is restored; the snapshot is
// already authoritative.
func (r *Reconciler) clearOrphaned() {
	r.mu.Lock()
	orphans := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, p := range orphans {
		r.report(fmt.Errorf("%w: %s on %s", ErrOrphaned, p.correlationID, p.ref.Key()))
	}
}

// Pending reports the number of unconfirmed optimistic updates.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) report(err error) {
	select {
	case r.errs <- err:
	default:
		slog.Debug("reconciler notification dropped, channel full", "error", err)
	}
}
