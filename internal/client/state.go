// Package client implements the subscriber side of the sync protocol: the
// delta-stream reducer, the optimistic-update reconciler, the resync
// controller and the websocket connection loop that ties them together.
package client

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/Strob0t/ForgeSync/internal/domain"
	"github.com/Strob0t/ForgeSync/internal/domain/change"
	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
	"github.com/Strob0t/ForgeSync/internal/port/bulk"
)

// Entry is the locally materialized view of one entity: record fields folded
// from primary changes, the latest cascade summary, and the highest sequence
// applied so far.
type Entry struct {
	Type     workitem.Type
	Fields   map[string]any
	Summary  *workitem.Summary
	Sequence int64
}

func (e *Entry) clone() *Entry {
	c := &Entry{
		Type:     e.Type,
		Fields:   make(map[string]any, len(e.Fields)),
		Summary:  e.Summary.Clone(),
		Sequence: e.Sequence,
	}
	maps.Copy(c.Fields, e.Fields)
	return c
}

// State is the client-side reduction of the delta stream, keyed by entity
// id. Apply is the only mutation path while the stream is healthy; Replace
// swaps the whole view after a bulk resync.
type State struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewState returns an empty state.
func NewState() *State {
	return &State{entries: make(map[string]*Entry)}
}

// Apply folds one envelope into the state. Primary changes at or below the
// entity's recorded sequence are skipped as stale replays. A jump past
// recorded+1 aborts with domain.ErrSequenceGap before anything is applied to
// that entity; the connection loop turns this into a resync. Cascade
// summaries overwrite the per-entity summary and raise the recorded sequence
// when theirs is higher.
func (s *State) Apply(env *envelope.Envelope) error {
	if env.Type != envelope.TypeUpdate {
		return nil
	}
	changes, err := env.Changes()
	if err != nil {
		return fmt.Errorf("apply envelope %s: %w", env.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range changes {
		e, ok := s.entries[ch.EntityID]
		var recorded int64
		if ok {
			recorded = e.Sequence
		}
		if recorded > 0 && ch.Sequence > recorded+1 {
			return fmt.Errorf("%w: %s jumped to %d, last applied %d",
				domain.ErrSequenceGap, ch.Key(), ch.Sequence, recorded)
		}
		if ok && ch.Sequence <= recorded {
			continue
		}
		if ch.Action == change.ActionDelete {
			delete(s.entries, ch.EntityID)
			continue
		}
		if !ok {
			e = &Entry{Type: ch.Entity, Fields: make(map[string]any)}
			s.entries[ch.EntityID] = e
		}
		if len(ch.Payload) > 0 {
			var fields map[string]any
			if err := json.Unmarshal(ch.Payload, &fields); err != nil {
				return fmt.Errorf("decode payload for %s: %w", ch.Key(), err)
			}
			maps.Copy(e.Fields, fields)
		}
		e.Sequence = ch.Sequence
	}

	for _, sum := range env.Payload.Data.Cascade.Summaries() {
		e, ok := s.entries[sum.EntityID]
		if !ok {
			e = &Entry{Type: sum.EntityType, Fields: make(map[string]any)}
			s.entries[sum.EntityID] = e
		}
		e.Summary = sum.Clone()
		if sum.Sequence > e.Sequence {
			e.Sequence = sum.Sequence
		}
	}
	return nil
}

// Replace discards the delta-built view and rebuilds it from a bulk
// snapshot. Each entry resumes at its summary's sequence baseline, so the
// next delta for that entity is validated against the snapshot, not against
// pre-resync history.
func (s *State) Replace(snap *bulk.Snapshot) {
	entries := make(map[string]*Entry, len(snap.Summaries))
	for _, sum := range snap.Summaries {
		entries[sum.EntityID] = &Entry{
			Type:     sum.EntityType,
			Fields:   make(map[string]any),
			Summary:  sum.Clone(),
			Sequence: sum.Sequence,
		}
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// Get returns a copy of the entry for id, safe for the caller to hold across
// later applies.
func (s *State) Get(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Entries returns a copy of every tracked entry keyed by entity id.
func (s *State) Entries() map[string]*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Entry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.clone()
	}
	return out
}

// Len reports the number of tracked entities.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// overlay merges fields into id's entry without touching its sequence, so a
// later server change with the same sequence still applies. It returns the
// pre-image the reconciler needs to undo the merge.
func (s *State) overlay(id string, t workitem.Type, fields map[string]any) (before *Entry, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if ok {
		before = e.clone()
	} else {
		e = &Entry{Type: t, Fields: make(map[string]any)}
		s.entries[id] = e
	}
	maps.Copy(e.Fields, fields)
	return before, ok
}

// restore puts back a pre-image captured by overlay. existed false removes
// the id entirely.
func (s *State) restore(id string, before *Entry, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !existed {
		delete(s.entries, id)
		return
	}
	s.entries[id] = before.clone()
}
