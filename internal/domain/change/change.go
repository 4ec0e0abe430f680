// Package change defines the change events that enter the sync engine from
// the upstream mutation path.
package change

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/ForgeSync/internal/domain"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
)

// Action identifies the kind of primitive mutation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a names a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Origin classifies who produced a change.
type Origin string

const (
	// OriginInteractive marks direct user actions; they broadcast immediately.
	OriginInteractive Origin = "interactive"
	// OriginAutomated marks agent-driven mutations; they are batched over a
	// short window before broadcast.
	OriginAutomated Origin = "automated"
)

// Valid reports whether o names a known origin.
func (o Origin) Valid() bool {
	return o == OriginInteractive || o == OriginAutomated
}

// Change is the wire unit carried in an envelope's primary payload: one
// primitive mutation of one entity. Payload is the upstream-produced record
// state and is opaque to the engine.
type Change struct {
	Entity   workitem.Type   `json:"entity"`
	EntityID string          `json:"entity_id"`
	Action   Action          `json:"action"`
	Sequence int64           `json:"sequence"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Ref returns the work-item reference the change targets.
func (c Change) Ref() workitem.Ref {
	return workitem.Ref{Type: c.Entity, ID: c.EntityID}
}

// Key returns the per-entity tracking key "type/id".
func (c Change) Key() string {
	return c.Ref().Key()
}

// Event is one inbound change submission. Sequence is assigned per entity by
// the upstream mutation path at durable-apply time; the engine trusts it as a
// total order for that entity and never assigns sequences itself.
type Event struct {
	Change
	Origin        Origin `json:"origin"`
	Timestamp     int64  `json:"timestamp"` // epoch millis
	CorrelationID string `json:"correlation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

// Validate checks the fields the engine relies on to route and merge.
func (e *Event) Validate() error {
	if !e.Entity.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", domain.ErrValidation, e.Entity)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", domain.ErrValidation)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", domain.ErrValidation, e.Action)
	}
	if !e.Origin.Valid() {
		return fmt.Errorf("%w: unknown origin %q", domain.ErrValidation, e.Origin)
	}
	if e.Sequence <= 0 {
		return fmt.Errorf("%w: sequence must be positive", domain.ErrValidation)
	}
	return nil
}
