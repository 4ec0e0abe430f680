// Package workitem defines the work-item entity model for the containment
// hierarchy (project → branch → task → subtask) the sync engine operates on.
package workitem

import (
	"maps"
	"time"
)

// Type identifies a level of the containment hierarchy.
type Type string

const (
	TypeProject Type = "project"
	TypeBranch  Type = "branch"
	TypeTask    Type = "task"
	TypeSubtask Type = "subtask"

	// TypeMultiple tags merged batch envelopes that span entity types.
	// It never names a stored entity.
	TypeMultiple Type = "multiple"
)

// Valid reports whether t names a concrete hierarchy level.
func (t Type) Valid() bool {
	switch t {
	case TypeProject, TypeBranch, TypeTask, TypeSubtask:
		return true
	}
	return false
}

// Ref identifies one entity in the hierarchy.
type Ref struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Key returns the tracking key "type/id" used wherever per-entity state is
// kept (sequence validation, cascade dedup).
func (r Ref) Key() string {
	return string(r.Type) + "/" + r.ID
}

// Summary is the precomputed aggregate view of one entity: child counts,
// progress, priority mix and last activity. Summaries are produced by the
// upstream aggregate layer; the engine carries and merges them but never
// recomputes their fields.
type Summary struct {
	EntityID     string         `json:"entity_id"`
	EntityType   Type           `json:"entity_type"`
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status,omitempty"`
	Progress     float64        `json:"progress"`
	ByPriority   map[string]int `json:"by_priority,omitempty"`
	LastActivity time.Time      `json:"last_activity"`

	// Sequence is the upstream per-entity sequence last folded into this
	// aggregate. Cascade merges keep the highest-sequence summary per id,
	// and bulk snapshots carry it so clients resume with a baseline.
	Sequence int64 `json:"sequence"`
}

// Clone returns a deep copy safe to hold across later merges.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	c := *s
	c.ByStatus = maps.Clone(s.ByStatus)
	c.ByPriority = maps.Clone(s.ByPriority)
	return &c
}
