// Package envelope defines the wire format the engine broadcasts to
// connected clients, and the cascade-merge rules batches rely on.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ForgeSync/internal/domain/change"
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
)

// Version is the wire format version stamped on every envelope.
const Version = "2.0"

// Type identifies the envelope kind.
type Type string

const (
	// TypeUpdate carries one change or one merged batch of changes.
	TypeUpdate Type = "update"
	// TypeBulk carries a full summary snapshot (resync over the socket).
	TypeBulk Type = "bulk"
	// TypeSync directs the client to discard delta state and resynchronize.
	TypeSync Type = "sync"
	// TypeHeartbeat is a periodic liveness signal.
	TypeHeartbeat Type = "heartbeat"
)

// Source classifies what produced an envelope.
type Source string

const (
	SourceInteractive Source = "interactive"
	SourceAutomated   Source = "automated"
	SourceSystem      Source = "system"
)

// Payload carries the change data of one envelope.
type Payload struct {
	Entity workitem.Type `json:"entity,omitempty"`
	Action change.Action `json:"action,omitempty"`
	Data   Data          `json:"data"`
}

// Data holds the primitive changes and their cascade side effects side by
// side. The hierarchy depth is bounded, so a flat struct suffices; nothing
// here is recursive.
type Data struct {
	// Primary is a single change.Change object for interactive envelopes or
	// an ordered array of them for merged batches (arrival order preserved).
	Primary json.RawMessage `json:"primary,omitempty"`
	Cascade *CascadeSet     `json:"cascade,omitempty"`
}

// Metadata carries provenance for an envelope.
type Metadata struct {
	Source        Source `json:"source"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Envelope is the unit of transmission between server and clients.
type Envelope struct {
	ID        string   `json:"id"`
	Version   string   `json:"version"`
	Type      Type     `json:"type"`
	Timestamp int64    `json:"timestamp"` // epoch millis
	Sequence  int64    `json:"sequence"`
	Payload   Payload  `json:"payload"`
	Metadata  Metadata `json:"metadata"`
}

// NewUpdate builds a single-event update envelope. The cascade may be nil
// when computation failed; delivery proceeds with the primary alone.
func NewUpdate(ev *change.Event, cascade *CascadeSet) (*Envelope, error) {
	primary, err := json.Marshal(ev.Change)
	if err != nil {
		return nil, fmt.Errorf("marshal primary: %w", err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Version:   Version,
		Type:      TypeUpdate,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  ev.Sequence,
		Payload: Payload{
			Entity: ev.Entity,
			Action: ev.Action,
			Data:   Data{Primary: primary, Cascade: cascade},
		},
		Metadata: Metadata{
			Source:        Source(ev.Origin),
			UserID:        ev.UserID,
			SessionID:     ev.SessionID,
			CorrelationID: ev.CorrelationID,
		},
	}, nil
}

// NewBatch builds one merged envelope from automated events in arrival
// order. Primary keeps every constituent change for audit; Sequence is the
// highest primary sequence; the cascade has already been merged
// highest-sequence-wins by the aggregator.
func NewBatch(events []change.Event, cascade *CascadeSet) (*Envelope, error) {
	changes := make([]change.Change, len(events))
	var maxSeq int64
	for i, ev := range events {
		changes[i] = ev.Change
		if ev.Sequence > maxSeq {
			maxSeq = ev.Sequence
		}
	}
	primary, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("marshal primary batch: %w", err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Version:   Version,
		Type:      TypeUpdate,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  maxSeq,
		Payload: Payload{
			Entity: workitem.TypeMultiple,
			Action: change.ActionUpdate,
			Data:   Data{Primary: primary, Cascade: cascade},
		},
		Metadata: Metadata{Source: SourceAutomated},
	}, nil
}

// NewHeartbeat builds the periodic liveness envelope.
func NewHeartbeat() *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Version:   Version,
		Type:      TypeHeartbeat,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  Metadata{Source: SourceSystem},
	}
}

// NewSync builds the resync directive sent when the server can no longer
// guarantee a connection's delta stream (e.g. before a forced close).
func NewSync(reason string) *Envelope {
	primary, _ := json.Marshal(map[string]string{"reason": reason})
	return &Envelope{
		ID:        uuid.NewString(),
		Version:   Version,
		Type:      TypeSync,
		Timestamp: time.Now().UnixMilli(),
		Payload:   Payload{Data: Data{Primary: primary}},
		Metadata:  Metadata{Source: SourceSystem},
	}
}

// Changes decodes the primary payload into its constituent changes,
// accepting both the single-object and array encodings. Heartbeat and sync
// envelopes yield an empty slice.
func (e *Envelope) Changes() ([]change.Change, error) {
	if e.Type != TypeUpdate || len(e.Payload.Data.Primary) == 0 {
		return nil, nil
	}
	raw := e.Payload.Data.Primary
	if raw[0] == '[' {
		var batch []change.Change
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("decode primary batch: %w", err)
		}
		return batch, nil
	}
	var single change.Change
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decode primary: %w", err)
	}
	return []change.Change{single}, nil
}

// AffectedIDs returns the entity ids an envelope touches, primary changes
// and cascade summaries combined. The hub intersects this with each
// connection's subscription set.
func (e *Envelope) AffectedIDs() []string {
	var ids []string
	if changes, err := e.Changes(); err == nil {
		for _, c := range changes {
			ids = append(ids, c.EntityID)
		}
	}
	if e.Payload.Data.Cascade != nil {
		ids = append(ids, e.Payload.Data.Cascade.IDs()...)
	}
	return ids
}
