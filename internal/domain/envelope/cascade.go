package envelope

import (
	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
)

// CascadeSet groups recalculated ancestor summaries by hierarchy level.
// Buckets are keyed by entity id; a summary appears at most once per set.
type CascadeSet struct {
	Projects map[string]workitem.Summary `json:"projects,omitempty"`
	Branches map[string]workitem.Summary `json:"branches,omitempty"`
	Tasks    map[string]workitem.Summary `json:"tasks,omitempty"`
	Subtasks map[string]workitem.Summary `json:"subtasks,omitempty"`
}

// NewCascadeSet returns an empty set ready for Put.
func NewCascadeSet() *CascadeSet {
	return &CascadeSet{
		Projects: make(map[string]workitem.Summary),
		Branches: make(map[string]workitem.Summary),
		Tasks:    make(map[string]workitem.Summary),
		Subtasks: make(map[string]workitem.Summary),
	}
}

func (cs *CascadeSet) bucket(t workitem.Type) map[string]workitem.Summary {
	switch t {
	case workitem.TypeProject:
		if cs.Projects == nil {
			cs.Projects = make(map[string]workitem.Summary)
		}
		return cs.Projects
	case workitem.TypeBranch:
		if cs.Branches == nil {
			cs.Branches = make(map[string]workitem.Summary)
		}
		return cs.Branches
	case workitem.TypeTask:
		if cs.Tasks == nil {
			cs.Tasks = make(map[string]workitem.Summary)
		}
		return cs.Tasks
	case workitem.TypeSubtask:
		if cs.Subtasks == nil {
			cs.Subtasks = make(map[string]workitem.Summary)
		}
		return cs.Subtasks
	default:
		return nil
	}
}

// Put records a summary, keeping the highest-sequence version when the
// entity is already present. Equal sequences favor the later arrival so a
// recomputed summary replaces its stale twin.
func (cs *CascadeSet) Put(s workitem.Summary) {
	b := cs.bucket(s.EntityType)
	if b == nil {
		return
	}
	if prev, ok := b[s.EntityID]; ok && prev.Sequence > s.Sequence {
		return
	}
	b[s.EntityID] = s
}

// Merge folds other into cs under the same highest-sequence-wins rule.
// A nil other is a no-op.
func (cs *CascadeSet) Merge(other *CascadeSet) {
	if other == nil {
		return
	}
	for _, b := range []map[string]workitem.Summary{
		other.Projects, other.Branches, other.Tasks, other.Subtasks,
	} {
		for _, s := range b {
			cs.Put(s)
		}
	}
}

// Size reports the number of summaries across all buckets.
func (cs *CascadeSet) Size() int {
	if cs == nil {
		return 0
	}
	return len(cs.Projects) + len(cs.Branches) + len(cs.Tasks) + len(cs.Subtasks)
}

// Empty reports whether the set carries no summaries.
func (cs *CascadeSet) Empty() bool {
	return cs.Size() == 0
}

// IDs returns every entity id present in the set, in no particular order.
func (cs *CascadeSet) IDs() []string {
	if cs == nil {
		return nil
	}
	ids := make([]string, 0, cs.Size())
	for _, b := range []map[string]workitem.Summary{
		cs.Projects, cs.Branches, cs.Tasks, cs.Subtasks,
	} {
		for id := range b {
			ids = append(ids, id)
		}
	}
	return ids
}

// Summaries returns every summary in the set, in no particular order.
func (cs *CascadeSet) Summaries() []workitem.Summary {
	if cs == nil {
		return nil
	}
	out := make([]workitem.Summary, 0, cs.Size())
	for _, b := range []map[string]workitem.Summary{
		cs.Projects, cs.Branches, cs.Tasks, cs.Subtasks,
	} {
		for _, s := range b {
			out = append(out, s)
		}
	}
	return out
}
