package http

import (
	"net/http"
	"strings"

	"github.com/Strob0t/ForgeSync/internal/domain/change"
	"github.com/Strob0t/ForgeSync/internal/port/bulk"
	"github.com/Strob0t/ForgeSync/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Updates   *service.UpdateRouter
	Snapshots *service.SnapshotService
}

type submitResponse struct {
	Status   string `json:"status"`
	Entity   string `json:"entity"`
	Sequence int64  `json:"sequence"`
}

// SubmitChange handles POST /api/changes. Accepted changes are routed
// asynchronously; 202 means the change entered the pipeline, not that it
// has been broadcast.
func (h *Handlers) SubmitChange(w http.ResponseWriter, r *http.Request) {
	ev, ok := readJSON[change.Event](w, r)
	if !ok {
		return
	}

	if err := h.Updates.Handle(r.Context(), ev); err != nil {
		writeDomainError(w, err, "change rejected")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:   "accepted",
		Entity:   ev.Key(),
		Sequence: ev.Sequence,
	})
}

// GetSummaries handles GET /api/summaries. It serves the full snapshot for
// the requested scope, which resyncing clients use to rebuild local state.
func (h *Handlers) GetSummaries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	scope := bulk.Scope{
		UserID:          q.Get("user_id"),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if ids := q.Get("project_ids"); ids != "" {
		scope.ProjectIDs = strings.Split(ids, ",")
	}

	data, err := h.Snapshots.Fetch(r.Context(), scope)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
