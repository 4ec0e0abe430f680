// Package bulk defines the port for full summary snapshots, the recovery
// path clients fall back to when the delta stream cannot be trusted.
package bulk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/Strob0t/ForgeSync/internal/domain/workitem"
)

// Scope narrows a snapshot request. Zero value means everything.
type Scope struct {
	ProjectIDs      []string `json:"project_ids,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	IncludeArchived bool     `json:"include_archived,omitempty"`
}

// CacheKey returns a deterministic key for the scope. Project IDs are
// sorted so equivalent scopes share one cache entry.
func (s Scope) CacheKey() string {
	ids := slices.Clone(s.ProjectIDs)
	slices.Sort(ids)
	// IDs and user names are free-form; hashing keeps the key inside the
	// restricted alphabets of shared cache backends.
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%t", strings.Join(ids, ","), s.UserID, s.IncludeArchived)))
	return "bulk." + hex.EncodeToString(sum[:8])
}

// Snapshot is a complete, internally consistent view of all summaries in
// scope at one point in time.
type Snapshot struct {
	Summaries   []workitem.Summary `json:"summaries"`
	GeneratedAt int64              `json:"generated_at"` // epoch millis
	CacheKey    string             `json:"cache_key,omitempty"`
}

// Source produces summary snapshots.
type Source interface {
	// Snapshot returns all summaries matching scope.
	Snapshot(ctx context.Context, scope Scope) (*Snapshot, error)
}
