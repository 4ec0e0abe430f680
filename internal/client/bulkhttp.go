package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Strob0t/ForgeSync/internal/port/bulk"
	"github.com/Strob0t/ForgeSync/internal/resilience"
)

// BulkClient fetches summary snapshots from the engine's HTTP bulk endpoint.
// It implements bulk.Source for consumers running outside the server
// process.
type BulkClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewBulkClient creates a client for the engine at baseURL.
func NewBulkClient(baseURL string) *BulkClient {
	return &BulkClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetBreaker installs a circuit breaker around snapshot fetches. Without
// one, fetches go straight through.
func (c *BulkClient) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Snapshot implements bulk.Source against GET /api/summaries.
func (c *BulkClient) Snapshot(ctx context.Context, scope bulk.Scope) (*bulk.Snapshot, error) {
	if c.breaker == nil {
		return c.fetch(ctx, scope)
	}
	var snap *bulk.Snapshot
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var ferr error
		snap, ferr = c.fetch(ctx, scope)
		return ferr
	})
	return snap, err
}

func (c *BulkClient) fetch(ctx context.Context, scope bulk.Scope) (*bulk.Snapshot, error) {
	u, err := url.Parse(c.baseURL + "/api/summaries")
	if err != nil {
		return nil, fmt.Errorf("parse bulk url: %w", err)
	}
	q := u.Query()
	if len(scope.ProjectIDs) > 0 {
		q.Set("project_ids", strings.Join(scope.ProjectIDs, ","))
	}
	if scope.UserID != "" {
		q.Set("user_id", scope.UserID)
	}
	if scope.IncludeArchived {
		q.Set("include_archived", "true")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create bulk request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bulk snapshot: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bulk response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bulk endpoint returned %d: %s", resp.StatusCode, string(data))
	}
	var snap bulk.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode bulk snapshot: %w", err)
	}
	return &snap, nil
}
