package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore consumes a remote state store.
//
// Endpoints:
//
//	GET /v1/budgets/{org_id} -> 200 BudgetState | 404
//	GET /v1/models/{name}    -> 200 ModelEntry  | 404
//	GET /v1/models           -> 200 []ModelEntry
type HTTPStore struct {
	baseURL string
	http    *http.Client
}

// NewHTTPStore creates a remote store client.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) get(ctx context.Context, path string, notFound error, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build state store request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("state store call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode state store response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		if notFound != nil {
			return notFound
		}
		return fmt.Errorf("state store returned 404 for %s", path)
	default:
		return fmt.Errorf("state store returned status %d", resp.StatusCode)
	}
}

// GetBudget implements Store.
func (s *HTTPStore) GetBudget(ctx context.Context, orgID string) (*BudgetState, error) {
	var b BudgetState
	if err := s.get(ctx, "/v1/budgets/"+url.PathEscape(orgID), ErrBudgetNotFound, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetModel implements Store.
func (s *HTTPStore) GetModel(ctx context.Context, name string) (*ModelEntry, error) {
	var m ModelEntry
	if err := s.get(ctx, "/v1/models/"+url.PathEscape(name), ErrModelNotFound, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListModels implements Store.
func (s *HTTPStore) ListModels(ctx context.Context) ([]ModelEntry, error) {
	var models []ModelEntry
	if err := s.get(ctx, "/v1/models", nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// Close implements Store.
func (s *HTTPStore) Close() error { return nil }
