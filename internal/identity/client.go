package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client consumes the identity directory over HTTP.
//
// Endpoints:
//
//	GET  /v1/credentials/{fingerprint}  -> 200 CredentialRecord | 404
//	POST /v1/credentials/{id}/touch     -> 204
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a directory client. timeout bounds every call; this sits
// on the critical path only on credential cache misses.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Validate implements Directory.
func (c *Client) Validate(ctx context.Context, fingerprint string) (*CredentialRecord, error) {
	u := c.baseURL + "/v1/credentials/" + url.PathEscape(fingerprint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity directory call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var record CredentialRecord
		if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
			return nil, fmt.Errorf("decode credential record: %w", err)
		}
		return &record, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("identity directory returned status %d", resp.StatusCode)
	}
}

// TouchLastUsed implements Directory.
func (c *Client) TouchLastUsed(ctx context.Context, credentialID string) error {
	u := c.baseURL + "/v1/credentials/" + url.PathEscape(credentialID) + "/touch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("build touch request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity directory touch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("identity directory touch returned status %d", resp.StatusCode)
	}
	return nil
}
