// Package ledger defines the state-store contract: organization budgets and
// the model registry.
//
// DESIGN: The pipeline consumes this through the narrow Store interface and
// only ever reads. Writes (budget resets, model registration) belong to
// external administrative surfaces. Two implementations are provided: an
// embedded SQLite store for single-node deploys and an HTTP client for a
// remote store.
package ledger

import (
	"context"
	"errors"
)

// ErrBudgetNotFound is returned when an organization has no budget row.
var ErrBudgetNotFound = errors.New("budget not found")

// ErrModelNotFound is returned when a model name is not registered.
var ErrModelNotFound = errors.New("model not registered")

// BudgetState is the last known view of an organization's monthly budget.
// Consumed may lag actual spend by up to the budget cache TTL; the admission
// check is advisory, not a reservation.
type BudgetState struct {
	OrgID    string `json:"org_id"`
	Ceiling  int64  `json:"ceiling"`
	Consumed int64  `json:"consumed"`
}

// Remaining returns the tokens left before the ceiling. Can be negative
// after an accepted overshoot.
func (b BudgetState) Remaining() int64 {
	return b.Ceiling - b.Consumed
}

// Exhausted reports whether new requests should be denied.
func (b BudgetState) Exhausted() bool {
	return b.Consumed >= b.Ceiling
}

// ModelEntry is one row of the model registry.
type ModelEntry struct {
	Name          string  `json:"name"`
	BackendURL    string  `json:"backend_url"`
	Enabled       bool    `json:"enabled"`
	InputPerKTok  float64 `json:"input_per_ktok"`
	OutputPerKTok float64 `json:"output_per_ktok"`
	MaxTokens     int     `json:"max_tokens"`
}

// Cost computes the billable USD amount for a token count pair using the
// entry's per-1000-token rates.
func (m ModelEntry) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*m.InputPerKTok +
		float64(outputTokens)/1000*m.OutputPerKTok
}

// Store is the read contract the pipeline holds against the state store.
type Store interface {
	GetBudget(ctx context.Context, orgID string) (*BudgetState, error)
	GetModel(ctx context.Context, name string) (*ModelEntry, error)
	ListModels(ctx context.Context) ([]ModelEntry, error)
	Close() error
}
