package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS budgets (
	org_id   TEXT PRIMARY KEY,
	ceiling  INTEGER NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS models (
	name            TEXT PRIMARY KEY,
	backend_url     TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	input_per_ktok  REAL NOT NULL DEFAULT 0,
	output_per_ktok REAL NOT NULL DEFAULT 0,
	max_tokens      INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore is the embedded state store.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenSQLite opens (and migrates) the embedded store at dsn.
func OpenSQLite(dsn string, timeout time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	return &SQLiteStore{db: db, timeout: timeout}, nil
}

// GetBudget implements Store.
func (s *SQLiteStore) GetBudget(ctx context.Context, orgID string) (*BudgetState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var b BudgetState
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, ceiling, consumed FROM budgets WHERE org_id = ?`, orgID).
		Scan(&b.OrgID, &b.Ceiling, &b.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query budget: %w", err)
	}
	return &b, nil
}

// GetModel implements Store.
func (s *SQLiteStore) GetModel(ctx context.Context, name string) (*ModelEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var m ModelEntry
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, backend_url, enabled, input_per_ktok, output_per_ktok, max_tokens
		 FROM models WHERE name = ?`, name).
		Scan(&m.Name, &m.BackendURL, &enabled, &m.InputPerKTok, &m.OutputPerKTok, &m.MaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	m.Enabled = enabled != 0
	return &m, nil
}

// ListModels implements Store.
func (s *SQLiteStore) ListModels(ctx context.Context) ([]ModelEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, backend_url, enabled, input_per_ktok, output_per_ktok, max_tokens FROM models`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var models []ModelEntry
	for rows.Next() {
		var m ModelEntry
		var enabled int
		if err := rows.Scan(&m.Name, &m.BackendURL, &enabled, &m.InputPerKTok, &m.OutputPerKTok, &m.MaxTokens); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Enabled = enabled != 0
		models = append(models, m)
	}
	return models, rows.Err()
}

// SeedBudget inserts or replaces a budget row. Administrative surface used by
// deploy tooling and tests, never by the request pipeline.
func (s *SQLiteStore) SeedBudget(ctx context.Context, b BudgetState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (org_id, ceiling, consumed) VALUES (?, ?, ?)
		 ON CONFLICT(org_id) DO UPDATE SET ceiling = excluded.ceiling, consumed = excluded.consumed`,
		b.OrgID, b.Ceiling, b.Consumed)
	return err
}

// SeedModel inserts or replaces a model row. Administrative surface.
func (s *SQLiteStore) SeedModel(ctx context.Context, m ModelEntry) error {
	enabled := 0
	if m.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (name, backend_url, enabled, input_per_ktok, output_per_ktok, max_tokens)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   backend_url = excluded.backend_url, enabled = excluded.enabled,
		   input_per_ktok = excluded.input_per_ktok, output_per_ktok = excluded.output_per_ktok,
		   max_tokens = excluded.max_tokens`,
		m.Name, m.BackendURL, enabled, m.InputPerKTok, m.OutputPerKTok, m.MaxTokens)
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
