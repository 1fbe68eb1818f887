// Package store persists script run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scriptcage/internal/cage"
	"scriptcage/internal/env"
	"scriptcage/internal/testrun"
)

// ErrNotFound is returned when no run matches the id in the workspace.
var ErrNotFound = errors.New("run not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	// Fixed width so created_at sorts lexically.
	timeLayout = "2006-01-02 15:04:05.000000000"
)

// Run is one persisted script run. Outcome is "completed" or the fault kind.
type Run struct {
	ID              string                `json:"id"`
	WorkspaceID     int64                 `json:"workspaceId"`
	CollectionRunID string                `json:"collectionRunId,omitempty"`
	Position        int                   `json:"position"`
	Kind            string                `json:"kind"`
	Script          string                `json:"script"`
	Outcome         string                `json:"outcome"`
	Tests           []*testrun.Descriptor `json:"tests"`
	EnvDiff         env.Diff              `json:"envDiff"`
	Console         []cage.ConsoleEntry   `json:"console"`
	ErrorKind       string                `json:"errorKind,omitempty"`
	ErrorMessage    string                `json:"errorMessage,omitempty"`
	ErrorLine       int                   `json:"errorLine,omitempty"`
	Requests        int                   `json:"requests"`
	DurationMs      int64                 `json:"durationMs"`
	CreatedAt       time.Time             `json:"createdAt"`
}

// ListParams filters ListRuns. Zero Limit means DefaultListLimit.
type ListParams struct {
	WorkspaceID     int64
	CollectionRunID string
	Limit           int
}

// Store wraps the run table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const saveRun = `
INSERT INTO script_runs (
    id, workspace_id, collection_run_id, position, kind, script, outcome,
    tests, env_diff, console, error_kind, error_message, error_line,
    requests, duration_ms, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveRun inserts r, assigning ID and CreatedAt when they are empty.
func (s *Store) SaveRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if r.WorkspaceID == 0 {
		r.WorkspaceID = 1
	}

	tests, err := marshal(r.Tests, "[]")
	if err != nil {
		return fmt.Errorf("encode tests: %w", err)
	}
	diff, err := json.Marshal(r.EnvDiff)
	if err != nil {
		return fmt.Errorf("encode env diff: %w", err)
	}
	console, err := marshal(r.Console, "[]")
	if err != nil {
		return fmt.Errorf("encode console: %w", err)
	}

	_, err = s.db.ExecContext(ctx, saveRun,
		r.ID, r.WorkspaceID, r.CollectionRunID, r.Position, r.Kind, r.Script, r.Outcome,
		tests, string(diff), console, r.ErrorKind, r.ErrorMessage, r.ErrorLine,
		r.Requests, r.DurationMs, r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, workspace_id, collection_run_id, position, kind, script, outcome,
    tests, env_diff, console, error_kind, error_message, error_line,
    requests, duration_ms, created_at`

// GetRun loads one run of the workspace.
func (s *Store) GetRun(ctx context.Context, workspaceID int64, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM script_runs WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRuns returns the workspace's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, p ListParams) ([]*Run, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	query := `SELECT ` + runColumns + ` FROM script_runs WHERE workspace_id = ?`
	args := []any{p.WorkspaceID}
	if p.CollectionRunID != "" {
		query += ` AND collection_run_id = ?`
		args = append(args, p.CollectionRunID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes one run of the workspace.
func (s *Store) DeleteRun(ctx context.Context, workspaceID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM script_runs WHERE id = ? AND workspace_id = ?`, id, workspaceID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r                    Run
		tests, diff, console string
		created              string
	)
	err := sc.Scan(&r.ID, &r.WorkspaceID, &r.CollectionRunID, &r.Position, &r.Kind, &r.Script, &r.Outcome,
		&tests, &diff, &console, &r.ErrorKind, &r.ErrorMessage, &r.ErrorLine,
		&r.Requests, &r.DurationMs, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tests), &r.Tests); err != nil {
		return nil, fmt.Errorf("decode tests of run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(diff), &r.EnvDiff); err != nil {
		return nil, fmt.Errorf("decode env diff of run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(console), &r.Console); err != nil {
		return nil, fmt.Errorf("decode console of run %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("decode created_at of run %s: %w", r.ID, err)
	}
	return &r, nil
}

func marshal[T any](v []T, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}
