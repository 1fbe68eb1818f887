package migration

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Run executes all database migrations
func Run(db *sql.DB) error {
	if err := createTables(db); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	// Incremental migrations (idempotent)
	migrateWorkspaces(db)
	migrateCollectionRuns(db)
	migrateConsole(db)

	return nil
}

func createTables(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS script_runs (
    id TEXT PRIMARY KEY,
    workspace_id INTEGER NOT NULL DEFAULT 1,
    kind TEXT NOT NULL DEFAULT 'test',
    script TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    tests TEXT NOT NULL DEFAULT '[]',
    env_diff TEXT NOT NULL DEFAULT '{}',
    error_kind TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    error_line INTEGER NOT NULL DEFAULT 0,
    requests INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_script_runs_workspace ON script_runs(workspace_id, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

func migrateWorkspaces(db *sql.DB) {
	db.Exec(`CREATE TABLE IF NOT EXISTS workspaces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if _, err := db.Exec(`INSERT OR IGNORE INTO workspaces (id, name) VALUES (1, 'Default')`); err != nil {
		log.Warn().Err(err).Msg("default workspace")
	}
}

func migrateCollectionRuns(db *sql.DB) {
	stmts := []string{
		"ALTER TABLE script_runs ADD COLUMN collection_run_id TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE script_runs ADD COLUMN position INTEGER NOT NULL DEFAULT 0",
	}
	for _, s := range stmts {
		db.Exec(s) // Ignore "duplicate column" errors
	}
	db.Exec("CREATE INDEX IF NOT EXISTS idx_script_runs_collection ON script_runs(collection_run_id, position)")
}

func migrateConsole(db *sql.DB) {
	db.Exec("ALTER TABLE script_runs ADD COLUMN console TEXT NOT NULL DEFAULT '[]'")
}
