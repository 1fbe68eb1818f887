package testutil

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"testing"

	"scriptcage/internal/cage/fetch"
	"scriptcage/internal/migration"
	"scriptcage/internal/store"

	_ "modernc.org/sqlite"
)

// SetupTestDB creates an in-memory SQLite database with all tables and returns a Store.
func SetupTestDB(t *testing.T) *store.Store {
	t.Helper()
	_, s := SetupTestDBWithConn(t)
	return s
}

// SetupTestDBWithConn creates an in-memory SQLite database and returns both the raw *sql.DB and Store.
func SetupTestDBWithConn(t *testing.T) (*sql.DB, *store.Store) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	// Every pooled connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := migration.Run(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db, store.New(db)
}

// StaticHook answers every request with the same JSON body and records what
// it was asked.
type StaticHook struct {
	Status int
	Body   string

	mu       sync.Mutex
	requests []fetch.Request
}

func (h *StaticHook) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	h.mu.Lock()
	h.requests = append(h.requests, *req)
	h.mu.Unlock()

	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &fetch.Response{
		Status:      status,
		URL:         req.URL,
		HeadersData: map[string]string{"content-type": "application/json"},
		BodyBytes:   []byte(h.Body),
	}, nil
}

// Requests returns a copy of the recorded requests.
func (h *StaticHook) Requests() []fetch.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]fetch.Request(nil), h.requests...)
}
