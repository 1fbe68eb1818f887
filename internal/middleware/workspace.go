package middleware

import (
	"context"
	"net/http"
	"strconv"
)

type contextKey string

const workspaceKey contextKey = "workspaceID"

// WorkspaceHeader selects the workspace runs are stored under. Browsers
// cannot set headers on websocket upgrades, so the workspace query parameter
// is accepted as well.
const (
	WorkspaceHeader = "X-Workspace-ID"
	WorkspaceQuery  = "workspace"
)

// DefaultWorkspaceID is used when the request names no valid workspace.
const DefaultWorkspaceID int64 = 1

func WorkspaceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsID := parseWorkspace(r.Header.Get(WorkspaceHeader))
		if wsID == 0 {
			wsID = parseWorkspace(r.URL.Query().Get(WorkspaceQuery))
		}
		if wsID == 0 {
			wsID = DefaultWorkspaceID
		}
		ctx := context.WithValue(r.Context(), workspaceKey, wsID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parseWorkspace(s string) int64 {
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func GetWorkspaceID(ctx context.Context) int64 {
	if id, ok := ctx.Value(workspaceKey).(int64); ok {
		return id
	}
	return DefaultWorkspaceID
}
