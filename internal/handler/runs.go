package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"scriptcage/internal/middleware"
	"scriptcage/internal/service"
	"scriptcage/internal/store"
)

type RunHandler struct {
	runner *service.ScriptRunner
	runs   *store.Store
}

func NewRunHandler(runner *service.ScriptRunner, runs *store.Store) *RunHandler {
	return &RunHandler{runner: runner, runs: runs}
}

// Create executes a script. Script faults are part of a successful response;
// only malformed requests and internal failures produce error statuses.
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.RunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.runner.Execute(r.Context(), middleware.GetWorkspaceID(r.Context()), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidKind) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), store.ListParams{
		WorkspaceID:     middleware.GetWorkspaceID(r.Context()),
		CollectionRunID: r.URL.Query().Get("collectionRunId"),
		Limit:           limit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), middleware.GetWorkspaceID(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *RunHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.runs.DeleteRun(r.Context(), middleware.GetWorkspaceID(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
