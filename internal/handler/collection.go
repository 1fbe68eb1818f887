package handler

import (
	"errors"
	"net/http"

	"scriptcage/internal/middleware"
	"scriptcage/internal/service"
)

type CollectionHandler struct {
	runner *service.CollectionRunner
}

func NewCollectionHandler(runner *service.CollectionRunner) *CollectionHandler {
	return &CollectionHandler{runner: runner}
}

func (h *CollectionHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req service.CollectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.runner.Run(r.Context(), middleware.GetWorkspaceID(r.Context()), req)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, result)
	case isValidationError(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		service.ErrNoItems,
		service.ErrTooManyItems,
		service.ErrInvalidMode,
		service.ErrInvalidKind,
		service.ErrInvalidExtract,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
