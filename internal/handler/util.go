package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// maxBodyBytes bounds request bodies. Scripts travel with their response
// fixtures, so this is generous.
const maxBodyBytes = 16 << 20

var errInvalidLimit = errors.New("limit must be a positive integer")

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// parseLimit reads the limit query parameter; 0 means unset.
func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	return n, nil
}
