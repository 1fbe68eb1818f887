package handler

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	respondJSON(w, 201, map[string]string{"key": "value"})

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, 201, w.Code)

	var got map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "value", got["key"])
}

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	respondError(w, 404, "not found")

	assert.Equal(t, 404, w.Code)
	var got map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "not found", got["error"])
}

func TestDecodeJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"x"}`))
	var v struct{ Name string }
	require.NoError(t, decodeJSON(httptest.NewRecorder(), r, &v))
	assert.Equal(t, "x", v.Name)

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{`))
	assert.Error(t, decodeJSON(httptest.NewRecorder(), r, &v))
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"?limit=10", 10, false},
		{"?limit=0", 0, true},
		{"?limit=-1", 0, true},
		{"?limit=ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := parseLimit(httptest.NewRequest("GET", "/api/runs"+tt.query, nil))
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidLimit)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
