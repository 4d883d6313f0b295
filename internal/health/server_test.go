package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return context.DeadlineExceeded }

	tests := []struct {
		name       string
		checker    Checker
		wantCode   int
		wantDB     string
		wantSource string
	}{
		{
			name:       "all_ok",
			checker:    Checker{DBPing: ok, SourcePing: ok},
			wantCode:   http.StatusOK,
			wantDB:     "ok",
			wantSource: "ok",
		},
		{
			name:       "db_fail",
			checker:    Checker{DBPing: fail, SourcePing: ok},
			wantCode:   http.StatusServiceUnavailable,
			wantDB:     "fail",
			wantSource: "ok",
		},
		{
			name:       "source_fail",
			checker:    Checker{DBPing: ok, SourcePing: fail},
			wantCode:   http.StatusServiceUnavailable,
			wantDB:     "ok",
			wantSource: "fail",
		},
		{
			name:     "no_checkers",
			checker:  Checker{},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/healthz", nil)
			w := httptest.NewRecorder()

			Handler(tt.checker).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)

			var resp map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), "decode response")
			assert.Equal(t, "ok", resp["status"])
			if tt.wantDB != "" {
				assert.Equal(t, tt.wantDB, resp["db"])
			}
			if tt.wantSource != "" {
				assert.Equal(t, tt.wantSource, resp["source"])
			}
		})
	}
}

func TestHealthReportsQueueDepths(t *testing.T) {
	checker := Checker{Depths: func() map[string]int {
		return map[string]int{"traces": 42, "blocks": 0}
	}}
	w := httptest.NewRecorder()
	Handler(checker).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), "decode response")
	assert.Equal(t, "42", resp["queue_traces"])
	assert.Equal(t, "0", resp["queue_blocks"])
	assert.Equal(t, http.StatusOK, w.Code)
}
