package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{pattern: "", want: "unmatched"},
		{pattern: "/health", want: "/health"},
		{pattern: "/functions/{id}", want: "/functions/:id"},
		{pattern: "/functions/{id}/invoke", want: "/functions/:id/invoke"},
		{pattern: "/functions/{id:[a-z0-9-]+}/stats", want: "/functions/:id/stats"},
		{pattern: "/a/{x}/b/{y}", want: "/a/:x/b/:y"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizePath(tt.pattern))
		})
	}
}

func TestNormalizePath_Truncates(t *testing.T) {
	long := "/"
	for len(long) < 150 {
		long += "segment/"
	}
	require.Len(t, NormalizePath(long), 100)
}

func TestHandler_ExposesRecordedMetrics(t *testing.T) {
	RecordHTTPRequest(http.MethodPost, "/functions/:id/invoke", http.StatusOK, 5*time.Millisecond, 42)
	RecordInvocation("wasm", "success", time.Millisecond, 1.5)
	RecordCacheEvent(CacheMiss)
	SetCacheSize(3)
	SetRecorderQueueDepth(2)
	UpdateDBStats(1, 0, 1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	require.Contains(t, text, `forge_http_requests_total{method="POST",path="/functions/:id/invoke",status="200"}`)
	require.Contains(t, text, `forge_function_invocations_total{outcome="success",runtime="wasm"}`)
	require.Contains(t, text, `forge_module_cache_events_total{event="miss"}`)
	require.Contains(t, text, "forge_module_cache_size 3")
	require.Contains(t, text, "forge_recorder_queue_depth 2")
	require.Contains(t, text, "forge_db_connections_open 1")
}
