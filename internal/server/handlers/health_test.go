package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/invocations"
)

func openDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := config.Default().Database
	cfg.Path = filepath.Join(t.TempDir(), "health.db")
	db, err := database.Open(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func getHealth(t *testing.T, h *HealthHandlers) (int, HealthResponse) {
	t.Helper()

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHealth_Healthy(t *testing.T) {
	h := NewHealthHandlers(openDB(t), nil, nil, nil, "v1")

	code, resp := getHealth(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, HealthStatusHealthy, resp.Status)
	require.Equal(t, "v1", resp.Version)
	require.Equal(t, "disabled", resp.Components["engine"].Message)
	require.NotContains(t, resp.Components, "recorder")
}

func TestHealth_DatabaseDown(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.Close())
	h := NewHealthHandlers(db, nil, nil, nil, "v1")

	code, resp := getHealth(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, HealthStatusUnhealthy, resp.Status)
	require.Equal(t, HealthStatusUnhealthy, resp.Components["database"].Status)

	w := httptest.NewRecorder()
	h.Readiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth_RecorderBacklogDegrades(t *testing.T) {
	db := openDB(t)
	rec, err := invocations.NewRecorder(invocations.NewStore(db), invocations.RecorderOptions{QueueSize: 10})
	require.NoError(t, err)

	h := NewHealthHandlers(db, nil, nil, rec, "v1")
	_, resp := getHealth(t, h)
	require.Equal(t, HealthStatusHealthy, resp.Status)

	// Not started, so records stay queued.
	for range 9 {
		rec.Record(invocations.Record{FunctionID: "fn", InvocationID: "inv"})
	}

	code, resp := getHealth(t, h)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, HealthStatusDegraded, resp.Status)
	require.Equal(t, HealthStatusDegraded, resp.Components["recorder"].Status)
}

func TestWorse(t *testing.T) {
	require.Equal(t, HealthStatusDegraded, worse(HealthStatusHealthy, HealthStatusDegraded))
	require.Equal(t, HealthStatusUnhealthy, worse(HealthStatusUnhealthy, HealthStatusDegraded))
	require.Equal(t, HealthStatusHealthy, worse(HealthStatusHealthy, HealthStatusHealthy))
}

func TestStats(t *testing.T) {
	h := NewHealthHandlers(openDB(t), nil, nil, nil, "v1")

	w := httptest.NewRecorder()
	h.Stats(w, httptest.NewRequest(http.MethodGet, "/health/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Runtime.GoVersion)
	require.Nil(t, resp.Engine)
}
