package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"continuumreview/src/logging"
	"continuumreview/src/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *workspace.Pool, *logging.PipelineStats) {
	t.Helper()

	storage, err := workspace.NewDirStorage(t.TempDir())
	require.NoError(t, err)
	pool, err := workspace.NewPool(workspace.Config{Capacity: 3, Storage: storage})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	stats := logging.NewPipelineStats("worker-1")
	ts := httptest.NewServer(NewAPIServer(nil, stats, pool).Handler())
	t.Cleanup(ts.Close)
	return ts, pool, stats
}

func TestStatusEndpoint(t *testing.T) {
	ts, _, stats := newTestServer(t)
	stats.Admitted("t-1")
	stats.Finished("t-1", "pass", 1)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got logging.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "worker-1", got.ID)
	assert.EqualValues(t, 1, got.TasksAdmitted)
	assert.EqualValues(t, 1, got.DecisionsPass)
	assert.EqualValues(t, 1, got.MissingVerdicts)
}

func TestPoolEndpoint(t *testing.T) {
	ts, pool, _ := newTestServer(t)
	ws, err := pool.Acquire(context.Background(), "ws-a")
	require.NoError(t, err)
	defer pool.Release(ws)

	resp, err := http.Get(ts.URL + "/pool")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got PoolStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 3, got.Capacity)
	assert.Equal(t, 1, got.Size)
	assert.Equal(t, 1, got.InUse)
	require.Len(t, got.Workspaces, 1)
	assert.Equal(t, "ws-a", got.Workspaces[0].ID)
	assert.True(t, got.Workspaces[0].InUse)
}

func TestGlobalStatusWithoutDatabase(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/global-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
