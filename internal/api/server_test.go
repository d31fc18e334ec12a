package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	s, err := store.New(filepath.Join(t.TempDir(), "tasks.db"), log)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return NewServer(s, log), s
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateTask(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/tasks", map[string]any{
		"prompt":   "fix the build",
		"priority": "high",
		"source":   "slack",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, models.PriorityHigh, task.Priority)
	assert.Equal(t, "slack", task.Source)
}

func TestCreateTaskValidationSurfaced(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/tasks", map[string]any{"prompt": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks", map[string]any{
		"prompt":       "ok",
		"project_path": "/etc/nginx",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "forbidden")
}

func TestGetTask(t *testing.T) {
	srv, s := newTestServer(t)
	task, err := s.Create(context.Background(), store.CreateTaskRequest{Prompt: "lookup me"})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/tasks/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), task.Prompt)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTasks(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	_, err := s.Create(ctx, store.CreateTaskRequest{Prompt: "one"})
	require.NoError(t, err)
	two, err := s.Create(ctx, store.CreateTaskRequest{Prompt: "two"})
	require.NoError(t, err)
	require.NoError(t, s.SetRunning(ctx, two.ID, "s1"))

	w := doRequest(t, srv, http.MethodGet, "/api/v1/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []models.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "one", resp.Tasks[0].Prompt)

	w = doRequest(t, srv, http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelTask(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	pending, err := s.Create(ctx, store.CreateTaskRequest{Prompt: "cancel me"})
	require.NoError(t, err)
	running, err := s.Create(ctx, store.CreateTaskRequest{Prompt: "busy"})
	require.NoError(t, err)
	require.NoError(t, s.SetRunning(ctx, running.ID, "s1"))

	w := doRequest(t, srv, http.MethodPost, "/api/v1/tasks/1/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	got, err := s.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// Running tasks are not preempted.
	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/2/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/999/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	srv, s := newTestServer(t)
	_, err := s.Create(context.Background(), store.CreateTaskRequest{Prompt: "count me", Priority: models.PriorityUrgent})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats store.QueueStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ByStatus["pending"])
	assert.Equal(t, 1, stats.ByPriority["urgent"])
}
