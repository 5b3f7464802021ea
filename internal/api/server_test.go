package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/zuiho-kai/claude-manager/internal/db"
	"github.com/zuiho-kai/claude-manager/internal/events"
	"github.com/zuiho-kai/claude-manager/internal/plan"
	"github.com/zuiho-kai/claude-manager/internal/progress"
	"github.com/zuiho-kai/claude-manager/internal/worktree"
)

type nopGit struct{}

func (nopGit) Run(workDir, name string, args ...string) (string, error) { return "", nil }

type testAPI struct {
	server  *Server
	store   *db.DB
	pub     *events.MemoryPublisher
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)

	pool := worktree.NewPool(store, nopGit{}, t.TempDir(), 1, nil)
	require.NoError(t, pool.Init())

	plans := plan.NewService(store, nil, nil)
	recorder := progress.NewRecorder(store, "", nil)

	srv := NewServer(":0", store, nil, pool, plans, recorder, pub, 3, nil)
	return &testAPI{server: srv, store: store, pub: pub, handler: srv.Handler()}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetTask(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "POST", "/api/tasks", map[string]any{"prompt": "write docs", "priority": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := gjson.Get(rec.Body.String(), "id").Int()
	assert.Equal(t, "queued", gjson.Get(rec.Body.String(), "status").String())

	rec = a.do(t, "GET", fmt.Sprintf("/api/tasks/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "write docs", gjson.Get(rec.Body.String(), "task.prompt").String())
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "task.priority").Int())
	assert.True(t, gjson.Get(rec.Body.String(), "logs").IsArray())
}

func TestCreateTaskValidation(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "POST", "/api/tasks", map[string]any{"priority": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskInjectsExperience(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.server.recorder.Record(nil, "ship small diffs", "review is faster", ""))

	rec := a.do(t, "POST", "/api/tasks", map[string]any{"prompt": "refactor the parser"})
	require.Equal(t, http.StatusCreated, rec.Code)

	task, err := a.store.GetTask(gjson.Get(rec.Body.String(), "id").Int())
	require.NoError(t, err)
	assert.Contains(t, task.Prompt, "## Recent Experience Notes")
	assert.Contains(t, task.Prompt, "ship small diffs")
	assert.Contains(t, task.Prompt, "---\n\nrefactor the parser")
}

func TestListTasksFiltersByStatus(t *testing.T) {
	a := newTestAPI(t)

	id1, err := a.store.CreateTask(&db.Task{Prompt: "a"})
	require.NoError(t, err)
	_, err = a.store.CreateTask(&db.Task{Prompt: "b"})
	require.NoError(t, err)
	require.NoError(t, a.store.FinishTask(id1, db.StatusCompleted, "", 0))

	rec := a.do(t, "GET", "/api/tasks?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "#").Int())
	assert.Equal(t, "b", gjson.Get(rec.Body.String(), "0.prompt").String())
}

func TestGetTaskNotFound(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/tasks/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	a := newTestAPI(t)
	id, err := a.store.CreateTask(&db.Task{Prompt: "cancel me"})
	require.NoError(t, err)

	rec := a.do(t, "DELETE", fmt.Sprintf("/api/tasks/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", gjson.Get(rec.Body.String(), "status").String())

	// Terminal tasks cannot be cancelled again.
	rec = a.do(t, "DELETE", fmt.Sprintf("/api/tasks/%d", id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, "DELETE", "/api/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorktreeRoutes(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "GET", "/api/worktrees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), gjson.Get(rec.Body.String(), "#").Int())
	id := gjson.Get(rec.Body.String(), "0.id").Int()

	rec = a.do(t, "DELETE", fmt.Sprintf("/api/worktrees/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "GET", "/api/worktrees", nil)
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "#").Int())
}

func TestPlanLifecycle(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "POST", "/api/plans", map[string]any{"goal": "add caching"})
	require.Equal(t, http.StatusCreated, rec.Code)
	groupID := gjson.Get(rec.Body.String(), "group_id").Int()
	taskID := gjson.Get(rec.Body.String(), "task_id").Int()

	// Approve before review fails.
	rec = a.do(t, "POST", fmt.Sprintf("/api/plans/%d/update", groupID), map[string]any{
		"steps": []map[string]string{{"title": "X", "prompt": "do x"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Planner output arrives.
	planJSON := `{"summary":"s","steps":[{"title":"A","prompt":"do a"},{"title":"B","prompt":"do b"}]}`
	require.NoError(t, a.store.FinishTask(taskID, db.StatusCompleted, planJSON, 0))
	require.NoError(t, a.server.plans.OnTaskComplete(taskID))

	rec = a.do(t, "GET", fmt.Sprintf("/api/plans/%d", groupID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reviewing", gjson.Get(rec.Body.String(), "status").String())
	assert.Equal(t, int64(2), gjson.Get(rec.Body.String(), "plan_steps.#").Int())

	rec = a.do(t, "POST", fmt.Sprintf("/api/plans/%d/update", groupID), map[string]any{
		"steps": []map[string]string{{"title": "Only", "prompt": "do everything"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "POST", fmt.Sprintf("/api/plans/%d/approve", groupID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "subtask_ids.#").Int())

	rec = a.do(t, "GET", "/api/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "executing", gjson.Get(rec.Body.String(), "0.status").String())
}

func TestPlanNotFound(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, "GET", "/api/plans/7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressRoutes(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "POST", "/api/progress", map[string]any{
		"summary": "tuned the pool size",
		"lessons": "4 is plenty",
		"tags":    "perf",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, "GET", "/api/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tuned the pool size", gjson.Get(rec.Body.String(), "0.summary").String())

	rec = a.do(t, "POST", "/api/progress", map[string]any{"lessons": "no summary"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndHealth(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.store.CreateTask(&db.Task{Prompt: "x"})
	require.NoError(t, err)

	rec := a.do(t, "GET", "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "tasks.queued").Int())
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "worktrees_total").Int())

	rec = a.do(t, "GET", "/api/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "@this").IsArray())

	rec = a.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "status").String())
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
