package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskpilot/internal/adhoc"
	"taskpilot/internal/domain"
	"taskpilot/internal/queue"
	"taskpilot/internal/store"
	"taskpilot/internal/worker"
)

type env struct {
	handler http.Handler
	store   store.Store
	queue   *queue.Memory

	flakyCalls *atomic.Int32
}

func newEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.db")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))

	st := store.NewSQLite(db)
	q := queue.NewMemory(16)
	t.Cleanup(q.Close)

	var flakyCalls atomic.Int32
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register("web_search", worker.HandlerFunc(
		func(ctx context.Context, req worker.Request) (worker.Result, error) {
			return worker.Result{"echo": req.TaskConfig["query"]}, nil
		})))
	require.NoError(t, reg.Register("flaky", worker.HandlerFunc(
		func(ctx context.Context, req worker.Request) (worker.Result, error) {
			flakyCalls.Add(1)
			return nil, errors.New("always broken")
		})))

	runner := adhoc.NewRunner(2, adhoc.Options{MaxRetries: 2, RetryDelay: time.Millisecond})

	return &env{
		handler:    NewServer(st, q, reg, runner),
		store:      st,
		queue:      q,
		flakyCalls: &flakyCalls,
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func validTask() map[string]any {
	return map[string]any{
		"name":          "daily digest",
		"task_type":     "web_search",
		"frequency":     "daily",
		"schedule_time": "08:00",
		"task_config":   map[string]any{"query": "news"},
		"owner_id":      "usr_1",
	}
}

func TestCreateTask(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, "POST", "/api/tasks", validTask())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode(t, w)
	id := resp["id"].(string)
	assert.Contains(t, id, "tsk_")
	assert.NotNil(t, resp["next_run"], "next_run computed at create time")

	def, err := e.store.GetDefinition(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, def.IsActive)
	require.NotNil(t, def.NextRun)
	assert.True(t, def.NextRun.After(time.Now()))
}

func TestCreateTask_Validation(t *testing.T) {
	e := newEnv(t)

	cases := []func(m map[string]any){
		func(m map[string]any) { delete(m, "name") },
		func(m map[string]any) { delete(m, "task_type") },
		func(m map[string]any) { m["task_type"] = "nope" },
		func(m map[string]any) { m["frequency"] = "monthly" },
		func(m map[string]any) { delete(m, "schedule_time") }, // daily needs it
		func(m map[string]any) { m["schedule_time"] = "25:99" },
		func(m map[string]any) {
			m["frequency"] = "weekly"
			m["schedule_days"] = []int{}
		},
	}
	for i, mutate := range cases {
		body := validTask()
		mutate(body)
		w := e.do(t, "POST", "/api/tasks", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "case %d: %s", i, w.Body.String())
	}
}

func TestGetUpdateDeleteTask(t *testing.T) {
	e := newEnv(t)
	created := decode(t, e.do(t, "POST", "/api/tasks", validTask()))
	id := created["id"].(string)

	w := e.do(t, "GET", "/api/tasks/"+id, nil)
	require.Equal(t, 200, w.Code)

	w = e.do(t, "PUT", "/api/tasks/"+id, map[string]any{"name": "renamed", "is_active": false})
	require.Equal(t, 200, w.Code, w.Body.String())

	def, err := e.store.GetDefinition(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", def.Name)
	assert.False(t, def.IsActive)
	assert.Nil(t, def.NextRun, "deactivation clears next_run")

	// Reactivating computes a fresh next_run.
	w = e.do(t, "PUT", "/api/tasks/"+id, map[string]any{"is_active": true})
	require.Equal(t, 200, w.Code, w.Body.String())
	def, err = e.store.GetDefinition(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, def.NextRun)
	assert.True(t, def.NextRun.After(time.Now()))

	w = e.do(t, "DELETE", "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, "GET", "/api/tasks/"+id, nil)
	assert.Equal(t, 404, w.Code)
}

func TestRunTaskNow(t *testing.T) {
	e := newEnv(t)
	created := decode(t, e.do(t, "POST", "/api/tasks", validTask()))
	id := created["id"].(string)

	w := e.do(t, "POST", "/api/tasks/"+id+"/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := e.queue.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, item.TaskID)

	// An inactive task cannot be run.
	e.do(t, "PUT", "/api/tasks/"+id, map[string]any{"is_active": false})
	w = e.do(t, "POST", "/api/tasks/"+id+"/run", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListExecutionsAndCancel(t *testing.T) {
	e := newEnv(t)
	created := decode(t, e.do(t, "POST", "/api/tasks", validTask()))
	id := created["id"].(string)

	exec := &domain.Execution{TaskID: id, Status: domain.ExecPending}
	require.NoError(t, e.store.CreateExecution(context.Background(), exec))

	w := e.do(t, "GET", "/api/tasks/"+id+"/executions?limit=10&offset=0", nil)
	require.Equal(t, 200, w.Code)
	var execs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &execs))
	require.Len(t, execs, 1)

	w = e.do(t, "POST", "/api/executions/"+exec.ID+"/cancel", nil)
	require.Equal(t, 200, w.Code)

	got, err := e.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCancelled, got.Status)

	// Cancelling again conflicts: the record is terminal.
	w = e.do(t, "POST", "/api/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdHocLifecycle(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, "POST", "/api/adhoc", map[string]any{
		"task_type": "web_search",
		"args":      map[string]any{"query": "hello"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)
	assert.Contains(t, id, "adh_")

	require.Eventually(t, func() bool {
		resp := decode(t, e.do(t, "GET", "/api/adhoc/"+id, nil))
		return resp["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	resp := decode(t, e.do(t, "GET", "/api/adhoc/"+id, nil))
	result := resp["result"].(map[string]any)
	assert.Equal(t, "hello", result["echo"])

	w = e.do(t, "GET", "/api/adhoc/adh_missing", nil)
	assert.Equal(t, 404, w.Code)
}

func TestAdHoc_UnknownType(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, "POST", "/api/adhoc", map[string]any{"task_type": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func (e *env) submitFlaky(t *testing.T, body map[string]any) {
	t.Helper()
	body["task_type"] = "flaky"
	w := e.do(t, "POST", "/api/adhoc", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)
	require.Eventually(t, func() bool {
		return decode(t, e.do(t, "GET", "/api/adhoc/"+id, nil))["status"] == "failed"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdHoc_RetryCeiling(t *testing.T) {
	e := newEnv(t)

	// Absent max_retries takes the runner default (2 retries, 3 attempts).
	e.submitFlaky(t, map[string]any{})
	assert.Equal(t, int32(3), e.flakyCalls.Load())

	// An explicit zero means a single attempt, not the default.
	e.submitFlaky(t, map[string]any{"max_retries": 0})
	assert.Equal(t, int32(4), e.flakyCalls.Load())

	w := e.do(t, "POST", "/api/adhoc", map[string]any{"task_type": "flaky", "max_retries": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, 200, e.do(t, "GET", "/health", nil).Code)

	w := e.do(t, "GET", "/metrics", nil)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "taskpilot_up 1")
}
