package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/domain"
	"taskpilot/internal/queue"
	"taskpilot/internal/store"
)

// fakeStore covers the execution side of store.Store; the pool never lists
// definitions or claims schedules.
type fakeStore struct {
	mu    sync.Mutex
	defs  map[string]*domain.TaskDefinition
	execs map[string]*domain.Execution

	failCreate  bool
	denyStart   bool
	execCounter int
}

func newFakeStore(defs ...*domain.TaskDefinition) *fakeStore {
	f := &fakeStore{
		defs:  make(map[string]*domain.TaskDefinition),
		execs: make(map[string]*domain.Execution),
	}
	for _, d := range defs {
		f.defs[d.ID] = d
	}
	return f
}

func (f *fakeStore) GetDefinition(ctx context.Context, id string) (*domain.TaskDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return errors.New("store down")
	}
	f.execCounter++
	if exec.ID == "" {
		exec.ID = "exe_" + string(rune('a'+f.execCounter-1))
	}
	cp := *exec
	f.execs[exec.ID] = &cp
	return nil
}

func (f *fakeStore) StartExecution(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyStart {
		return false, nil
	}
	e, ok := f.execs[id]
	if !ok || e.Status != domain.ExecPending {
		return false, nil
	}
	e.Status = domain.ExecRunning
	t := startedAt
	e.StartedAt = &t
	return true, nil
}

func (f *fakeStore) FinishExecution(ctx context.Context, exec *domain.Execution) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[exec.ID]
	if !ok || e.Status != domain.ExecRunning {
		return false, nil
	}
	cp := *exec
	f.execs[exec.ID] = &cp
	return true, nil
}

func (f *fakeStore) executions() []*domain.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Execution
	for _, e := range f.execs {
		out = append(out, e)
	}
	return out
}

func (f *fakeStore) CancelExecution(ctx context.Context, id string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok || e.Status.Terminal() {
		return false, nil
	}
	e.Status = domain.ExecCancelled
	return true, nil
}

func (f *fakeStore) CreateDefinition(context.Context, *domain.TaskDefinition) (string, error) {
	panic("not used")
}
func (f *fakeStore) UpdateDefinition(context.Context, *domain.TaskDefinition) error { panic("not used") }
func (f *fakeStore) DeleteDefinition(context.Context, string) error                 { panic("not used") }
func (f *fakeStore) ListDefinitions(context.Context, string) ([]*domain.TaskDefinition, error) {
	panic("not used")
}
func (f *fakeStore) ListDue(context.Context, time.Time) ([]*domain.TaskDefinition, error) {
	panic("not used")
}
func (f *fakeStore) ClaimNextRun(context.Context, string, *time.Time, time.Time, *time.Time) (bool, error) {
	panic("not used")
}
func (f *fakeStore) GetExecution(context.Context, string) (*domain.Execution, error) {
	panic("not used")
}
func (f *fakeStore) ListExecutions(context.Context, string, int, int) ([]*domain.Execution, error) {
	panic("not used")
}

var _ store.Store = (*fakeStore)(nil)

func activeDef(taskType string) *domain.TaskDefinition {
	return &domain.TaskDefinition{
		ID: "tsk_1", Name: "t", TaskType: taskType,
		Frequency: domain.FreqMinutely, IsActive: true,
		TaskConfig:    map[string]any{"k": "v"},
		HandlerConfig: map[string]any{"h": "w"},
	}
}

func testConfig() Config {
	return Config{
		MaxConcurrent: 2,
		TaskTimeout:   time.Second,
		RetryBackoff:  5 * time.Millisecond,
		RetryMax:      2,
	}
}

func TestExecute_Success(t *testing.T) {
	st := newFakeStore(activeDef("echo"))
	q := queue.NewMemory(8)
	defer q.Close()

	reg := NewRegistry()
	var got Request
	require.NoError(t, reg.Register("echo", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		got = req
		return Result{"ok": true}, nil
	})))

	NewPool(st, q, reg, testConfig()).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_1"})

	execs := st.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecCompleted, execs[0].Status)
	assert.Equal(t, map[string]any{"ok": true}, execs[0].Result)
	require.NotNil(t, execs[0].Duration())
	assert.GreaterOrEqual(t, execs[0].Duration().Seconds(), 0.0)

	// Configs arrive verbatim.
	assert.Equal(t, "tsk_1", got.TaskID)
	assert.Equal(t, map[string]any{"k": "v"}, got.TaskConfig)
	assert.Equal(t, map[string]any{"h": "w"}, got.HandlerConfig)
}

func TestExecute_PermanentFailureDoesNotRetry(t *testing.T) {
	st := newFakeStore(activeDef("bad"))
	q := queue.NewMemory(8)
	defer q.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register("bad", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return nil, errors.New("config is garbage")
	})))

	NewPool(st, q, reg, testConfig()).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_1"})

	execs := st.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecFailed, execs[0].Status)
	assert.Equal(t, "config is garbage", execs[0].ErrorMessage)

	// Nothing re-enqueued.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestExecute_TransientFailureRetriesUpToCeiling(t *testing.T) {
	st := newFakeStore(activeDef("flaky"))
	q := queue.NewMemory(8)
	defer q.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register("flaky", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		return nil, Retryable(errors.New("connection reset"))
	})))

	pool := NewPool(st, q, reg, testConfig())
	ctx := context.Background()

	pool.Execute(ctx, queue.WorkItem{TaskID: "tsk_1", Attempt: 0})
	next := consumeOne(t, q)
	assert.Equal(t, 1, next.Attempt)

	pool.Execute(ctx, next)
	next = consumeOne(t, q)
	assert.Equal(t, 2, next.Attempt)

	// Attempt 2 == RetryMax: the ceiling is exhausted, nothing re-enqueued.
	pool.Execute(ctx, next)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.Len())

	execs := st.executions()
	assert.Len(t, execs, 3, "each attempt gets its own record")
	for _, e := range execs {
		assert.Equal(t, domain.ExecFailed, e.Status)
	}
}

func TestExecute_TimeoutIsTransient(t *testing.T) {
	st := newFakeStore(activeDef("slow"))
	q := queue.NewMemory(8)
	defer q.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register("slow", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	cfg := testConfig()
	cfg.TaskTimeout = 10 * time.Millisecond
	NewPool(st, q, reg, cfg).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_1"})

	next := consumeOne(t, q)
	assert.Equal(t, 1, next.Attempt)
}

func TestExecute_InactiveDefinitionDiscarded(t *testing.T) {
	def := activeDef("echo")
	def.IsActive = false
	st := newFakeStore(def)
	q := queue.NewMemory(8)
	defer q.Close()

	NewPool(st, q, NewRegistry(), testConfig()).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_1"})
	assert.Empty(t, st.executions(), "no record for a discarded item")
}

func TestExecute_MissingDefinitionDiscarded(t *testing.T) {
	st := newFakeStore()
	q := queue.NewMemory(8)
	defer q.Close()

	NewPool(st, q, NewRegistry(), testConfig()).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_gone"})
	assert.Empty(t, st.executions())
}

func TestExecute_UnknownTaskTypeFails(t *testing.T) {
	st := newFakeStore(activeDef("mystery"))
	q := queue.NewMemory(8)
	defer q.Close()

	NewPool(st, q, NewRegistry(), testConfig()).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_1"})

	execs := st.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecFailed, execs[0].Status)
	assert.Contains(t, execs[0].ErrorMessage, "mystery")
	assert.Equal(t, 0, q.Len())
}

func TestExecute_CancelledBeforeStartSkipsHandler(t *testing.T) {
	st := newFakeStore(activeDef("echo"))
	st.denyStart = true
	q := queue.NewMemory(8)
	defer q.Close()

	reg := NewRegistry()
	called := false
	require.NoError(t, reg.Register("echo", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		called = true
		return nil, nil
	})))

	NewPool(st, q, reg, testConfig()).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_1"})
	assert.False(t, called)
}

func TestExecute_CreateRecordFailureDropsItem(t *testing.T) {
	st := newFakeStore(activeDef("echo"))
	st.failCreate = true
	q := queue.NewMemory(8)
	defer q.Close()

	NewPool(st, q, NewRegistry(), testConfig()).Execute(context.Background(), queue.WorkItem{TaskID: "tsk_1"})
	assert.Empty(t, st.executions())
	assert.Equal(t, 0, q.Len())
}

func TestPool_RunConsumesQueue(t *testing.T) {
	st := newFakeStore(activeDef("echo"))
	q := queue.NewMemory(8)

	reg := NewRegistry()
	done := make(chan struct{}, 4)
	require.NoError(t, reg.Register("echo", HandlerFunc(func(ctx context.Context, req Request) (Result, error) {
		done <- struct{}{}
		return Result{}, nil
	})))

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(st, q, reg, testConfig())
	finished := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(finished)
	}()

	require.NoError(t, q.Enqueue(queue.WorkItem{TaskID: "tsk_1"}))
	require.NoError(t, q.Enqueue(queue.WorkItem{TaskID: "tsk_1"}))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler not invoked")
		}
	}

	cancel()
	q.Close()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func consumeOne(t *testing.T, q *queue.Memory) queue.WorkItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	item, err := q.Consume(ctx)
	require.NoError(t, err)
	return item
}
