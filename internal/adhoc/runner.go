// Package adhoc runs fire-and-forget jobs outside the persisted schedule.
// Tasks live only in memory and a restart forgets them; anything that must
// survive belongs in a scheduled task definition.
package adhoc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status of an ad-hoc task. Mirrors execution statuses plus "retrying",
// which covers the backoff wait between attempts.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Func is the unit of ad-hoc work. It must honor ctx for cancellation.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// UseDefaultRetries selects the runner's configured retry ceiling at Submit.
const UseDefaultRetries = -1

// Options control the retry loop. A fn that always fails runs
// MaxRetries+1 times in total; MaxRetries zero means a single attempt.
// Pass UseDefaultRetries to take the runner's default.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Handle tracks one submitted task. All accessors are safe to call from any
// goroutine and never block.
type Handle struct {
	id string

	mu         sync.Mutex
	status     Status
	retryCount int
	result     map[string]any
	err        error

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// RetryCount is the number of failed attempts so far.
func (h *Handle) RetryCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryCount
}

// Result returns the stored result only once the task completed; ok is false
// in every other state.
func (h *Handle) Result() (map[string]any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusCompleted {
		return nil, false
	}
	return h.result, true
}

// Err returns the last attempt's error once the task has failed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusFailed {
		return nil
	}
	return h.err
}

// Cancel stops a pending or running task; on a terminal task it is a no-op.
// The in-flight attempt is interrupted cooperatively through its context.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = StatusCancelled
	now := time.Now()
	h.completedAt = &now
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

// transition moves to next unless the task already went terminal (a cancel
// can land at any time). It reports whether the move happened.
func (h *Handle) transition(next Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = next
	return true
}

// Runner executes submitted tasks on a bounded set of goroutines. It is an
// injected dependency, not a package-level singleton; construct one and pass
// it to whoever needs it.
type Runner struct {
	mu    sync.Mutex
	tasks map[string]*Handle

	sem      chan struct{}
	defaults Options
	wg       sync.WaitGroup
}

// NewRunner bounds concurrent ad-hoc work at maxConcurrent and applies
// defaults to submissions that leave Options zero.
func NewRunner(maxConcurrent int, defaults Options) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if defaults.MaxRetries < 0 {
		defaults.MaxRetries = 0
	}
	if defaults.RetryDelay <= 0 {
		defaults.RetryDelay = 5 * time.Second
	}
	return &Runner{
		tasks:    make(map[string]*Handle),
		sem:      make(chan struct{}, maxConcurrent),
		defaults: defaults,
	}
}

var ErrUnknownTask = errors.New("unknown ad-hoc task")

// Submit schedules fn and returns immediately. The returned handle is also
// retrievable by id via Lookup until the process exits.
func (r *Runner) Submit(ctx context.Context, fn Func, args map[string]any, opts Options) *Handle {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = r.defaults.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = r.defaults.RetryDelay
	}

	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:        "adh_" + uuid.NewString(),
		status:    StatusPending,
		createdAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.tasks[h.id] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer close(h.done)
		r.run(taskCtx, h, fn, args, opts)
	}()
	return h
}

// Lookup returns the handle for id, if the task was submitted in this
// process's lifetime.
func (r *Runner) Lookup(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[id]
	return h, ok
}

// Cancel cancels the task with the given id.
func (r *Runner) Cancel(id string) error {
	h, ok := r.Lookup(id)
	if !ok {
		return ErrUnknownTask
	}
	h.Cancel()
	return nil
}

// Shutdown waits for in-flight tasks to finish or ctx to expire; pending
// waits are cut short by cancelling every non-terminal task.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, h := range r.tasks {
		h.Cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *Runner) run(ctx context.Context, h *Handle, fn Func, args map[string]any, opts Options) {
	for {
		// The concurrency slot is held only while fn runs; the retry wait
		// below happens without one so a backing-off task never starves the
		// pool. A cancel while waiting for a slot must not run the task.
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			h.Cancel()
			return
		}

		if !h.transition(StatusRunning) {
			<-r.sem
			return
		}
		h.mu.Lock()
		if h.startedAt == nil {
			now := time.Now()
			h.startedAt = &now
		}
		h.mu.Unlock()

		result, err := fn(ctx, args)
		<-r.sem
		if err == nil {
			h.mu.Lock()
			if !h.status.Terminal() {
				h.status = StatusCompleted
				h.result = result
				t := time.Now()
				h.completedAt = &t
			}
			h.mu.Unlock()
			return
		}

		h.mu.Lock()
		if h.status.Terminal() {
			h.mu.Unlock()
			return
		}
		h.retryCount++
		exhausted := h.retryCount > opts.MaxRetries
		if exhausted {
			h.status = StatusFailed
			h.err = err
			t := time.Now()
			h.completedAt = &t
		} else {
			h.status = StatusRetrying
		}
		retryCount := h.retryCount
		h.mu.Unlock()

		if exhausted {
			log.Warn().Err(err).Str("adhoc_id", h.id).Int("attempts", retryCount).
				Msg("ad-hoc task failed, retries exhausted")
			return
		}

		log.Debug().Err(err).Str("adhoc_id", h.id).Int("retry", retryCount).
			Dur("delay", opts.RetryDelay).Msg("ad-hoc task retrying")

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.Cancel()
			return
		case <-timer.C:
		}
	}
}
