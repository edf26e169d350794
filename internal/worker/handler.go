package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Result is the opaque payload a handler produces on success; it is stored on
// the execution record verbatim.
type Result map[string]any

// Request is what a handler receives for one execution attempt. TaskConfig
// and HandlerConfig come from the task definition untouched.
type Request struct {
	TaskID        string
	ExecutionID   string
	TaskType      string
	TaskConfig    map[string]any
	HandlerConfig map[string]any
}

// Handler executes one attempt of a task type.
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Registry maps task types to handlers. It is built once at startup and
// injected; adding a task type is a Register call, never a worker change.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(taskType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[taskType]; dup {
		return fmt.Errorf("handler for task type %q already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

func (r *Registry) Resolve(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so the pool re-enqueues the work item
// instead of failing it permanently.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsTransient reports whether err should be retried: explicitly marked
// errors, attempt timeouts, and network timeouts.
func IsTransient(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
