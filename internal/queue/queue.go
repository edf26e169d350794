// Package queue carries ephemeral work items from the sweeper to the worker
// pool. Items have no identity or persistence beyond delivery; the schedule
// store is the source of truth and the next sweep re-dispatches anything lost.
package queue

import (
	"context"
	"errors"
	"time"
)

// WorkItem identifies one due occurrence of a task definition. Attempt starts
// at 0 and counts retries of the same occurrence.
type WorkItem struct {
	TaskID     string
	Attempt    int
	EnqueuedAt time.Time
}

var (
	ErrFull   = errors.New("work queue full")
	ErrClosed = errors.New("work queue closed")
)

// Queue is the at-least-once work queue contract between the sweeper and the
// worker pool. EnqueueAfter schedules a delayed delivery without holding a
// goroutine; it is how retry backoff avoids sleeping in a pool slot.
type Queue interface {
	Enqueue(item WorkItem) error
	EnqueueAfter(item WorkItem, delay time.Duration)
	// Consume blocks until an item is available, the queue is closed, or ctx
	// is done.
	Consume(ctx context.Context) (WorkItem, error)
	Len() int
	Close()
}
