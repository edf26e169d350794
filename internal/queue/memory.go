package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Memory is a bounded in-process queue backed by a channel. Delayed items are
// re-enqueued by a timer; if the queue is full at fire time the item is
// dropped with a warning and the definition's next sweep picks it back up.
type Memory struct {
	ch chan WorkItem

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{
		ch:     make(chan WorkItem, capacity),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *Memory) Enqueue(item WorkItem) error {
	// The lock is held across the send so Close cannot close the channel
	// between the closed check and the send. The send never blocks.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

func (q *Memory) EnqueueAfter(item WorkItem, delay time.Duration) {
	if delay <= 0 {
		if err := q.Enqueue(item); err != nil {
			log.Warn().Err(err).Str("task_id", item.TaskID).Msg("dropped immediate re-enqueue")
		}
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(item); err != nil {
			log.Warn().Err(err).Str("task_id", item.TaskID).Int("attempt", item.Attempt).
				Msg("dropped delayed work item")
		}
	})
	q.timers[t] = struct{}{}
	q.mu.Unlock()
}

func (q *Memory) Consume(ctx context.Context) (WorkItem, error) {
	select {
	case <-ctx.Done():
		return WorkItem{}, ctx.Err()
	case item, ok := <-q.ch:
		if !ok {
			return WorkItem{}, ErrClosed
		}
		return item, nil
	}
}

func (q *Memory) Len() int { return len(q.ch) }

// Close stops pending delay timers and closes the channel. Items already
// buffered remain consumable until drained.
func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.ch)
}
