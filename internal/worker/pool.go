package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"taskpilot/internal/domain"
	"taskpilot/internal/queue"
	"taskpilot/internal/store"
)

// Config bounds the pool and sets the retry policy for scheduled executions.
type Config struct {
	// MaxConcurrent is the number of handler invocations allowed in flight.
	MaxConcurrent int
	// TaskTimeout is the budget for a single execution attempt.
	TaskTimeout time.Duration
	// RetryBackoff is the fixed delay before a transient failure is retried.
	RetryBackoff time.Duration
	// RetryMax is the retry ceiling: additional attempts after the first
	// failure before the occurrence is abandoned.
	RetryMax int
	// DispatchRate optionally throttles handler starts per second; zero
	// means unthrottled. DispatchBurst defaults to MaxConcurrent.
	DispatchRate  float64
	DispatchBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = c.MaxConcurrent
	}
	return c
}

// Pool consumes work items, resolves the task-type handler, and drives the
// execution record through its state machine. Each retry attempt produces its
// own execution record; the attempt counter travels on the work item.
type Pool struct {
	store    store.Store
	queue    queue.Queue
	registry *Registry
	cfg      Config
	limiter  *rate.Limiter
	sem      chan struct{}
}

func NewPool(st store.Store, q queue.Queue, reg *Registry, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		store:    st,
		queue:    q,
		registry: reg,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
	if cfg.DispatchRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	}
	return p
}

// Run consumes until ctx is cancelled or the queue closes. In-flight handlers
// are waited for before Run returns.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("max_concurrent", p.cfg.MaxConcurrent).Msg("worker pool started")
loop:
	for {
		item, err := p.queue.Consume(ctx)
		if err != nil {
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		go func(item queue.WorkItem) {
			defer func() { <-p.sem }()
			p.Execute(ctx, item)
		}(item)
	}
	// Drain the semaphore so every in-flight handler has finished.
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
	log.Info().Msg("worker pool stopped")
}

// Execute runs one work item end to end. Failures are isolated per item: an
// error here never stops the pool.
func (p *Pool) Execute(ctx context.Context, item queue.WorkItem) {
	def, err := p.store.GetDefinition(ctx, item.TaskID)
	if err != nil {
		if err == store.ErrNotFound {
			log.Info().Str("task_id", item.TaskID).Msg("definition gone, discarding work item")
		} else {
			log.Error().Err(err).Str("task_id", item.TaskID).Msg("resolve definition")
		}
		return
	}
	if !def.IsActive {
		log.Info().Str("task_id", item.TaskID).Msg("definition inactive, discarding work item")
		return
	}

	exec := &domain.Execution{
		TaskID:  def.ID,
		Attempt: item.Attempt,
		Status:  domain.ExecPending,
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		// The item is lost for this occurrence; next_run has already advanced,
		// so the definition runs again on a later sweep (at-least-once,
		// possibly-skipped).
		log.Error().Err(err).Str("task_id", def.ID).Msg("create execution record")
		return
	}

	started, err := p.store.StartExecution(ctx, exec.ID, time.Now())
	if err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("start execution")
		return
	}
	if !started {
		// Cancelled between creation and pickup.
		log.Info().Str("execution_id", exec.ID).Msg("execution cancelled before start")
		return
	}
	_ = exec.MarkStarted(time.Now())

	handler, ok := p.registry.Resolve(def.TaskType)
	if !ok {
		p.finish(ctx, exec, func() error {
			return exec.MarkFailed(time.Now(), fmt.Sprintf("no handler registered for task type %q", def.TaskType), "")
		})
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	result, handleErr := handler.Handle(attemptCtx, Request{
		TaskID:        def.ID,
		ExecutionID:   exec.ID,
		TaskType:      def.TaskType,
		TaskConfig:    def.TaskConfig,
		HandlerConfig: def.HandlerConfig,
	})
	cancel()

	if handleErr == nil {
		p.finish(ctx, exec, func() error {
			return exec.MarkCompleted(time.Now(), result)
		})
		log.Info().Str("task_id", def.ID).Str("execution_id", exec.ID).
			Int("attempt", item.Attempt).Msg("execution completed")
		return
	}

	transient := IsTransient(handleErr)
	retrying := transient && item.Attempt < p.cfg.RetryMax
	logs := ""
	if retrying {
		logs = fmt.Sprintf("transient failure on attempt %d/%d; retry scheduled in %s",
			item.Attempt+1, p.cfg.RetryMax+1, p.cfg.RetryBackoff)
	}
	p.finish(ctx, exec, func() error {
		return exec.MarkFailed(time.Now(), handleErr.Error(), logs)
	})

	evt := log.Warn().Err(handleErr).Str("task_id", def.ID).Str("execution_id", exec.ID).
		Int("attempt", item.Attempt).Bool("transient", transient)
	if retrying {
		evt.Dur("backoff", p.cfg.RetryBackoff).Msg("execution failed, retrying")
		p.queue.EnqueueAfter(queue.WorkItem{
			TaskID:     item.TaskID,
			Attempt:    item.Attempt + 1,
			EnqueuedAt: time.Now(),
		}, p.cfg.RetryBackoff)
		return
	}
	evt.Msg("execution failed")
}

// finish applies a terminal transition and persists it, respecting a
// concurrent external cancel.
func (p *Pool) finish(ctx context.Context, exec *domain.Execution, transition func() error) {
	if err := transition(); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("illegal execution transition")
		return
	}
	ok, err := p.store.FinishExecution(ctx, exec)
	if err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("persist execution result")
		return
	}
	if !ok {
		log.Info().Str("execution_id", exec.ID).Msg("execution cancelled while running, result discarded")
	}
}
