// Package sweeper periodically scans for due task definitions and hands them
// to the work queue.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"taskpilot/internal/domain"
	"taskpilot/internal/queue"
	"taskpilot/internal/schedule"
	"taskpilot/internal/store"
)

const DefaultInterval = 60 * time.Second

// Service is the scheduling sweeper. One instance runs per process; across
// processes the ClaimNextRun compare-and-swap keeps a due occurrence from
// being dispatched twice.
type Service struct {
	store    store.Store
	queue    queue.Queue
	interval time.Duration
	stop     chan struct{}
}

func New(st store.Store, q queue.Queue, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		store:    st,
		queue:    q,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Sweep runs one tick: find due definitions, claim each one's next_run, and
// enqueue a work item per successful claim. A failure on one definition never
// stops the rest.
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("list due definitions")
		return
	}

	for _, def := range due {
		if err := s.dispatch(ctx, def, now); err != nil {
			log.Error().Err(err).Str("task_id", def.ID).Msg("dispatch due definition")
		}
	}
}

func (s *Service) dispatch(ctx context.Context, def *domain.TaskDefinition, now time.Time) error {
	next, ok := schedule.Next(def, now)
	var nextPtr *time.Time
	if ok {
		nextPtr = &next
	}

	// Claim before enqueuing: the update only lands if next_run still holds
	// the value this sweep read, so a racing sweeper dispatches at most once.
	claimed, err := s.store.ClaimNextRun(ctx, def.ID, def.NextRun, now, nextPtr)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug().Str("task_id", def.ID).Msg("next_run claim lost, skipping")
		return nil
	}

	if !ok {
		// Dispatched this one last time; with next_run now NULL and last_run
		// set it will never match a sweep again.
		log.Warn().Str("task_id", def.ID).Str("frequency", string(def.Frequency)).
			Msg("schedule yields no next run; task will not run again until reconfigured")
	}

	if err := s.queue.Enqueue(queue.WorkItem{
		TaskID:     def.ID,
		EnqueuedAt: now,
	}); err != nil {
		// next_run already advanced; this occurrence is skipped rather than
		// retried, the next one runs normally.
		return err
	}

	evt := log.Info().Str("task_id", def.ID).Str("name", def.Name)
	if nextPtr != nil {
		evt = evt.Time("next_run", *nextPtr)
	}
	evt.Msg("due task enqueued")
	return nil
}
