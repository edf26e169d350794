package store

import (
	"context"
	"errors"
	"time"

	"taskpilot/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence contract for task definitions and their
// executions. The sweeper claims due definitions through ClaimNextRun so that
// a dispatch only succeeds when the next_run it read is still current.
type Store interface {
	CreateDefinition(ctx context.Context, def *domain.TaskDefinition) (string, error)
	GetDefinition(ctx context.Context, id string) (*domain.TaskDefinition, error)
	UpdateDefinition(ctx context.Context, def *domain.TaskDefinition) error
	DeleteDefinition(ctx context.Context, id string) error
	// ListDefinitions returns the definitions visible to owner: their own plus
	// shared ones. An empty owner lists everything.
	ListDefinitions(ctx context.Context, owner string) ([]*domain.TaskDefinition, error)

	// ListDue returns active definitions with next_run <= now, plus active
	// definitions that have never run and carry no next_run (treated as
	// immediately due on their first sweep).
	ListDue(ctx context.Context, now time.Time) ([]*domain.TaskDefinition, error)
	// ClaimNextRun advances last_run/next_run only if the stored next_run
	// still equals prev. It reports whether this caller won the claim.
	ClaimNextRun(ctx context.Context, id string, prev *time.Time, lastRun time.Time, next *time.Time) (bool, error)

	CreateExecution(ctx context.Context, exec *domain.Execution) error
	// StartExecution transitions pending -> running; false means the
	// execution was cancelled (or otherwise left pending) in the meantime.
	StartExecution(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// FinishExecution writes a terminal state, guarded so it only lands on a
	// still-running record; false means an external cancel won.
	FinishExecution(ctx context.Context, exec *domain.Execution) (bool, error)
	// CancelExecution cancels a pending or running execution; false when the
	// record is already terminal.
	CancelExecution(ctx context.Context, id string, now time.Time) (bool, error)
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*domain.Execution, error)
}
