package domain

import (
	"errors"
	"fmt"
	"time"
)

// ExecStatus is the lifecycle state of one execution. The string values are
// persisted and must not change.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

var ErrTerminalState = errors.New("execution already in a terminal state")

// Execution is one concrete run of a TaskDefinition. A worker owns the record
// until it reaches a terminal state; each retry attempt gets its own record.
type Execution struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Attempt      int            `json:"attempt"`
	Status       ExecStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Logs         string         `json:"logs,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Duration is completed_at - started_at, or nil until both are set.
func (e *Execution) Duration() *time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return nil
	}
	d := e.CompletedAt.Sub(*e.StartedAt)
	return &d
}

// MarkStarted transitions pending -> running.
func (e *Execution) MarkStarted(now time.Time) error {
	if e.Status != ExecPending {
		return fmt.Errorf("cannot start execution in state %q", e.Status)
	}
	e.Status = ExecRunning
	t := now
	e.StartedAt = &t
	return nil
}

// MarkCompleted transitions running -> completed and stores the result.
func (e *Execution) MarkCompleted(now time.Time, result map[string]any) error {
	if e.Status.Terminal() {
		return ErrTerminalState
	}
	if e.Status != ExecRunning {
		return fmt.Errorf("cannot complete execution in state %q", e.Status)
	}
	e.Status = ExecCompleted
	t := now
	e.CompletedAt = &t
	e.Result = result
	return nil
}

// MarkFailed transitions running -> failed, keeping the message and any logs.
func (e *Execution) MarkFailed(now time.Time, message, logs string) error {
	if e.Status.Terminal() {
		return ErrTerminalState
	}
	if e.Status != ExecRunning {
		return fmt.Errorf("cannot fail execution in state %q", e.Status)
	}
	e.Status = ExecFailed
	t := now
	e.CompletedAt = &t
	e.ErrorMessage = message
	e.Logs = logs
	return nil
}

// MarkCancelled transitions pending or running -> cancelled. Cancelling an
// already-terminal execution returns ErrTerminalState.
func (e *Execution) MarkCancelled(now time.Time) error {
	if e.Status.Terminal() {
		return ErrTerminalState
	}
	e.Status = ExecCancelled
	t := now
	e.CompletedAt = &t
	return nil
}
