// Package store defines the durable data model of the workflow engine
// and the transactional persistence interface it runs on.
//
// # Entities
//
// Three entities back the whole engine:
//
//   - WorkflowExecution: one run of a workflow function, from PENDING to
//     a terminal status.
//   - HistoryEvent: the append-only event log of one execution, totally
//     ordered by primary key. History is the ground truth for replay.
//   - ActivityTask: one schedulable unit of side-effectful work, claimed
//     by dispatchers with a conditional QUEUED to RUNNING update.
//
// # Implementations
//
// Two implementations ship with the module:
//
//   - postgres: production store backed by PostgreSQL. Workflow stepping
//     relies on FOR UPDATE SKIP LOCKED row locks and a partial unique
//     index over (execution, pos, type).
//   - memory: mutex-serialised in-memory store for development and
//     tests. Not durable and not for production workloads.
//
// All coordination between dispatchers, steppers and activity runners
// flows through the store; there is no in-memory scheduler state that
// must survive a crash.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/grantjenks/go-durable/retry"
)

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	// StatusPending indicates the execution has steppable work.
	StatusPending Status = "PENDING"
	// StatusRunning indicates replay is partially done and the execution
	// is waiting for scheduled work to finish.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the workflow function returned a value.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the workflow function returned an error.
	StatusFailed Status = "FAILED"
	// StatusCanceled indicates the execution was canceled externally.
	StatusCanceled Status = "CANCELED"
	// StatusTimedOut indicates the execution deadline elapsed.
	StatusTimedOut Status = "TIMED_OUT"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: once reached, no later operation may change them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

// Active reports whether the execution may still make progress.
func (s Status) Active() bool { return !s.Terminal() }

// TaskStatus is the lifecycle state of an activity task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskTimedOut  TaskStatus = "TIMED_OUT"
)

// EventType tags a history event. The tag strings are stable on disk.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCanceled  EventType = "workflow_canceled"
	EventWorkflowTimedOut  EventType = "workflow_timed_out"

	EventActivityScheduled EventType = "activity_scheduled"
	EventActivityCompleted EventType = "activity_completed"
	EventActivityFailed    EventType = "activity_failed"
	EventActivityTimedOut  EventType = "activity_timed_out"
	EventActivityCanceled  EventType = "activity_canceled"
	EventActivityWait      EventType = "activity_wait"

	EventSignalEnqueued EventType = "signal_enqueued"
	EventSignalWait     EventType = "signal_wait"
	EventSignalConsumed EventType = "signal_consumed"

	EventChildWorkflowScheduled EventType = "child_workflow_scheduled"
	EventChildWorkflowCompleted EventType = "child_workflow_completed"
	EventChildWorkflowFailed    EventType = "child_workflow_failed"
	EventChildWorkflowCanceled  EventType = "child_workflow_canceled"
	EventChildWorkflowTimedOut  EventType = "child_workflow_timed_out"
	EventChildWorkflowWait      EventType = "child_workflow_wait"

	EventVersionMarker EventType = "version_marker"
)

// Canonical error codes persisted in execution and task error strings.
const (
	ErrCodeActivityFailed      = "activity_failed"
	ErrCodeActivityTimeout     = "activity_timeout"
	ErrCodeWorkflowTimeout     = "workflow_timeout"
	ErrCodeWorkflowCanceled    = "workflow_canceled"
	ErrCodeWorkflowNotRunnable = "workflow_not_runnable"
	ErrCodeHeartbeatTimeout    = "heartbeat_timeout"
	ErrCodeParentCanceled      = "parent_canceled"
)

// Reserved event positions outside the deterministic replay slot range.
const (
	// SpecialPos marks out-of-band events (cancel, signal enqueue,
	// timeout markers) whose pos is not a replay slot. The uniqueness
	// constraint over (execution, pos, type) does not apply at this pos.
	SpecialPos = 999998
	// FinalPos marks the terminal workflow outcome event.
	FinalPos = 999999
)

// SleepActivityName is the reserved internal activity implementing
// durable timers. Its task is deferred via after_time and its runner
// records {"slept": seconds} without consulting the registry.
const SleepActivityName = "__sleep__"

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEvent indicates an insert violated the
	// (execution, pos, type) uniqueness constraint. Callers treat it as
	// the idempotency guard it is.
	ErrDuplicateEvent = errors.New("duplicate history event")
)

type (
	// WorkflowExecution is one run of a workflow function.
	WorkflowExecution struct {
		ID           uuid.UUID
		WorkflowName string
		Input        map[string]any
		Status       Status
		Result       any
		Error        string
		StartedAt    time.Time
		FinishedAt   *time.Time
		ExpiresAt    *time.Time
		ParentID     *uuid.UUID
		ParentPos    *int
		UpdatedAt    time.Time
	}

	// HistoryEvent is one entry in an execution's append-only log.
	HistoryEvent struct {
		ID          int64
		ExecutionID uuid.UUID
		Type        EventType
		Pos         int
		Details     map[string]any
		CreatedAt   time.Time
	}

	// ActivityTask is one schedulable unit of activity work.
	ActivityTask struct {
		ID               int64
		ExecutionID      uuid.UUID
		ActivityName     string
		Pos              int
		Args             []any
		Kwargs           map[string]any
		Status           TaskStatus
		AfterTime        time.Time
		ExpiresAt        *time.Time
		Attempt          int
		MaxAttempts      int
		RetryPolicy      retry.Policy
		HeartbeatTimeout time.Duration
		HeartbeatAt      *time.Time
		HeartbeatDetails any
		Result           any
		Error            string
		StartedAt        *time.Time
		FinishedAt       *time.Time
		UpdatedAt        time.Time
	}

	// Store is the transactional persistence interface the engine runs
	// on. Query methods are safe to call on the root store or on the
	// transaction-scoped store passed to an InTx callback; row-locking
	// methods (LockExecution, ClaimExecution) are only meaningful inside
	// a transaction.
	Store interface {
		// InTx runs fn inside a transaction and passes it a store scoped
		// to that transaction. Calling InTx on a transaction-scoped store
		// runs fn in the enclosing transaction.
		InTx(ctx context.Context, fn func(context.Context, Store) error) error

		// CreateExecution inserts a new execution. A zero ID is assigned;
		// zero StartedAt/UpdatedAt default to now.
		CreateExecution(ctx context.Context, e *WorkflowExecution) error
		// GetExecution returns the execution or ErrNotFound.
		GetExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error)
		// LockExecution returns the execution holding a FOR UPDATE row
		// lock, blocking until the lock is available.
		LockExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error)
		// ClaimExecution returns the execution holding a FOR UPDATE SKIP
		// LOCKED row lock. It returns (nil, nil) when another transaction
		// holds the lock and ErrNotFound when the row does not exist.
		ClaimExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error)
		// UpdateExecution persists every mutable execution field and
		// bumps UpdatedAt.
		UpdateExecution(ctx context.Context, e *WorkflowExecution) error
		// MarkPendingIfActive transitions PENDING|RUNNING to PENDING and
		// reports whether a row changed. Used to wake a workflow after an
		// activity, signal or child outcome.
		MarkPendingIfActive(ctx context.Context, id uuid.UUID) (bool, error)
		// PendingExecutions lists steppable executions ordered by
		// UpdatedAt.
		PendingExecutions(ctx context.Context, limit int) ([]*WorkflowExecution, error)
		// ExpiredExecutions lists non-terminal executions whose
		// expires_at has elapsed.
		ExpiredExecutions(ctx context.Context, now time.Time, limit int) ([]*WorkflowExecution, error)
		// Children lists direct children of parentID in any of the given
		// statuses (all statuses when none are given).
		Children(ctx context.Context, parentID uuid.UUID, statuses ...Status) ([]*WorkflowExecution, error)

		// InsertEvent appends a history event. It returns
		// ErrDuplicateEvent when (execution, pos, type) already exists at
		// a non-special pos.
		InsertEvent(ctx context.Context, ev *HistoryEvent) error
		// ListEvents returns the execution's history ordered by primary
		// key.
		ListEvents(ctx context.Context, execID uuid.UUID) ([]HistoryEvent, error)

		// CreateTask inserts a new activity task.
		CreateTask(ctx context.Context, t *ActivityTask) error
		// GetTask returns the task or ErrNotFound.
		GetTask(ctx context.Context, id int64) (*ActivityTask, error)
		// TaskAt returns the execution's task at the given slot or
		// ErrNotFound.
		TaskAt(ctx context.Context, execID uuid.UUID, pos int) (*ActivityTask, error)
		// UpdateTask persists every mutable task field and bumps
		// UpdatedAt.
		UpdateTask(ctx context.Context, t *ActivityTask) error
		// ClaimTask conditionally transitions QUEUED to RUNNING provided
		// after_time has passed, reporting whether the update changed a
		// row. This is the serialization point between dispatchers.
		ClaimTask(ctx context.Context, id int64, now time.Time) (bool, error)
		// StartTask stamps started_at and heartbeat_at on a claimed
		// (RUNNING) task, increments attempt, and returns the updated
		// row. It returns ErrNotFound when the task is missing or no
		// longer RUNNING, so a stale dispatch cannot restart a settled
		// task.
		StartTask(ctx context.Context, id int64, now time.Time) (*ActivityTask, error)
		// UpdateHeartbeat records activity liveness for the task.
		UpdateHeartbeat(ctx context.Context, id int64, at time.Time, details any) error
		// QueuedTasks lists the execution's QUEUED tasks.
		QueuedTasks(ctx context.Context, execID uuid.UUID) ([]*ActivityTask, error)
		// DueTasks lists QUEUED tasks whose after_time has passed and
		// whose owning execution is still active, ordered by UpdatedAt.
		DueTasks(ctx context.Context, now time.Time, limit int) ([]*ActivityTask, error)
		// ExpiredQueuedTasks lists QUEUED tasks whose expires_at elapsed.
		ExpiredQueuedTasks(ctx context.Context, now time.Time, limit int) ([]*ActivityTask, error)
		// ExpiredRunningTasks lists RUNNING tasks whose expires_at
		// elapsed.
		ExpiredRunningTasks(ctx context.Context, now time.Time, limit int) ([]*ActivityTask, error)
		// HeartbeatTasks lists RUNNING tasks that declare a heartbeat
		// timeout.
		HeartbeatTasks(ctx context.Context, limit int) ([]*ActivityTask, error)
	}
)
