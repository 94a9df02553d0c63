package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grantjenks/go-durable/store"
)

// NoTimeout disables the deadline on WaitWorkflow.
const NoTimeout time.Duration = -1

// waitPollInterval is how often WaitWorkflow re-reads the execution.
const waitPollInterval = time.Second

type (
	// StartOption configures StartWorkflow.
	StartOption func(*startOptions)

	startOptions struct {
		timeout time.Duration
	}
)

// WithTimeout bounds the execution's total runtime. It overrides the
// default attached at workflow registration.
func WithTimeout(d time.Duration) StartOption {
	return func(o *startOptions) { o.timeout = d }
}

// StartWorkflow creates a new execution of the named workflow and
// returns its id. The workflow need not be registered in this process;
// it only has to be registered wherever steps run.
func (e *Engine) StartWorkflow(ctx context.Context, name string, input map[string]any, opts ...StartOption) (uuid.UUID, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	timeout := o.timeout
	if timeout == 0 {
		if entry, err := e.reg.workflow(name); err == nil {
			timeout = entry.timeout
		}
	}
	now := e.now()
	exec := store.WorkflowExecution{
		ID:           uuid.New(),
		WorkflowName: name,
		Input:        input,
		Status:       store.StatusPending,
		StartedAt:    now,
	}
	if timeout > 0 {
		expires := now.Add(timeout)
		exec.ExpiresAt = &expires
	}
	if err := e.store.CreateExecution(ctx, &exec); err != nil {
		return uuid.Nil, fmt.Errorf("start workflow %q: %w", name, err)
	}
	return exec.ID, nil
}

// SignalWorkflow enqueues a named signal for the execution and wakes it
// if it is still runnable. Signals sent before the workflow waits are
// buffered in history and consumed FIFO per name. A terminal execution
// still records the signal but is never woken by it.
func (e *Engine) SignalWorkflow(ctx context.Context, id uuid.UUID, name string, payload any) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.LockExecution(ctx, id); err != nil {
			return err
		}
		ev := store.HistoryEvent{
			ExecutionID: id,
			Type:        store.EventSignalEnqueued,
			Pos:         store.SpecialPos,
			Details:     map[string]any{"name": name, "payload": payload},
			CreatedAt:   e.now(),
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil {
			return err
		}
		_, err := tx.MarkPendingIfActive(ctx, id)
		return err
	})
}

// CancelWorkflow cancels the execution and, transitively, its active
// descendants. Canceling a terminal execution is a no-op.
func (e *Engine) CancelWorkflow(ctx context.Context, id uuid.UUID, reason string) error {
	msg := "Canceled"
	if reason != "" {
		msg = "Canceled: " + reason
	}
	return e.terminate(ctx, id, terminalTransition{
		status:     store.StatusCanceled,
		event:      store.EventWorkflowCanceled,
		parent:     store.EventChildWorkflowCanceled,
		message:    msg,
		code:       store.ErrCodeWorkflowCanceled,
		taskCode:   store.ErrCodeWorkflowCanceled,
		reasonEcho: reason,
	})
}

// TimeoutWorkflow marks an expired execution TIMED_OUT. Dispatchers
// call it from the workflow-expiry sweep.
func (e *Engine) TimeoutWorkflow(ctx context.Context, id uuid.UUID) error {
	e.metrics.RecordTimeout(ctx, "workflow")
	return e.terminate(ctx, id, terminalTransition{
		status:   store.StatusTimedOut,
		event:    store.EventWorkflowTimedOut,
		parent:   store.EventChildWorkflowTimedOut,
		message:  store.ErrCodeWorkflowTimeout,
		code:     store.ErrCodeWorkflowTimeout,
		taskCode: store.ErrCodeWorkflowTimeout,
	})
}

// FailWorkflow fails the execution with the given error code without
// running it. Dispatchers use it when a liveness budget is exhausted,
// such as a missed activity heartbeat.
func (e *Engine) FailWorkflow(ctx context.Context, id uuid.UUID, code string) error {
	return e.terminate(ctx, id, terminalTransition{
		status:   store.StatusFailed,
		event:    store.EventWorkflowFailed,
		parent:   store.EventChildWorkflowFailed,
		message:  code,
		code:     code,
		taskCode: store.ErrCodeWorkflowNotRunnable,
	})
}

// terminalTransition describes one externally-forced terminal state.
type terminalTransition struct {
	status     store.Status
	event      store.EventType
	parent     store.EventType
	message    string
	code       string
	taskCode   string
	reasonEcho string
}

// terminate applies a forced terminal transition and cascades
// cancellation into active children after the transaction commits.
// Terminality is sticky: an already-terminal execution is left as is.
func (e *Engine) terminate(ctx context.Context, id uuid.UUID, t terminalTransition) error {
	var children []*store.WorkflowExecution
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.LockExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status != store.StatusPending && exec.Status != store.StatusRunning {
			return nil
		}
		now := e.now()
		details := map[string]any{"error": t.message, "error_type": t.code}
		if t.reasonEcho != "" {
			details["reason"] = t.reasonEcho
		}
		ev := store.HistoryEvent{
			ExecutionID: id,
			Type:        t.event,
			Pos:         store.SpecialPos,
			Details:     details,
			CreatedAt:   now,
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
			return err
		}
		exec.Status = t.status
		exec.Error = t.message
		exec.FinishedAt = &now
		if err := tx.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		if err := failQueuedTasks(ctx, tx, now, id, t.taskCode); err != nil {
			return err
		}
		if err := notifyParent(ctx, e, tx, exec, t.parent, map[string]any{
			"error": t.message,
		}); err != nil {
			return err
		}
		children, err = tx.Children(ctx, id, store.StatusPending, store.StatusRunning)
		return err
	})
	if err != nil {
		return fmt.Errorf("terminate workflow %s: %w", id, err)
	}
	for _, child := range children {
		if err := e.CancelWorkflow(ctx, child.ID, store.ErrCodeParentCanceled); err != nil && !errors.Is(err, store.ErrNotFound) {
			logError(ctx, err, "cascade cancel", "child_id", child.ID)
		}
	}
	return nil
}

// GetExecution returns the current state of an execution.
func (e *Engine) GetExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	return e.store.GetExecution(ctx, id)
}

// WaitWorkflow blocks until the execution reaches a terminal status and
// returns its result. A FAILED execution yields a WorkflowError (or
// WorkflowTimeoutError when the failure was a timeout), CANCELED yields
// a WorkflowError, and TIMED_OUT yields a WorkflowTimeoutError. Pass
// NoTimeout to wait indefinitely; otherwise ErrWaitWorkflowTimeout is
// returned when timeout elapses first.
func (e *Engine) WaitWorkflow(ctx context.Context, id uuid.UUID, timeout time.Duration) (any, error) {
	var deadline time.Time
	if timeout != NoTimeout {
		deadline = e.now().Add(timeout)
	}
	for {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		switch exec.Status {
		case store.StatusCompleted:
			return exec.Result, nil
		case store.StatusFailed:
			if exec.Error == store.ErrCodeWorkflowTimeout || exec.Error == store.ErrCodeHeartbeatTimeout {
				return nil, &WorkflowTimeoutError{Message: exec.Error}
			}
			return nil, &WorkflowError{Message: exec.Error}
		case store.StatusCanceled:
			return nil, &WorkflowError{Message: exec.Error}
		case store.StatusTimedOut:
			return nil, &WorkflowTimeoutError{Message: exec.Error}
		}
		if timeout != NoTimeout && !e.now().Before(deadline) {
			return nil, ErrWaitWorkflowTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// RunWorkflow starts the workflow and drives it to completion inline,
// without a worker: it repeatedly steps pending executions and runs due
// activities in the calling goroutine. Intended for tests and small
// scripts; production deployments run a worker instead.
func (e *Engine) RunWorkflow(ctx context.Context, name string, input map[string]any, opts ...StartOption) (any, error) {
	id, err := e.StartWorkflow(ctx, name, input, opts...)
	if err != nil {
		return nil, err
	}
	for {
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status != store.StatusPending && exec.Status != store.StatusRunning {
			return e.WaitWorkflow(ctx, id, 0)
		}
		progressed, err := e.Pump(ctx)
		if err != nil {
			return nil, err
		}
		if !progressed {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// Pump performs one inline scheduling pass: enforce due timeouts, step
// every pending execution, and run every claimable activity. It reports
// whether any work was done.
func (e *Engine) Pump(ctx context.Context) (bool, error) {
	progressed := false
	if n, err := e.EnforceTimeouts(ctx, 100); err != nil {
		return progressed, err
	} else if n > 0 {
		progressed = true
	}
	execs, err := e.store.PendingExecutions(ctx, 100)
	if err != nil {
		return progressed, err
	}
	for _, exec := range execs {
		stepped, err := e.StepWorkflow(ctx, exec.ID)
		if err != nil {
			return progressed, err
		}
		progressed = progressed || stepped
	}
	tasks, err := e.store.DueTasks(ctx, e.now(), 100)
	if err != nil {
		return progressed, err
	}
	for _, task := range tasks {
		claimed, err := e.store.ClaimTask(ctx, task.ID, e.now())
		if err != nil {
			return progressed, err
		}
		if !claimed {
			continue
		}
		if err := e.ExecuteActivity(ctx, task.ID); err != nil {
			return progressed, err
		}
		progressed = true
	}
	return progressed, nil
}
