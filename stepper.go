package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/grantjenks/go-durable/store"
)

// StepWorkflow advances one execution by a single replay pass. It
// claims the execution row, replays the workflow function over its
// history, and lands in exactly one of three states: suspended
// (RUNNING, waiting on durable work), completed, or failed. It reports
// whether a step actually ran; a false return means the execution was
// claimed elsewhere or was not steppable.
//
// The whole step is one transaction, so a crash mid-step leaves no
// trace: the next step replays from the same history.
func (e *Engine) StepWorkflow(ctx context.Context, id uuid.UUID) (stepped bool, err error) {
	ctx, end := e.metrics.StartSpan(ctx, "durable.step", attribute.String("execution_id", id.String()))
	defer func() { end(err) }()

	var (
		deferred []func(context.Context)
		wfName   string
		outcome  string
	)
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		exec, err := tx.ClaimExecution(ctx, id)
		if err != nil {
			return err
		}
		if exec == nil || exec.Status != store.StatusPending {
			return nil
		}
		stepped = true
		wfName = exec.WorkflowName

		events, err := tx.ListEvents(ctx, exec.ID)
		if err != nil {
			return err
		}
		hist := &history{events: events}

		c := &Context{
			engine: e,
			ctx:    ctx,
			tx:     tx,
			exec:   exec,
			hist:   hist,
		}
		if hist.at(0, store.EventWorkflowStarted) == nil {
			if err := c.appendOnce(0, store.EventWorkflowStarted, map[string]any{
				"workflow_name": exec.WorkflowName,
				"input":         exec.Input,
			}); err != nil {
				return err
			}
		}

		result, runErr := e.runWorkflowFn(c, exec)
		deferred = c.deferred

		switch {
		case errors.Is(runErr, ErrSuspend):
			outcome = "suspended"
			exec.Status = store.StatusRunning
			return tx.UpdateExecution(ctx, exec)

		case runErr == nil:
			outcome = "completed"
			if err := c.appendOnce(store.FinalPos, store.EventWorkflowCompleted, map[string]any{
				"result": result,
			}); err != nil {
				return err
			}
			now := e.now()
			exec.Status = store.StatusCompleted
			exec.Result = result
			exec.FinishedAt = &now
			if err := tx.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			if err := failQueuedTasks(ctx, tx, e.now(), exec.ID, store.ErrCodeWorkflowNotRunnable); err != nil {
				return err
			}
			return notifyParent(ctx, e, tx, exec, store.EventChildWorkflowCompleted, map[string]any{
				"result": result,
			})

		default:
			outcome = "failed"
			msg := runErr.Error()
			if err := c.appendOnce(store.FinalPos, store.EventWorkflowFailed, map[string]any{
				"error":      msg,
				"error_type": errorType(runErr),
			}); err != nil {
				return err
			}
			now := e.now()
			exec.Status = store.StatusFailed
			exec.Error = msg
			exec.FinishedAt = &now
			if err := tx.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			if err := failQueuedTasks(ctx, tx, e.now(), exec.ID, store.ErrCodeWorkflowNotRunnable); err != nil {
				return err
			}
			return notifyParent(ctx, e, tx, exec, store.EventChildWorkflowFailed, map[string]any{
				"error":      msg,
				"error_type": errorType(runErr),
			})
		}
	})
	if err != nil {
		return false, fmt.Errorf("step workflow %s: %w", id, err)
	}
	if stepped {
		e.metrics.RecordStep(ctx, wfName, outcome)
		for _, fn := range deferred {
			fn(ctx)
		}
	}
	return stepped, nil
}

// runWorkflowFn resolves the workflow function and replays it,
// converting panics and unknown registrations into workflow failures.
func (e *Engine) runWorkflowFn(c *Context, exec *store.WorkflowExecution) (result any, err error) {
	entry, lookupErr := e.reg.workflow(exec.WorkflowName)
	if lookupErr != nil {
		return nil, lookupErr
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return entry.fn(c, exec.Input)
}

// failQueuedTasks marks every still-queued task of a terminal execution
// FAILED with the given error code so dispatchers never start work for
// a workflow that can no longer observe it.
func failQueuedTasks(ctx context.Context, tx store.Store, now time.Time, execID uuid.UUID, code string) error {
	tasks, err := tx.QueuedTasks(ctx, execID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.Status = store.TaskFailed
		t.Error = code
		finished := now
		t.FinishedAt = &finished
		if err := tx.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// notifyParent records the child's terminal outcome in the parent's
// history at the slot where the child was scheduled and wakes the
// parent. Duplicate notifications are ignored so the transition stays
// idempotent under races with the parent's own replay.
func notifyParent(ctx context.Context, e *Engine, tx store.Store, child *store.WorkflowExecution, typ store.EventType, details map[string]any) error {
	if child.ParentID == nil || child.ParentPos == nil {
		return nil
	}
	ev := store.HistoryEvent{
		ExecutionID: *child.ParentID,
		Type:        typ,
		Pos:         *child.ParentPos,
		Details:     details,
		CreatedAt:   e.now(),
	}
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	ev.Details["child_id"] = child.ID.String()
	ev.Details["workflow_name"] = child.WorkflowName
	if err := tx.InsertEvent(ctx, &ev); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
		return err
	}
	if _, err := tx.MarkPendingIfActive(ctx, *child.ParentID); err != nil {
		return err
	}
	return nil
}
