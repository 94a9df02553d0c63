package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/grantjenks/go-durable/retry"
	"github.com/grantjenks/go-durable/store"
)

// ExecuteActivity runs one claimed activity task to an outcome: the
// task must already have been transitioned to RUNNING via ClaimTask by
// the caller (the dispatcher), which is the at-most-once gate between
// competing workers.
//
// The activity body runs outside any transaction; only the recording
// of its outcome is transactional. A crash between the two leaves the
// task RUNNING until a timeout sweep requeues or fails it.
func (e *Engine) ExecuteActivity(ctx context.Context, taskID int64) (err error) {
	task, err := e.store.StartTask(ctx, taskID, e.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil // settled or reclaimed before the attempt started
	}
	if err != nil {
		return fmt.Errorf("start task %d: %w", taskID, err)
	}
	ctx, end := e.metrics.StartSpan(ctx, "durable.activity",
		attribute.String("activity", task.ActivityName),
		attribute.Int("attempt", task.Attempt))
	defer func() { end(err) }()
	exec, err := e.store.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution for task %d: %w", taskID, err)
	}
	if exec.Status != store.StatusPending && exec.Status != store.StatusRunning {
		code := store.ErrCodeWorkflowNotRunnable
		if exec.Status == store.StatusCanceled {
			code = store.ErrCodeWorkflowCanceled
		}
		return e.failTask(ctx, task, code, code, false)
	}

	result, runErr := e.runActivityFn(ctx, task)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The dispatcher killed this attempt and owns its outcome; a
		// killed attempt records nothing.
		return ctxErr
	}
	if runErr == nil {
		e.metrics.RecordActivity(ctx, task.ActivityName, "completed")
		return e.completeTask(ctx, task, result)
	}

	errType := errorType(runErr)
	policy := task.RetryPolicy
	retryable := !errors.Is(runErr, ErrUnknownActivity) &&
		!policy.NonRetryable(errType) &&
		!policy.Exhausted(task.Attempt)
	if retryable {
		e.metrics.RecordActivity(ctx, task.ActivityName, "retried")
		err := e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
			current, err := tx.GetTask(ctx, task.ID)
			if err != nil {
				return err
			}
			if current.Status != store.TaskRunning {
				return nil // settled by a timeout sweep mid-attempt
			}
			owner, err := tx.GetExecution(ctx, current.ExecutionID)
			if err != nil {
				return err
			}
			if !owner.Status.Active() {
				return nil // the dispatcher's cancel path settles the task
			}
			current.Status = store.TaskQueued
			current.AfterTime = e.now().Add(time.Duration(retry.Backoff(policy, task.Attempt) * float64(time.Second)))
			current.Error = runErr.Error()
			return tx.UpdateTask(ctx, current)
		})
		if err != nil {
			return fmt.Errorf("requeue task %d: %w", taskID, err)
		}
		return nil
	}
	e.metrics.RecordActivity(ctx, task.ActivityName, "failed")
	return e.failTask(ctx, task, runErr.Error(), errType, true)
}

// runActivityFn resolves and invokes the activity body. The internal
// sleep activity completes with no user code: its task only became due
// after the timer elapsed.
func (e *Engine) runActivityFn(ctx context.Context, task *store.ActivityTask) (result any, err error) {
	if task.ActivityName == store.SleepActivityName {
		var secs float64
		if len(task.Args) > 0 {
			secs, _ = asFloat(task.Args[0])
		}
		return map[string]any{"slept": secs}, nil
	}
	entry, lookupErr := e.reg.activity(task.ActivityName)
	if lookupErr != nil {
		return nil, lookupErr
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	act := &Activity{
		TaskID:      task.ID,
		ExecutionID: task.ExecutionID,
		Name:        task.ActivityName,
		Args:        task.Args,
		Kwargs:      task.Kwargs,
		Attempt:     task.Attempt,
		engine:      e,
	}
	return entry.fn(ctx, act)
}

// completeTask records a successful outcome and wakes the workflow.
// Terminal task states are sticky: when a timeout sweep already settled
// the task, the late result is dropped so history keeps the recorded
// outcome.
func (e *Engine) completeTask(ctx context.Context, task *store.ActivityTask, result any) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status != store.TaskRunning {
			return nil // settled by a timeout sweep mid-attempt
		}
		now := e.now()
		current.Status = store.TaskCompleted
		current.Result = result
		current.Error = ""
		current.FinishedAt = &now
		if err := tx.UpdateTask(ctx, current); err != nil {
			return err
		}
		ev := store.HistoryEvent{
			ExecutionID: current.ExecutionID,
			Type:        store.EventActivityCompleted,
			Pos:         current.Pos,
			Details: map[string]any{
				"activity_name": current.ActivityName,
				"result":        result,
			},
			CreatedAt: now,
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
			return err
		}
		_, err = tx.MarkPendingIfActive(ctx, current.ExecutionID)
		return err
	})
}

// failTask records a terminal activity failure. When notify is set the
// failure is surfaced into history so the workflow observes it; the
// silent form is used when the owning workflow is already terminal.
func (e *Engine) failTask(ctx context.Context, task *store.ActivityTask, msg, errType string, notify bool) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status != store.TaskRunning {
			return nil // settled by a timeout sweep mid-attempt
		}
		now := e.now()
		current.Status = store.TaskFailed
		current.Error = msg
		current.FinishedAt = &now
		if err := tx.UpdateTask(ctx, current); err != nil {
			return err
		}
		if !notify {
			return nil
		}
		ev := store.HistoryEvent{
			ExecutionID: current.ExecutionID,
			Type:        store.EventActivityFailed,
			Pos:         current.Pos,
			Details: map[string]any{
				"activity_name": current.ActivityName,
				"error":         msg,
				"error_type":    errType,
			},
			CreatedAt: now,
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
			return err
		}
		_, err = tx.MarkPendingIfActive(ctx, current.ExecutionID)
		return err
	})
}
