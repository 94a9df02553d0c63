package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grantjenks/go-durable/retry"
	"github.com/grantjenks/go-durable/store"
)

// EnforceTimeouts runs the four deadline sweeps in dependency order:
// queued tasks past schedule-to-close, expired workflows, stale
// heartbeats, then running tasks past schedule-to-close. It returns the
// number of transitions applied. Sweeps are idempotent; concurrent
// dispatchers may race on the same rows and the conditional updates
// keep every transition exactly-once.
func (e *Engine) EnforceTimeouts(ctx context.Context, limit int) (int, error) {
	n := 0
	for _, sweep := range []func(context.Context, int) (int, error){
		e.expireQueuedTasks,
		e.expireWorkflows,
		e.sweepHeartbeats,
		e.expireRunningTasks,
	} {
		applied, err := sweep(ctx, limit)
		n += applied
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// expireQueuedTasks handles queued tasks whose schedule-to-close
// deadline passed while they waited. A parked retry (attempt > 0) with
// budget remaining is deferred again with backoff; a task that never
// ran, or whose budget is spent, times out.
func (e *Engine) expireQueuedTasks(ctx context.Context, limit int) (int, error) {
	tasks, err := e.store.ExpiredQueuedTasks(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range tasks {
		if task.Attempt > 0 && !task.RetryPolicy.Exhausted(task.Attempt) {
			err = e.requeueTask(ctx, task, store.ErrCodeActivityTimeout, task.Attempt+1)
		} else {
			err = e.timeoutTask(ctx, task, store.ErrCodeActivityTimeout)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// expireRunningTasks cuts short attempts whose schedule-to-close
// deadline passed mid-flight: the attempt is retried with backoff while
// the budget lasts, and the task times out once it is spent.
func (e *Engine) expireRunningTasks(ctx context.Context, limit int) (int, error) {
	tasks, err := e.store.ExpiredRunningTasks(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range tasks {
		attempt := max(task.Attempt, 1)
		if !task.RetryPolicy.Exhausted(attempt) {
			err = e.requeueTask(ctx, task, store.ErrCodeActivityTimeout, attempt)
		} else {
			err = e.timeoutTask(ctx, task, store.ErrCodeActivityTimeout)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// expireWorkflows times out executions past their deadline.
func (e *Engine) expireWorkflows(ctx context.Context, limit int) (int, error) {
	execs, err := e.store.ExpiredExecutions(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, exec := range execs {
		if err := e.TimeoutWorkflow(ctx, exec.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// sweepHeartbeats handles running activities that went silent past
// their heartbeat budget. A missed heartbeat is treated like a failed
// attempt: the task is requeued with backoff while its retry budget
// lasts. Only when the budget is exhausted does the whole workflow
// fail, since the attempt may still hold unobserved side effects.
func (e *Engine) sweepHeartbeats(ctx context.Context, limit int) (int, error) {
	tasks, err := e.store.HeartbeatTasks(ctx, limit)
	if err != nil {
		return 0, err
	}
	now := e.now()
	n := 0
	for _, task := range tasks {
		last := task.StartedAt
		if task.HeartbeatAt != nil {
			last = task.HeartbeatAt
		}
		if last == nil || now.Sub(*last) <= task.HeartbeatTimeout {
			continue
		}
		e.metrics.RecordTimeout(ctx, "heartbeat")
		attempt := max(task.Attempt, 1)
		if !task.RetryPolicy.Exhausted(attempt) {
			if err := e.requeueTask(ctx, task, store.ErrCodeHeartbeatTimeout, attempt); err != nil {
				return n, err
			}
			n++
			continue
		}
		if err := e.timeoutTask(ctx, task, store.ErrCodeHeartbeatTimeout); err != nil {
			return n, err
		}
		if err := e.FailWorkflow(ctx, task.ExecutionID, store.ErrCodeHeartbeatTimeout); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// TimeoutTask applies the deadline outcome to one running task whose
// attempt was cut short, such as a follower killed past its command
// deadline: requeue with backoff while the retry budget lasts,
// TIMED_OUT once it is spent. Tasks no longer running are left alone.
func (e *Engine) TimeoutTask(ctx context.Context, taskID int64) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status != store.TaskRunning {
		return nil
	}
	attempt := max(task.Attempt, 1)
	if !task.RetryPolicy.Exhausted(attempt) {
		return e.requeueTask(ctx, task, store.ErrCodeActivityTimeout, attempt)
	}
	return e.timeoutTask(ctx, task, store.ErrCodeActivityTimeout)
}

// CancelTask fails one running task of a canceled workflow and records
// the cancellation in history so replay observes it. Dispatchers call
// it after killing the follower executing the attempt.
func (e *Engine) CancelTask(ctx context.Context, taskID int64) error {
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if current.Status != store.TaskRunning {
			return nil
		}
		now := e.now()
		current.Status = store.TaskFailed
		current.Error = store.ErrCodeWorkflowCanceled
		current.FinishedAt = &now
		if err := tx.UpdateTask(ctx, current); err != nil {
			return err
		}
		ev := store.HistoryEvent{
			ExecutionID: current.ExecutionID,
			Type:        store.EventActivityCanceled,
			Pos:         current.Pos,
			Details: map[string]any{
				"activity_name": current.ActivityName,
				"error":         store.ErrCodeWorkflowCanceled,
			},
			CreatedAt: now,
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
			return err
		}
		_, err = tx.MarkPendingIfActive(ctx, current.ExecutionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	return nil
}

// requeueTask pushes one expired task back onto the queue with the
// backoff computed for backoffAttempt, recording the deadline cause on
// the row. The transition is conditional on the task still being in its
// swept status so racing dispatchers apply it once.
func (e *Engine) requeueTask(ctx context.Context, task *store.ActivityTask, code string, backoffAttempt int) error {
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status != task.Status {
			return nil // settled by someone else
		}
		owner, err := tx.GetExecution(ctx, current.ExecutionID)
		if err != nil {
			return err
		}
		if !owner.Status.Active() {
			return nil // terminal workflows get the cancel path, not a retry
		}
		current.Status = store.TaskQueued
		current.Error = code
		current.AfterTime = e.now().Add(time.Duration(retry.Backoff(current.RetryPolicy, backoffAttempt) * float64(time.Second)))
		return tx.UpdateTask(ctx, current)
	})
	if err != nil {
		return fmt.Errorf("requeue task %d: %w", task.ID, err)
	}
	return nil
}

// timeoutTask transitions one task to TIMED_OUT, records the timeout in
// history and wakes the workflow. The transition is conditional on the
// task still being in its swept status so racing dispatchers apply it
// once.
func (e *Engine) timeoutTask(ctx context.Context, task *store.ActivityTask, code string) error {
	e.metrics.RecordTimeout(ctx, "activity")
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status != task.Status {
			return nil // settled by someone else
		}
		now := e.now()
		current.Status = store.TaskTimedOut
		current.Error = code
		current.FinishedAt = &now
		if err := tx.UpdateTask(ctx, current); err != nil {
			return err
		}
		ev := store.HistoryEvent{
			ExecutionID: current.ExecutionID,
			Type:        store.EventActivityTimedOut,
			Pos:         current.Pos,
			Details: map[string]any{
				"activity_name": current.ActivityName,
				"error":         code,
			},
			CreatedAt: now,
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil && !errors.Is(err, store.ErrDuplicateEvent) {
			return err
		}
		_, err = tx.MarkPendingIfActive(ctx, current.ExecutionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("timeout task %d: %w", task.ID, err)
	}
	return nil
}
