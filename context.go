package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grantjenks/go-durable/retry"
	"github.com/grantjenks/go-durable/store"
)

// Handle identifies a scheduled activity within its workflow: it is the
// deterministic slot at which the activity was scheduled.
type Handle int

type (
	// ActivityOptions carries per-call scheduling overrides. Zero values
	// inherit the registry defaults attached at registration time.
	ActivityOptions struct {
		// ScheduleToCloseTimeout bounds the total time from scheduling to
		// completion across retries.
		ScheduleToCloseTimeout time.Duration
		// HeartbeatTimeout bounds the silence between heartbeats while
		// the activity runs.
		HeartbeatTimeout time.Duration
		// RetryPolicy overrides the registered policy.
		RetryPolicy *retry.Policy
		// Kwargs are the activity's keyword arguments.
		Kwargs map[string]any
	}

	// ChildOptions carries per-call overrides for child workflows.
	ChildOptions struct {
		// Timeout bounds the child's total execution time.
		Timeout time.Duration
	}

	// Context is the replay context handed to workflow functions. Every
	// operation consumes or assigns deterministic slots and either
	// returns a cached outcome from history, records a new intent, or
	// suspends by returning ErrSuspend.
	//
	// Context is bound to a single step transaction and must not be
	// retained after the workflow function returns.
	Context struct {
		engine *Engine
		ctx    context.Context
		tx     store.Store
		exec   *store.WorkflowExecution
		hist   *history
		pos    int

		// deferred actions run after the step transaction commits
		// (e.g. cascading cancellation of a child workflow).
		deferred []func(context.Context)
	}
)

// ExecutionID returns the identifier of the running execution.
func (c *Context) ExecutionID() string { return c.exec.ID.String() }

func (c *Context) bump() int {
	p := c.pos
	c.pos++
	return p
}

// appendEvent inserts a history event and mirrors it into the step's
// snapshot.
func (c *Context) appendEvent(pos int, typ store.EventType, details map[string]any) error {
	ev := store.HistoryEvent{
		ExecutionID: c.exec.ID,
		Type:        typ,
		Pos:         pos,
		Details:     details,
		CreatedAt:   c.engine.now(),
	}
	if err := c.tx.InsertEvent(c.ctx, &ev); err != nil {
		return err
	}
	c.hist.append(ev)
	return nil
}

// appendOnce is appendEvent tolerating the uniqueness guard, for marker
// events that may already have been recorded by an earlier step.
func (c *Context) appendOnce(pos int, typ store.EventType, details map[string]any) error {
	err := c.appendEvent(pos, typ, details)
	if errors.Is(err, store.ErrDuplicateEvent) {
		return nil
	}
	return err
}

// StartActivity schedules an activity at the next deterministic slot
// and returns its handle. On replay it verifies that the recorded
// activity name and input fingerprint match the current call and
// returns the recorded handle without side effects.
func (c *Context) StartActivity(name string, opts *ActivityOptions, args ...any) (Handle, error) {
	if opts == nil {
		opts = &ActivityOptions{}
	}
	pos := c.bump()
	fp, err := fingerprint(args, opts.Kwargs)
	if err != nil {
		return 0, err
	}

	if ev := c.hist.at(pos, store.EventActivityScheduled); ev != nil {
		if got := detailString(ev.Details, "activity_name"); got != name {
			return 0, &NondeterminismError{Pos: pos, Reason: fmt.Sprintf("history scheduled activity %q, code called %q", got, name)}
		}
		if got := detailString(ev.Details, "input"); got != fp {
			return 0, &NondeterminismError{Pos: pos, Reason: fmt.Sprintf("activity %q input changed", name)}
		}
		return Handle(pos), nil
	}

	timeout := opts.ScheduleToCloseTimeout
	heartbeat := opts.HeartbeatTimeout
	policy := retry.Policy{}
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}
	if name != store.SleepActivityName {
		entry, err := c.engine.reg.activity(name)
		if err == nil {
			if timeout == 0 {
				timeout = entry.timeout
			}
			if heartbeat == 0 {
				heartbeat = entry.heartbeatTimeout
			}
			if opts.RetryPolicy == nil {
				policy = entry.retryPolicy
			}
		}
		// An unknown activity is still scheduled; the runner fails it
		// terminally so the workflow observes the error through
		// WaitActivity rather than dying mid-replay.
	}

	now := c.engine.now()
	details := map[string]any{
		"activity_name": name,
		"input":         fp,
		"retry_policy":  policy,
	}
	if timeout > 0 {
		details["timeout"] = timeout.Seconds()
	}
	if heartbeat > 0 {
		details["heartbeat_timeout"] = heartbeat.Seconds()
	}
	if err := c.appendEvent(pos, store.EventActivityScheduled, details); err != nil {
		return 0, err
	}

	after := now
	if name == store.SleepActivityName && len(args) > 0 {
		if secs, ok := asFloat(args[0]); ok {
			after = now.Add(time.Duration(secs * float64(time.Second)))
		}
	}
	task := store.ActivityTask{
		ExecutionID:      c.exec.ID,
		ActivityName:     name,
		Pos:              pos,
		Args:             args,
		Kwargs:           opts.Kwargs,
		Status:           store.TaskQueued,
		AfterTime:        after,
		MaxAttempts:      policy.MaximumAttempts,
		RetryPolicy:      policy,
		HeartbeatTimeout: heartbeat,
	}
	if timeout > 0 {
		expires := now.Add(timeout)
		task.ExpiresAt = &expires
	}
	if err := c.tx.CreateTask(c.ctx, &task); err != nil {
		return 0, err
	}
	return Handle(pos), nil
}

// WaitActivity returns the outcome of the activity at h, suspending
// when it is not ready yet.
func (c *Context) WaitActivity(h Handle) (any, error) {
	return c.waitActivity(h, true)
}

// TryWaitActivity is the non-blocking probe: it returns
// ErrWaitActivityTimeout instead of suspending when the outcome is not
// ready.
func (c *Context) TryWaitActivity(h Handle) (any, error) {
	return c.waitActivity(h, false)
}

func (c *Context) waitActivity(h Handle, suspend bool) (any, error) {
	pos := int(h)
	if ev := c.hist.lastAt(pos,
		store.EventActivityCompleted,
		store.EventActivityFailed,
		store.EventActivityTimedOut,
		store.EventActivityCanceled,
	); ev != nil {
		switch ev.Type {
		case store.EventActivityCompleted:
			return ev.Details["result"], nil
		case store.EventActivityFailed:
			return nil, &ActivityError{Message: detailError(ev.Details, store.ErrCodeActivityFailed)}
		case store.EventActivityTimedOut:
			return nil, &ActivityTimeoutError{Code: detailError(ev.Details, store.ErrCodeActivityTimeout)}
		default: // activity_canceled
			return nil, &ActivityError{Message: detailError(ev.Details, store.ErrCodeWorkflowCanceled)}
		}
	}
	if scheduled := c.hist.at(pos, store.EventActivityScheduled); scheduled != nil {
		if !suspend {
			return nil, ErrWaitActivityTimeout
		}
		if err := c.appendOnce(pos, store.EventActivityWait, map[string]any{
			"activity_name": detailString(scheduled.Details, "activity_name"),
		}); err != nil {
			return nil, err
		}
		return nil, ErrSuspend
	}
	return nil, fmt.Errorf("wait on unknown activity handle %d", pos)
}

// RunActivity schedules an activity and waits for its outcome.
func (c *Context) RunActivity(name string, opts *ActivityOptions, args ...any) (any, error) {
	h, err := c.StartActivity(name, opts, args...)
	if err != nil {
		return nil, err
	}
	return c.WaitActivity(h)
}

// Sleep suspends the workflow for at least d using a durable timer. The
// timer survives crashes: it is an internal activity whose task only
// becomes due after d elapses.
func (c *Context) Sleep(d time.Duration) error {
	_, err := c.RunActivity(store.SleepActivityName, nil, d.Seconds())
	return err
}

// WaitSignal consumes the oldest unconsumed signal with the given name,
// suspending when none is queued. Signals are consumed FIFO per name
// within an execution.
func (c *Context) WaitSignal(name string) (any, error) {
	pos := c.bump()
	if ev := c.hist.at(pos, store.EventSignalConsumed); ev != nil {
		return ev.Details["payload"], nil
	}

	consumed := make(map[int64]bool)
	for _, ev := range c.hist.events {
		if ev.Type != store.EventSignalConsumed {
			continue
		}
		if id, ok := detailInt64(ev.Details, "enqueued_id"); ok {
			consumed[id] = true
		}
	}
	for _, ev := range c.hist.events {
		if ev.Type != store.EventSignalEnqueued || detailString(ev.Details, "name") != name || consumed[ev.ID] {
			continue
		}
		payload := ev.Details["payload"]
		if err := c.appendEvent(pos, store.EventSignalConsumed, map[string]any{
			"name":        name,
			"payload":     payload,
			"enqueued_id": ev.ID,
		}); err != nil {
			return nil, err
		}
		return payload, nil
	}

	if err := c.appendOnce(pos, store.EventSignalWait, map[string]any{"name": name}); err != nil {
		return nil, err
	}
	return nil, ErrSuspend
}

// StartChildWorkflow creates a child execution at the next slot and
// returns its id. The child runs independently; the parent holds only a
// weak back-reference used to route completion events.
func (c *Context) StartChildWorkflow(name string, opts *ChildOptions, input map[string]any) (string, error) {
	if opts == nil {
		opts = &ChildOptions{}
	}
	pos := c.bump()
	if ev := c.hist.at(pos, store.EventChildWorkflowScheduled); ev != nil {
		if got := detailString(ev.Details, "workflow_name"); got != name {
			return "", &NondeterminismError{Pos: pos, Reason: fmt.Sprintf("history scheduled child %q, code called %q", got, name)}
		}
		return detailString(ev.Details, "child_id"), nil
	}

	timeout := opts.Timeout
	if entry, err := c.engine.reg.workflow(name); err == nil && timeout == 0 {
		timeout = entry.timeout
	}
	now := c.engine.now()
	child := store.WorkflowExecution{
		ID:           uuid.New(),
		WorkflowName: name,
		Input:        input,
		Status:       store.StatusPending,
		StartedAt:    now,
		ParentID:     &c.exec.ID,
		ParentPos:    &pos,
	}
	if timeout > 0 {
		expires := now.Add(timeout)
		child.ExpiresAt = &expires
	}
	if err := c.tx.CreateExecution(c.ctx, &child); err != nil {
		return "", err
	}
	if err := c.appendEvent(pos, store.EventChildWorkflowScheduled, map[string]any{
		"workflow_name": name,
		"child_id":      child.ID.String(),
		"input":         input,
	}); err != nil {
		return "", err
	}
	return child.ID.String(), nil
}

// WaitChildWorkflow returns the outcome of the child workflow,
// suspending until its completion event arrives.
func (c *Context) WaitChildWorkflow(childID string) (any, error) {
	return c.waitChild(childID, true)
}

// TryWaitChildWorkflow is the non-blocking probe: it returns
// ErrWaitWorkflowTimeout instead of suspending.
func (c *Context) TryWaitChildWorkflow(childID string) (any, error) {
	return c.waitChild(childID, false)
}

func (c *Context) waitChild(childID string, suspend bool) (any, error) {
	if ev := c.hist.lastChild(childID,
		store.EventChildWorkflowCompleted,
		store.EventChildWorkflowFailed,
		store.EventChildWorkflowCanceled,
		store.EventChildWorkflowTimedOut,
	); ev != nil {
		switch ev.Type {
		case store.EventChildWorkflowCompleted:
			return ev.Details["result"], nil
		case store.EventChildWorkflowFailed:
			msg := detailError(ev.Details, store.ErrCodeActivityFailed)
			if msg == store.ErrCodeWorkflowTimeout {
				return nil, &WorkflowTimeoutError{Message: msg}
			}
			return nil, &WorkflowError{Message: msg}
		case store.EventChildWorkflowCanceled:
			return nil, &WorkflowError{Message: detailError(ev.Details, store.ErrCodeWorkflowCanceled)}
		default: // child_workflow_timed_out
			return nil, &WorkflowTimeoutError{Message: detailError(ev.Details, store.ErrCodeWorkflowTimeout)}
		}
	}
	if scheduled := c.hist.lastChild(childID, store.EventChildWorkflowScheduled); scheduled != nil {
		if !suspend {
			return nil, ErrWaitWorkflowTimeout
		}
		if err := c.appendOnce(scheduled.Pos, store.EventChildWorkflowWait, map[string]any{"child_id": childID}); err != nil {
			return nil, err
		}
		return nil, ErrSuspend
	}
	return nil, fmt.Errorf("wait on unknown child workflow %s", childID)
}

// RunChildWorkflow starts a child workflow and waits for its outcome.
func (c *Context) RunChildWorkflow(name string, opts *ChildOptions, input map[string]any) (any, error) {
	childID, err := c.StartChildWorkflow(name, opts, input)
	if err != nil {
		return nil, err
	}
	return c.WaitChildWorkflow(childID)
}

// GetVersion records (or replays) a version decision for changeID,
// letting workflow code fork across deployments while in-flight
// histories keep replaying the logic they were recorded against.
func (c *Context) GetVersion(changeID string, version int) (int, error) {
	pos := c.bump()
	if ev := c.hist.at(pos, store.EventVersionMarker); ev != nil {
		if got := detailString(ev.Details, "change_id"); got != changeID {
			return 0, &NondeterminismError{Pos: pos, Reason: fmt.Sprintf("history recorded change %q, code asked for %q", got, changeID)}
		}
		if v, ok := detailInt64(ev.Details, "version"); ok {
			return int(v), nil
		}
		return 0, &NondeterminismError{Pos: pos, Reason: "version marker without version"}
	}
	if err := c.appendEvent(pos, store.EventVersionMarker, map[string]any{
		"change_id": changeID,
		"version":   version,
	}); err != nil {
		return 0, err
	}
	return version, nil
}

// Patched reports whether the given patch is active for this execution.
func (c *Context) Patched(changeID string) (bool, error) {
	v, err := c.GetVersion("patch:"+changeID, 1)
	return v >= 1, err
}

// DeprecatePatch reserves the patch slot so histories recorded before
// the patch was removed keep replaying consistently.
func (c *Context) DeprecatePatch(changeID string) error {
	_, err := c.GetVersion("patch:"+changeID, 1)
	return err
}

// CancelActivity cancels the activity at h. A queued task is failed
// immediately; the cancellation event makes any subsequent WaitActivity
// observe an ActivityError.
func (c *Context) CancelActivity(h Handle) error {
	pos := int(h)
	if c.hist.at(pos, store.EventActivityScheduled) == nil {
		return fmt.Errorf("cancel of unknown activity handle %d", pos)
	}
	if c.hist.lastAt(pos,
		store.EventActivityCompleted,
		store.EventActivityFailed,
		store.EventActivityTimedOut,
		store.EventActivityCanceled,
	) != nil {
		return nil // already settled
	}
	if err := c.appendOnce(pos, store.EventActivityCanceled, map[string]any{
		"error": store.ErrCodeWorkflowCanceled,
	}); err != nil {
		return err
	}
	if task, err := c.tx.TaskAt(c.ctx, c.exec.ID, pos); err == nil && task.Status == store.TaskQueued {
		now := c.engine.now()
		task.Status = store.TaskFailed
		task.Error = store.ErrCodeWorkflowCanceled
		task.FinishedAt = &now
		if err := c.tx.UpdateTask(c.ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// CancelChildWorkflow cancels the child workflow with the given id.
// The child and its own descendants are canceled after the current
// step commits; the cancellation event makes any subsequent
// WaitChildWorkflow observe a WorkflowError.
func (c *Context) CancelChildWorkflow(childID string) error {
	scheduled := c.hist.lastChild(childID, store.EventChildWorkflowScheduled)
	if scheduled == nil {
		return fmt.Errorf("cancel of unknown child workflow %s", childID)
	}
	if err := c.appendOnce(scheduled.Pos, store.EventChildWorkflowCanceled, map[string]any{
		"child_id": childID,
		"error":    store.ErrCodeWorkflowCanceled,
	}); err != nil {
		return err
	}
	id, err := uuid.Parse(childID)
	if err != nil {
		return fmt.Errorf("invalid child workflow id %q: %w", childID, err)
	}
	engine := c.engine
	c.deferred = append(c.deferred, func(ctx context.Context) {
		if err := engine.CancelWorkflow(ctx, id, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			logError(ctx, err, "cancel child workflow", "child_id", childID)
		}
	})
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
