// Package worker drives durable workflow executions to completion. A
// Worker is the dispatcher: it sweeps deadlines, claims due activity
// tasks and pending workflow steps, and fans the work out to a pool of
// followers, either subprocesses of the same binary or in-process
// goroutines. Each follower executes one command at a time, so the
// dispatcher can kill a follower whose command outlived its deadline or
// whose workflow was canceled. Any number of workers may run against
// the same store; the store's conditional claims keep each unit of work
// exactly-once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	durable "github.com/grantjenks/go-durable"
	"github.com/grantjenks/go-durable/store"
)

type (
	// Worker is one dispatcher instance.
	Worker struct {
		engine    *durable.Engine
		tick      time.Duration
		batch     int
		procs     int
		iters     int
		maxTasks  int
		inProcess bool
		args      []string
		limiter   *rate.Limiter

		idle    []follower
		running []*dispatched
	}

	// dispatched tracks the single command a busy follower is
	// executing, with the deadline after which the follower is killed.
	dispatched struct {
		f        follower
		kind     string
		taskID   int64
		execID   uuid.UUID
		deadline time.Time // zero when the command has no deadline
	}

	// WorkerOption configures a Worker.
	WorkerOption func(*Worker)
)

// WithTick sets the idle poll interval.
func WithTick(d time.Duration) WorkerOption {
	return func(w *Worker) { w.tick = d }
}

// WithBatch caps how many tasks and steps one pass dispatches.
func WithBatch(n int) WorkerOption {
	return func(w *Worker) { w.batch = n }
}

// WithProcs sets the follower pool size.
func WithProcs(n int) WorkerOption {
	return func(w *Worker) { w.procs = n }
}

// WithIterations bounds the number of dispatch passes; zero runs until
// the context is canceled. Used by tests and cron-style invocations.
func WithIterations(n int) WorkerOption {
	return func(w *Worker) { w.iters = n }
}

// WithMaxFollowerTasks recycles a subprocess follower after it has
// processed this many commands.
func WithMaxFollowerTasks(n int) WorkerOption {
	return func(w *Worker) { w.maxTasks = n }
}

// WithInProcessFollowers runs followers as goroutines instead of
// subprocesses. Killing a stuck command is best-effort in this mode: it
// cancels the command's context, which a misbehaving activity may
// ignore.
func WithInProcessFollowers() WorkerOption {
	return func(w *Worker) { w.inProcess = true }
}

// WithFollowerArgs sets the argv passed when re-executing this binary
// as a subprocess follower.
func WithFollowerArgs(args ...string) WorkerOption {
	return func(w *Worker) { w.args = args }
}

// WithDispatchRate caps dispatched commands per second across the
// pool.
func WithDispatchRate(perSecond float64) WorkerOption {
	return func(w *Worker) { w.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// New constructs a Worker over the given engine.
func New(engine *durable.Engine, opts ...WorkerOption) *Worker {
	w := &Worker{
		engine:   engine,
		tick:     time.Second,
		batch:    100,
		procs:    2,
		maxTasks: 100,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes dispatch passes until the context is canceled or the
// iteration budget is spent. Each pass reaps and polices followers,
// enforces deadlines, dispatches due activities, then dispatches
// pending workflow steps.
func (w *Worker) Run(ctx context.Context) error {
	defer w.stopFollowers()
	log.Info(ctx, log.KV{K: "msg", V: "worker started"}, log.KV{K: "procs", V: w.procs}, log.KV{K: "in_process", V: w.inProcess})
	for i := 0; w.iters == 0 || i < w.iters; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		dispatched, err := w.pass(ctx)
		if err != nil {
			return err
		}
		if dispatched == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.tick):
			}
		}
	}
	return nil
}

// pass is one dispatch iteration. It returns the number of commands
// handed to followers.
func (w *Worker) pass(ctx context.Context) (int, error) {
	if err := w.reapFollowers(ctx); err != nil {
		return 0, err
	}
	if _, err := w.engine.EnforceTimeouts(ctx, w.batch); err != nil {
		return 0, fmt.Errorf("enforce timeouts: %w", err)
	}
	n, err := w.dispatchActivities(ctx)
	if err != nil {
		return n, err
	}
	steps, err := w.dispatchWorkflows(ctx)
	return n + steps, err
}

// reapFollowers settles finished commands, kills followers whose
// command deadline passed or whose workflow was canceled, drops dead
// followers, and tops the pool back up to its size. Work lost with a
// dead follower is recovered by the deadline sweeps.
func (w *Worker) reapFollowers(ctx context.Context) error {
	now := w.engine.Now()
	busy := w.running[:0]
	for _, d := range w.running {
		switch {
		case !d.f.alive():
			// follower died mid-command; sweeps recover the work
		case d.f.inflight() == 0:
			w.idle = append(w.idle, d.f)
		default:
			settled, err := w.enforceCommand(ctx, d, now)
			if err != nil {
				return err
			}
			if !settled {
				busy = append(busy, d)
			}
		}
	}
	w.running = busy

	live := w.idle[:0]
	for _, f := range w.idle {
		if f.alive() {
			live = append(live, f)
		} else {
			f.stop()
		}
	}
	w.idle = live

	for len(w.idle)+len(w.running) < w.procs {
		f, err := w.spawn(ctx)
		if err != nil {
			return err
		}
		w.idle = append(w.idle, f)
	}
	return nil
}

// enforceCommand polices one in-flight command: the follower is killed
// when the command deadline passed, when the activity's workflow was
// canceled, or when the stepped workflow (or its parent) was canceled.
// It reports whether the command was settled; a settled follower is
// gone and its replacement is spawned by the caller.
func (w *Worker) enforceCommand(ctx context.Context, d *dispatched, now time.Time) (bool, error) {
	if !d.deadline.IsZero() && !now.Before(d.deadline) {
		d.f.kill()
		log.Info(ctx, log.KV{K: "msg", V: "follower killed past deadline"}, log.KV{K: "cmd", V: d.kind})
		if d.kind == cmdActivity {
			return true, w.engine.TimeoutTask(ctx, d.taskID)
		}
		if err := w.engine.TimeoutWorkflow(ctx, d.execID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return true, err
		}
		return true, nil
	}
	if d.kind == cmdActivity {
		task, err := w.engine.Store().GetTask(ctx, d.taskID)
		if err != nil {
			return false, nil // lookup failed; recheck next pass
		}
		exec, err := w.engine.GetExecution(ctx, task.ExecutionID)
		if err != nil {
			return false, nil
		}
		if exec.Status == store.StatusCanceled {
			d.f.kill()
			return true, w.engine.CancelTask(ctx, d.taskID)
		}
		return false, nil
	}
	exec, err := w.engine.GetExecution(ctx, d.execID)
	if err != nil {
		return false, nil
	}
	canceled := exec.Status == store.StatusCanceled
	if !canceled && exec.ParentID != nil {
		parent, err := w.engine.GetExecution(ctx, *exec.ParentID)
		canceled = err == nil && parent.Status == store.StatusCanceled
	}
	if canceled {
		d.f.kill()
		return true, nil
	}
	return false, nil
}

func (w *Worker) spawn(ctx context.Context) (follower, error) {
	if w.inProcess {
		return newInprocFollower(ctx, w.engine), nil
	}
	f, err := spawnFollower(ctx, w.args, w.maxTasks)
	if err != nil {
		return nil, fmt.Errorf("spawn follower: %w", err)
	}
	return f, nil
}

func (w *Worker) popIdle() follower {
	f := w.idle[len(w.idle)-1]
	w.idle = w.idle[:len(w.idle)-1]
	return f
}

// dispatchActivities claims due tasks and hands each to its own idle
// follower. The claim happens here, in the dispatcher, so a task is
// sent to exactly one follower across all workers. The command deadline
// is the task's schedule-to-close deadline.
func (w *Worker) dispatchActivities(ctx context.Context) (int, error) {
	st := w.engine.Store()
	tasks, err := st.DueTasks(ctx, w.engine.Now(), w.batch)
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}
	n := 0
	for _, task := range tasks {
		if len(w.idle) == 0 {
			break
		}
		claimed, err := st.ClaimTask(ctx, task.ID, w.engine.Now())
		if err != nil {
			return n, fmt.Errorf("claim task %d: %w", task.ID, err)
		}
		if !claimed {
			continue
		}
		if err := w.throttle(ctx); err != nil {
			return n, err
		}
		f := w.popIdle()
		if err := f.send(command{Cmd: cmdActivity, ID: task.ID}); err != nil {
			log.Errorf(ctx, err, "dispatch activity")
			task.Status = store.TaskQueued
			if err := st.UpdateTask(ctx, task); err != nil {
				return n, fmt.Errorf("release task %d: %w", task.ID, err)
			}
			continue
		}
		d := &dispatched{f: f, kind: cmdActivity, taskID: task.ID}
		if task.ExpiresAt != nil {
			d.deadline = *task.ExpiresAt
		}
		w.running = append(w.running, d)
		w.engine.Metrics().RecordDispatch(ctx, "activity")
		n++
	}
	return n, nil
}

// dispatchWorkflows hands pending executions to idle followers. Steps
// are not claimed here: the follower's StepWorkflow takes the row lock,
// so duplicate dispatch is wasted work but never a duplicate step.
func (w *Worker) dispatchWorkflows(ctx context.Context) (int, error) {
	execs, err := w.engine.Store().PendingExecutions(ctx, w.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending executions: %w", err)
	}
	n := 0
	for _, exec := range execs {
		if len(w.idle) == 0 {
			break
		}
		if err := w.throttle(ctx); err != nil {
			return n, err
		}
		f := w.popIdle()
		if err := f.send(command{Cmd: cmdWorkflow, ID: exec.ID.String()}); err != nil {
			log.Errorf(ctx, err, "dispatch workflow step")
			continue
		}
		d := &dispatched{f: f, kind: cmdWorkflow, execID: exec.ID}
		if exec.ExpiresAt != nil {
			d.deadline = *exec.ExpiresAt
		}
		w.running = append(w.running, d)
		w.engine.Metrics().RecordDispatch(ctx, "workflow")
		n++
	}
	return n, nil
}

func (w *Worker) throttle(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}
	return w.limiter.Wait(ctx)
}

func (w *Worker) stopFollowers() {
	for _, f := range w.idle {
		f.stop()
	}
	for _, d := range w.running {
		d.f.stop()
	}
	w.idle = nil
	w.running = nil
}
