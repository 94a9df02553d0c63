package durable_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/grantjenks/go-durable"
	"github.com/grantjenks/go-durable/retry"
	"github.com/grantjenks/go-durable/store"
	"github.com/grantjenks/go-durable/store/memory"
)

// clock is a controllable time source shared by an engine under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// drain pumps the engine until a pass makes no progress.
func drain(t *testing.T, e *durable.Engine) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		progressed, err := e.Pump(ctx)
		require.NoError(t, err)
		if !progressed {
			return
		}
	}
	t.Fatal("engine did not quiesce")
}

func newEngine(t *testing.T, reg *durable.Registry) (*durable.Engine, *memory.Store, *clock) {
	t.Helper()
	st := memory.New()
	clk := newClock()
	return durable.New(st, reg, durable.WithClock(clk.Now)), st, clk
}

func TestSignalGate(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("gate", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.WaitSignal("go")
	}))
	eng, _, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "gate", nil)
	require.NoError(t, err)
	drain(t, eng)

	exec, err := eng.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, exec.Status)

	require.NoError(t, eng.SignalWorkflow(ctx, id, "go", map[string]any{"n": 7}))
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 7}, result)
}

func TestSignalFIFO(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("pair", func(c *durable.Context, _ map[string]any) (any, error) {
		first, err := c.WaitSignal("item")
		if err != nil {
			return nil, err
		}
		second, err := c.WaitSignal("item")
		if err != nil {
			return nil, err
		}
		return []any{first, second}, nil
	}))
	eng, _, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "pair", nil)
	require.NoError(t, err)
	require.NoError(t, eng.SignalWorkflow(ctx, id, "item", "a"))
	require.NoError(t, eng.SignalWorkflow(ctx, id, "item", "b"))
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, result)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	var attempts int
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("flaky", func(context.Context, *durable.Activity) (any, error) {
		attempts++
		return nil, errors.New("boom")
	}, durable.WithRetryPolicy(retry.Policy{MaximumAttempts: 3, InitialInterval: 1})))
	require.NoError(t, reg.RegisterWorkflow("retries", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunActivity("flaky", nil)
	}))
	eng, _, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "retries", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		drain(t, eng)
		clk.Advance(5 * time.Second)
	}
	drain(t, eng)

	assert.Equal(t, 3, attempts)
	_, err = eng.WaitWorkflow(ctx, id, 0)
	var wfErr *durable.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Contains(t, wfErr.Message, "boom")
}

func TestNonRetryableErrorType(t *testing.T) {
	ctx := context.Background()
	var attempts int
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("fatal", func(context.Context, *durable.Activity) (any, error) {
		attempts++
		return nil, fatalError{}
	}, durable.WithRetryPolicy(retry.Policy{
		MaximumAttempts:        10,
		NonRetryableErrorTypes: []string{"FatalError"},
	})))
	require.NoError(t, reg.RegisterWorkflow("fatalwf", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunActivity("fatal", nil)
	}))
	eng, _, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "fatalwf", nil)
	require.NoError(t, err)
	drain(t, eng)
	clk.Advance(time.Minute)
	drain(t, eng)

	assert.Equal(t, 1, attempts)
	_, err = eng.WaitWorkflow(ctx, id, 0)
	var wfErr *durable.WorkflowError
	require.ErrorAs(t, err, &wfErr)
}

type fatalError struct{}

func (fatalError) Error() string     { return "unrecoverable" }
func (fatalError) ErrorType() string { return "FatalError" }

func TestScheduleToCloseTimeout(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("slow", func(context.Context, *durable.Activity) (any, error) {
		return "done", nil
	}, durable.WithActivityTimeout(5*time.Second)))
	require.NoError(t, reg.RegisterWorkflow("deadline", func(c *durable.Context, _ map[string]any) (any, error) {
		_, err := c.RunActivity("slow", nil)
		var te *durable.ActivityTimeoutError
		if errors.As(err, &te) {
			return te.Code, nil
		}
		return nil, err
	}))
	eng, _, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "deadline", nil)
	require.NoError(t, err)

	// Schedule the task but give no worker a chance to run it before
	// the schedule-to-close deadline passes. An attempt that never ran
	// has nothing to retry.
	stepped, err := eng.StepWorkflow(ctx, id)
	require.NoError(t, err)
	require.True(t, stepped)
	clk.Advance(10 * time.Second)
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, store.ErrCodeActivityTimeout, result)
}

func TestExpiredRetryIsDeferredNotTimedOut(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("flaky", func(context.Context, *durable.Activity) (any, error) {
		return nil, errors.New("transient")
	}, durable.WithActivityTimeout(5*time.Second),
		durable.WithRetryPolicy(retry.Policy{MaximumAttempts: 3, InitialInterval: 30})))
	require.NoError(t, reg.RegisterWorkflow("budgeted", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunActivity("flaky", nil)
	}))
	eng, st, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "budgeted", nil)
	require.NoError(t, err)
	drain(t, eng) // attempt 1 fails, retry parked past the deadline
	clk.Advance(10 * time.Second)

	// The deadline passed with retry budget remaining: the sweep defers
	// the parked retry instead of timing the task out.
	n, err := eng.EnforceTimeouts(ctx, 100)
	require.NoError(t, err)
	assert.Positive(t, n)

	task, err := st.TaskAt(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, task.Status)
	assert.Equal(t, store.ErrCodeActivityTimeout, task.Error)
	assert.True(t, task.AfterTime.After(clk.Now()))

	exec, err := eng.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.True(t, exec.Status.Active())
}

func TestParentChildWorkflow(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("double", func(_ context.Context, act *durable.Activity) (any, error) {
		n, _ := act.Arg(0).(float64)
		return n * 2, nil
	}))
	require.NoError(t, reg.RegisterWorkflow("child", func(c *durable.Context, input map[string]any) (any, error) {
		return c.RunActivity("double", nil, input["n"])
	}))
	require.NoError(t, reg.RegisterWorkflow("parent", func(c *durable.Context, input map[string]any) (any, error) {
		return c.RunChildWorkflow("child", nil, map[string]any{"n": input["n"]})
	}))
	eng, _, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "parent", map[string]any{"n": float64(21)})
	require.NoError(t, err)
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(42), result)
}

func TestCascadingCancel(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("leaf", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.WaitSignal("never")
	}))
	require.NoError(t, reg.RegisterWorkflow("mid", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunChildWorkflow("leaf", nil, nil)
	}))
	require.NoError(t, reg.RegisterWorkflow("root", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunChildWorkflow("mid", nil, nil)
	}))
	eng, st, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "root", nil)
	require.NoError(t, err)
	drain(t, eng)

	require.NoError(t, eng.CancelWorkflow(ctx, id, "user request"))

	parent, err := eng.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, parent.Status)
	assert.Equal(t, "Canceled: user request", parent.Error)

	// The cancellation reaches every level of the tree.
	children, err := st.Children(ctx, id)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, store.StatusCanceled, children[0].Status)
	assert.Equal(t, "Canceled: "+store.ErrCodeParentCanceled, children[0].Error)

	grandchildren, err := st.Children(ctx, children[0].ID)
	require.NoError(t, err)
	require.Len(t, grandchildren, 1)
	assert.Equal(t, store.StatusCanceled, grandchildren[0].Status)
	assert.Equal(t, "Canceled: "+store.ErrCodeParentCanceled, grandchildren[0].Error)
}

func TestHeartbeatMissRequeuesAttempt(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("pulse", func(context.Context, *durable.Activity) (any, error) {
		return "ok", nil
	}, durable.WithHeartbeatTimeout(5*time.Second),
		durable.WithRetryPolicy(retry.Policy{MaximumAttempts: 3, InitialInterval: 1})))
	require.NoError(t, reg.RegisterWorkflow("beats", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunActivity("pulse", nil)
	}))
	eng, st, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "beats", nil)
	require.NoError(t, err)

	// Step once so the task exists, then fake a worker that claimed it
	// and died without heartbeating.
	stepped, err := eng.StepWorkflow(ctx, id)
	require.NoError(t, err)
	require.True(t, stepped)
	task, err := st.TaskAt(ctx, id, 0)
	require.NoError(t, err)
	started := clk.Now()
	st.MutateTask(task.ID, func(tk *store.ActivityTask) {
		tk.Status = store.TaskRunning
		tk.Attempt = 1
		tk.StartedAt = &started
		tk.HeartbeatAt = &started
	})

	// Budget remains, so the silent attempt is requeued, not fatal.
	clk.Advance(10 * time.Second)
	n, err := eng.EnforceTimeouts(ctx, 100)
	require.NoError(t, err)
	assert.Positive(t, n)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, got.Status)
	assert.Equal(t, store.ErrCodeHeartbeatTimeout, got.Error)
	assert.True(t, got.AfterTime.After(clk.Now()))

	exec, err := eng.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.True(t, exec.Status.Active())

	// The retried attempt completes the workflow.
	clk.Advance(2 * time.Second)
	drain(t, eng)
	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestHeartbeatTimeoutFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("pulse", func(context.Context, *durable.Activity) (any, error) {
		return "ok", nil
	}, durable.WithHeartbeatTimeout(5*time.Second),
		durable.WithRetryPolicy(retry.Policy{MaximumAttempts: 1})))
	require.NoError(t, reg.RegisterWorkflow("beats", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunActivity("pulse", nil)
	}))
	eng, st, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "beats", nil)
	require.NoError(t, err)

	// Step once so the task exists, then fake a worker that claimed the
	// last allowed attempt and died without heartbeating.
	stepped, err := eng.StepWorkflow(ctx, id)
	require.NoError(t, err)
	require.True(t, stepped)
	task, err := st.TaskAt(ctx, id, 0)
	require.NoError(t, err)
	started := clk.Now()
	st.MutateTask(task.ID, func(tk *store.ActivityTask) {
		tk.Status = store.TaskRunning
		tk.Attempt = 1
		tk.StartedAt = &started
		tk.HeartbeatAt = &started
	})

	clk.Advance(10 * time.Second)
	n, err := eng.EnforceTimeouts(ctx, 100)
	require.NoError(t, err)
	assert.Positive(t, n)

	_, err = eng.WaitWorkflow(ctx, id, 0)
	var toErr *durable.WorkflowTimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, store.ErrCodeHeartbeatTimeout, toErr.Message)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskTimedOut, got.Status)
}

func TestLateResultCannotResurrectTask(t *testing.T) {
	ctx := context.Background()
	var (
		eng *durable.Engine
		st  *memory.Store
		clk *clock
	)
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("overrun", func(ctx context.Context, act *durable.Activity) (any, error) {
		// A deadline sweep fires while the attempt is still executing,
		// then the attempt tries to report success anyway.
		st.MutateTask(act.TaskID, func(tk *store.ActivityTask) {
			expired := clk.Now().Add(-time.Second)
			tk.ExpiresAt = &expired
		})
		if _, err := eng.EnforceTimeouts(ctx, 100); err != nil {
			return nil, err
		}
		return "late", nil
	}, durable.WithRetryPolicy(retry.Policy{MaximumAttempts: 1})))
	require.NoError(t, reg.RegisterWorkflow("raced", func(c *durable.Context, _ map[string]any) (any, error) {
		_, err := c.RunActivity("overrun", nil)
		if err != nil {
			var te *durable.ActivityTimeoutError
			if errors.As(err, &te) {
				return te.Code, nil
			}
			return nil, err
		}
		return nil, errors.New("late result must not win")
	}))
	eng, st, clk = newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "raced", nil)
	require.NoError(t, err)
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, store.ErrCodeActivityTimeout, result)

	task, err := st.TaskAt(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TaskTimedOut, task.Status)

	// The recorded outcome at the task's slot stays the timeout; the
	// late completion leaves no trace.
	events, err := st.ListEvents(ctx, id)
	require.NoError(t, err)
	var last store.EventType
	for _, ev := range events {
		if ev.Pos == 0 && ev.Type != store.EventWorkflowStarted {
			last = ev.Type
		}
	}
	assert.Equal(t, store.EventActivityTimedOut, last)
}

func TestWorkflowTimeout(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("stuck", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.WaitSignal("never")
	}, durable.WithWorkflowTimeout(time.Minute)))
	eng, _, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "stuck", nil)
	require.NoError(t, err)
	drain(t, eng)
	clk.Advance(2 * time.Minute)
	drain(t, eng)

	_, err = eng.WaitWorkflow(ctx, id, 0)
	var toErr *durable.WorkflowTimeoutError
	require.ErrorAs(t, err, &toErr)
}

func TestSleepTimer(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("nap", func(c *durable.Context, _ map[string]any) (any, error) {
		if err := c.Sleep(5 * time.Second); err != nil {
			return nil, err
		}
		return "rested", nil
	}))
	eng, _, clk := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "nap", nil)
	require.NoError(t, err)
	drain(t, eng)

	exec, err := eng.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, exec.Status)

	clk.Advance(6 * time.Second)
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, "rested", result)
}

func TestTryWaitActivityNotReady(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("later", func(context.Context, *durable.Activity) (any, error) {
		return "done", nil
	}))
	require.NoError(t, reg.RegisterWorkflow("peek", func(c *durable.Context, _ map[string]any) (any, error) {
		h, err := c.StartActivity("later", nil)
		if err != nil {
			return nil, err
		}
		if _, err := c.TryWaitActivity(h); errors.Is(err, durable.ErrWaitActivityTimeout) {
			return "pending", nil
		}
		return nil, errors.New("result should not be ready yet")
	}))
	eng, st, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "peek", nil)
	require.NoError(t, err)
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, "pending", result)

	// The orphaned task was failed when the workflow completed.
	task, err := st.TaskAt(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, store.ErrCodeWorkflowNotRunnable, task.Error)
}

func TestCancelActivity(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("doomed", func(context.Context, *durable.Activity) (any, error) {
		return nil, errors.New("should never run")
	}))
	require.NoError(t, reg.RegisterWorkflow("canceler", func(c *durable.Context, _ map[string]any) (any, error) {
		h, err := c.StartActivity("doomed", nil)
		if err != nil {
			return nil, err
		}
		if err := c.CancelActivity(h); err != nil {
			return nil, err
		}
		_, err = c.WaitActivity(h)
		var actErr *durable.ActivityError
		if errors.As(err, &actErr) {
			return actErr.Message, nil
		}
		return nil, errors.New("canceled activity should error")
	}))
	eng, _, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "canceler", nil)
	require.NoError(t, err)
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, store.ErrCodeWorkflowCanceled, result)
}

func TestNondeterminismDetected(t *testing.T) {
	ctx := context.Background()
	name := "first"
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("first", func(context.Context, *durable.Activity) (any, error) {
		return 1, nil
	}))
	require.NoError(t, reg.RegisterActivity("second", func(context.Context, *durable.Activity) (any, error) {
		return 2, nil
	}))
	require.NoError(t, reg.RegisterWorkflow("drift", func(c *durable.Context, _ map[string]any) (any, error) {
		if _, err := c.RunActivity(name, nil); err != nil {
			return nil, err
		}
		return c.WaitSignal("resume")
	}))
	eng, _, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "drift", nil)
	require.NoError(t, err)
	drain(t, eng)

	// Deploy "new code" that calls a different activity, then wake the
	// workflow: replay must refuse to continue.
	name = "second"
	require.NoError(t, eng.SignalWorkflow(ctx, id, "resume", nil))
	drain(t, eng)

	_, err = eng.WaitWorkflow(ctx, id, 0)
	var wfErr *durable.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Contains(t, wfErr.Message, "nondeterminism")
}

func TestVersioningPinsReplay(t *testing.T) {
	ctx := context.Background()
	version := 1
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("versioned", func(c *durable.Context, _ map[string]any) (any, error) {
		v, err := c.GetVersion("rollout", version)
		if err != nil {
			return nil, err
		}
		if _, err := c.WaitSignal("resume"); err != nil {
			return nil, err
		}
		return v, nil
	}))
	eng, _, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "versioned", nil)
	require.NoError(t, err)
	drain(t, eng)

	version = 2 // new deployment; the recorded decision must win
	require.NoError(t, eng.SignalWorkflow(ctx, id, "resume", nil))
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(1), asNumber(result))
}

func asNumber(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func TestStickyTerminality(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("done", func(*durable.Context, map[string]any) (any, error) {
		return "finished", nil
	}))
	eng, st, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "done", nil)
	require.NoError(t, err)
	drain(t, eng)

	require.NoError(t, eng.CancelWorkflow(ctx, id, "too late"))
	exec, err := eng.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)

	// A late signal is still recorded in history but never wakes the
	// terminal execution.
	require.NoError(t, eng.SignalWorkflow(ctx, id, "anything", nil))
	exec, err = eng.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)

	events, err := st.ListEvents(ctx, id)
	require.NoError(t, err)
	enqueued := false
	for _, ev := range events {
		if ev.Type == store.EventSignalEnqueued {
			enqueued = true
		}
	}
	assert.True(t, enqueued)
}

func TestUnknownActivityFailsWorkflow(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("missing", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.RunActivity("no-such-activity", nil)
	}))
	eng, _, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "missing", nil)
	require.NoError(t, err)
	drain(t, eng)

	_, err = eng.WaitWorkflow(ctx, id, 0)
	var wfErr *durable.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Contains(t, wfErr.Message, "unknown activity")
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("noop", func(context.Context, *durable.Activity) (any, error) {
		return nil, nil
	}))
	require.NoError(t, reg.RegisterWorkflow("steady", func(c *durable.Context, _ map[string]any) (any, error) {
		if _, err := c.RunActivity("noop", nil); err != nil {
			return nil, err
		}
		return c.WaitSignal("never")
	}))
	eng, st, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "steady", nil)
	require.NoError(t, err)
	drain(t, eng)

	before, err := st.ListEvents(ctx, id)
	require.NoError(t, err)

	// Wake and re-step with no new progress: replay must add nothing.
	for i := 0; i < 3; i++ {
		_, err := st.MarkPendingIfActive(ctx, id)
		require.NoError(t, err)
		stepped, err := eng.StepWorkflow(ctx, id)
		require.NoError(t, err)
		require.True(t, stepped)
	}

	after, err := st.ListEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Pos, after[i].Pos)
		assert.Equal(t, before[i].Type, after[i].Type)
	}
}

func TestCancelChildWorkflowFromParent(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterWorkflow("leaf", func(c *durable.Context, _ map[string]any) (any, error) {
		return c.WaitSignal("never")
	}))
	require.NoError(t, reg.RegisterWorkflow("impatient", func(c *durable.Context, _ map[string]any) (any, error) {
		childID, err := c.StartChildWorkflow("leaf", nil, nil)
		if err != nil {
			return nil, err
		}
		if err := c.CancelChildWorkflow(childID); err != nil {
			return nil, err
		}
		_, err = c.WaitChildWorkflow(childID)
		var wfErr *durable.WorkflowError
		if errors.As(err, &wfErr) {
			return wfErr.Message, nil
		}
		return nil, errors.New("canceled child should error")
	}))
	eng, st, _ := newEngine(t, reg)

	id, err := eng.StartWorkflow(ctx, "impatient", nil)
	require.NoError(t, err)
	drain(t, eng)

	result, err := eng.WaitWorkflow(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, store.ErrCodeWorkflowCanceled, result)

	children, err := st.Children(ctx, id)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, store.StatusCanceled, children[0].Status)
}

func TestRunWorkflowInline(t *testing.T) {
	ctx := context.Background()
	reg := durable.NewRegistry()
	require.NoError(t, reg.RegisterActivity("echo", func(_ context.Context, act *durable.Activity) (any, error) {
		return act.Kwarg("msg"), nil
	}))
	require.NoError(t, reg.RegisterWorkflow("inline", func(c *durable.Context, input map[string]any) (any, error) {
		return c.RunActivity("echo", &durable.ActivityOptions{Kwargs: map[string]any{"msg": input["msg"]}})
	}))
	st := memory.New()
	eng := durable.New(st, reg)

	result, err := eng.RunWorkflow(ctx, "inline", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}
