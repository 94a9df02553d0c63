package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grantjenks/go-durable/retry"
)

type (
	// WorkflowFunc is a deterministic workflow body. It orchestrates
	// activities, timers, signals and child workflows exclusively
	// through ctx and must produce the same sequence of context calls on
	// every replay of the same history. Input and result values must be
	// JSON-serialisable.
	WorkflowFunc func(ctx *Context, input map[string]any) (any, error)

	// ActivityFunc is a side-effectful activity body. It may perform
	// arbitrary I/O and should call act.Heartbeat from long-running
	// loops when a heartbeat timeout is declared.
	ActivityFunc func(ctx context.Context, act *Activity) (any, error)

	// Activity carries one activity invocation: its decoded input and
	// the binding used to heartbeat the underlying task. The binding is
	// scoped to this invocation only.
	Activity struct {
		TaskID      int64
		ExecutionID uuid.UUID
		Name        string
		Args        []any
		Kwargs      map[string]any
		Attempt     int

		engine *Engine
	}

	workflowEntry struct {
		name    string
		fn      WorkflowFunc
		timeout time.Duration
	}

	activityEntry struct {
		name             string
		fn               ActivityFunc
		timeout          time.Duration
		heartbeatTimeout time.Duration
		retryPolicy      retry.Policy
	}

	// WorkflowOption configures a workflow registration.
	WorkflowOption func(*workflowEntry)

	// ActivityOption configures an activity registration.
	ActivityOption func(*activityEntry)

	// Registry maps workflow and activity names to their callables and
	// default policies. Registration happens once at startup; lookups
	// are read-only afterwards, so no locking is needed.
	Registry struct {
		workflows  map[string]workflowEntry
		activities map[string]activityEntry
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]workflowEntry),
		activities: make(map[string]activityEntry),
	}
}

// WithWorkflowTimeout sets the default execution deadline applied when
// StartWorkflow is not given an explicit timeout.
func WithWorkflowTimeout(d time.Duration) WorkflowOption {
	return func(e *workflowEntry) { e.timeout = d }
}

// WithActivityTimeout sets the default schedule-to-close deadline.
func WithActivityTimeout(d time.Duration) ActivityOption {
	return func(e *activityEntry) { e.timeout = d }
}

// WithHeartbeatTimeout sets the default heartbeat staleness budget.
func WithHeartbeatTimeout(d time.Duration) ActivityOption {
	return func(e *activityEntry) { e.heartbeatTimeout = d }
}

// WithRetryPolicy sets the default retry policy.
func WithRetryPolicy(p retry.Policy) ActivityOption {
	return func(e *activityEntry) { e.retryPolicy = p }
}

// RegisterWorkflow registers a workflow function under name.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc, opts ...WorkflowOption) error {
	if name == "" || fn == nil {
		return fmt.Errorf("invalid workflow registration %q", name)
	}
	if _, dup := r.workflows[name]; dup {
		return fmt.Errorf("workflow %q already registered", name)
	}
	entry := workflowEntry{name: name, fn: fn}
	for _, opt := range opts {
		opt(&entry)
	}
	r.workflows[name] = entry
	return nil
}

// RegisterActivity registers an activity function under name.
func (r *Registry) RegisterActivity(name string, fn ActivityFunc, opts ...ActivityOption) error {
	if name == "" || fn == nil {
		return fmt.Errorf("invalid activity registration %q", name)
	}
	if _, dup := r.activities[name]; dup {
		return fmt.Errorf("activity %q already registered", name)
	}
	entry := activityEntry{name: name, fn: fn}
	for _, opt := range opts {
		opt(&entry)
	}
	r.activities[name] = entry
	return nil
}

func (r *Registry) workflow(name string) (workflowEntry, error) {
	e, ok := r.workflows[name]
	if !ok {
		return workflowEntry{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return e, nil
}

func (r *Registry) activity(name string) (activityEntry, error) {
	e, ok := r.activities[name]
	if !ok {
		return activityEntry{}, fmt.Errorf("%w: %s", ErrUnknownActivity, name)
	}
	return e, nil
}

// Heartbeat records liveness for the task bound to this invocation and
// optionally replaces its heartbeat details.
func (a *Activity) Heartbeat(ctx context.Context, details any) error {
	return a.engine.store.UpdateHeartbeat(ctx, a.TaskID, a.engine.now(), details)
}

// Arg returns the i-th positional argument, or nil when absent.
func (a *Activity) Arg(i int) any {
	if i < 0 || i >= len(a.Args) {
		return nil
	}
	return a.Args[i]
}

// Kwarg returns the named keyword argument, or nil when absent.
func (a *Activity) Kwarg(name string) any {
	return a.Kwargs[name]
}
