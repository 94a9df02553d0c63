// Package durable is a durable workflow execution engine backed by a
// relational store. Workflow functions are ordinary Go code that
// schedule activities, timers, signals and child workflows through a
// replay Context; the engine guarantees forward progress across process
// crashes by replaying each workflow deterministically over its
// append-only history.
//
// # Model
//
// A workflow function must be deterministic: every interaction with the
// outside world goes through the Context, which assigns each call a
// monotonically increasing slot (pos). On the first pass a call records
// its intent in history and schedules durable work; on replay the same
// call finds the recorded event at the same slot and returns the cached
// outcome. A call whose outcome is not ready yet returns ErrSuspend,
// which workflow code propagates and the stepper catches: the execution
// parks until a dispatcher observes new progress and steps it again.
//
// Activities are side-effectful functions executed at most once per
// (execution, pos) per attempt, retried per policy, heartbeated for
// liveness and bounded by schedule-to-close deadlines. See the worker
// package for the dispatcher that drives executions and the store
// subpackages for persistence backends.
//
// # Usage
//
//	reg := durable.NewRegistry()
//	reg.RegisterActivity("charge", charge, durable.WithRetryPolicy(retry.Policy{MaximumAttempts: 3}))
//	reg.RegisterWorkflow("order", orderWorkflow)
//
//	eng := durable.New(st, reg)
//	id, _ := eng.StartWorkflow(ctx, "order", map[string]any{"sku": "a-1"})
//	result, _ := eng.WaitWorkflow(ctx, id, durable.NoTimeout)
package durable

import (
	"time"

	"github.com/grantjenks/go-durable/store"
	"github.com/grantjenks/go-durable/telemetry"
)

type (
	// Engine binds a store and a registry into the full engine surface:
	// the public API (StartWorkflow, SignalWorkflow, CancelWorkflow,
	// WaitWorkflow), the stepper and the activity runner used by
	// workers, and the timeout transitions enforced by dispatchers.
	//
	// Engine is stateless apart from its configuration; every instance
	// observing the same store cooperates with every other, in this
	// process or elsewhere.
	Engine struct {
		store   store.Store
		reg     *Registry
		now     func() time.Time
		metrics *telemetry.Metrics
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithClock overrides the engine's wall-clock source. Tests use it to
// drive deadlines without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics overrides the telemetry recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine over the given store and registry.
func New(s store.Store, reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		reg:     reg,
		now:     time.Now,
		metrics: telemetry.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store to collaborators such as the
// worker dispatcher.
func (e *Engine) Store() store.Store { return e.store }

// Now returns the engine's current wall-clock time.
func (e *Engine) Now() time.Time { return e.now() }

// Metrics exposes the telemetry recorder to collaborators such as the
// worker dispatcher.
func (e *Engine) Metrics() *telemetry.Metrics { return e.metrics }
