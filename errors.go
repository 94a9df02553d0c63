package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrSuspend is the internal control-flow sentinel raised by context
	// operations that need external progress. Workflow code must
	// propagate it unchanged; the stepper catches it and parks the
	// execution until the scheduled work finishes.
	ErrSuspend = errors.New("workflow suspended")

	// ErrUnknownWorkflow indicates a workflow name with no registration.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnknownActivity indicates an activity name with no
	// registration. It is never retried.
	ErrUnknownActivity = errors.New("unknown activity")

	// ErrWaitActivityTimeout is returned by TryWaitActivity when the
	// activity outcome is not ready. It is never persisted.
	ErrWaitActivityTimeout = errors.New("activity result not ready")
	// ErrWaitWorkflowTimeout is returned by TryWaitChildWorkflow and by
	// WaitWorkflow when the poll deadline elapses. It is never
	// persisted.
	ErrWaitWorkflowTimeout = errors.New("workflow result not ready")
)

type (
	// ActivityError wraps an error propagated from a failed or canceled
	// activity, observed by WaitActivity after the retry budget is
	// exhausted.
	ActivityError struct {
		Message string
	}

	// ActivityTimeoutError indicates an activity deadline elapsed. Code
	// is the persisted cause, activity_timeout or heartbeat_timeout.
	ActivityTimeoutError struct {
		Code string
	}

	// WorkflowError indicates a workflow reached FAILED or CANCELED.
	WorkflowError struct {
		Message string
	}

	// WorkflowTimeoutError indicates a workflow reached TIMED_OUT.
	WorkflowTimeoutError struct {
		Message string
	}

	// NondeterminismError indicates history disagrees with current
	// workflow code at a replay slot. The workflow fails terminally and
	// must be fixed via GetVersion or restarted as a new execution.
	NondeterminismError struct {
		Pos    int
		Reason string
	}
)

func (e *ActivityError) Error() string { return e.Message }

func (e *ActivityTimeoutError) Error() string { return e.Code }

func (e *WorkflowError) Error() string { return e.Message }

func (e *WorkflowTimeoutError) Error() string { return e.Message }

func (e *NondeterminismError) Error() string {
	return fmt.Sprintf("nondeterminism at pos %d: %s", e.Pos, e.Reason)
}

// Typed lets activity errors declare the classification name matched
// against RetryPolicy.NonRetryableErrorTypes. Errors that do not
// implement it are classified by their concrete Go type name.
type Typed interface {
	error
	ErrorType() string
}

// errorType returns the classification name for err.
func errorType(err error) string {
	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	if errors.Is(err, ErrUnknownActivity) {
		return "UnknownActivityError"
	}
	return fmt.Sprintf("%T", err)
}
