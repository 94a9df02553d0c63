// Package retry computes activity retry delays from declarative policies.
//
// A Policy is attached to an activity at registration time, persisted on
// every scheduled task, and consulted by the dispatcher and the activity
// runner whenever an attempt fails. Backoff is a pure function of the
// policy and the attempt number so that every process computes the same
// delay for the same failure.
package retry

import (
	"math"
	"math/rand/v2"
)

// Strategy selects how successive retry intervals grow.
type Strategy string

const (
	// StrategyExponential multiplies the initial interval by
	// backoff_coefficient^(attempt-1).
	StrategyExponential Strategy = "exponential"
	// StrategyLinear multiplies the initial interval by the attempt number.
	StrategyLinear Strategy = "linear"
)

// Default policy values, applied by WithDefaults when a field is unset.
const (
	DefaultInitialInterval    = 1.0
	DefaultBackoffCoefficient = 2.0
	DefaultMaximumInterval    = 60.0
)

// Policy controls retry behavior for activities. All intervals are in
// seconds; the zero value of a field means "use the default". The JSON
// encoding is the persisted form stored on each ActivityTask.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval float64 `json:"initial_interval,omitempty"`
	// BackoffCoefficient is the exponential growth factor.
	BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`
	// MaximumInterval clamps the computed delay. Zero means the default
	// clamp; a negative value disables clamping.
	MaximumInterval float64 `json:"maximum_interval,omitempty"`
	// MaximumAttempts bounds the total number of attempts. Zero means
	// unlimited.
	MaximumAttempts int `json:"maximum_attempts,omitempty"`
	// Jitter adds uniform(-j*d, +j*d) randomness to the computed delay d,
	// expressed as a fraction in [0, 1].
	Jitter float64 `json:"jitter,omitempty"`
	// Strategy selects exponential (default) or linear growth.
	Strategy Strategy `json:"strategy,omitempty"`
	// NonRetryableErrorTypes lists error classifications that terminate
	// retrying immediately.
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty"`
}

// WithDefaults returns a copy of p with unset fields replaced by the
// package defaults.
func (p Policy) WithDefaults() Policy {
	if p.InitialInterval == 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.BackoffCoefficient == 0 {
		p.BackoffCoefficient = DefaultBackoffCoefficient
	}
	if p.MaximumInterval == 0 {
		p.MaximumInterval = DefaultMaximumInterval
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	return p
}

// NonRetryable reports whether the given error type name is excluded
// from retrying by the policy.
func (p Policy) NonRetryable(errType string) bool {
	for _, t := range p.NonRetryableErrorTypes {
		if t == errType {
			return true
		}
	}
	return false
}

// Exhausted reports whether the given 1-based attempt count has consumed
// the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaximumAttempts > 0 && attempt >= p.MaximumAttempts
}

// Backoff computes the delay in seconds before the next retry. attempt
// is the 1-based index of the attempt that just failed. The result is
// never negative.
func Backoff(p Policy, attempt int) float64 {
	p = p.WithDefaults()
	var interval float64
	if p.Strategy == StrategyLinear {
		interval = p.InitialInterval * float64(attempt)
	} else {
		interval = p.InitialInterval * math.Pow(p.BackoffCoefficient, math.Max(0, float64(attempt-1)))
	}
	if p.MaximumInterval > 0 {
		interval = math.Min(interval, p.MaximumInterval)
	}
	if p.Jitter > 0 {
		delta := interval * p.Jitter
		interval += rand.Float64()*2*delta - delta
	}
	return math.Max(interval, 0)
}
