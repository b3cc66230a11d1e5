package graph

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// RetryCondition determines whether an error is retryable.
type RetryCondition interface {
	Match(err error) bool
}

// RetryConditionFunc is an adapter to allow the use of
// ordinary functions as RetryCondition.
type RetryConditionFunc func(error) bool

// Match calls f(err).
func (f RetryConditionFunc) Match(err error) bool { return f(err) }

// RetryPolicy defines per-node retry configuration. A node may carry
// several policies; they are consulted in order and the first whose
// condition matches the failure governs the decision.
// Attempts are counted inclusive of the first try. For example,
// MaxAttempts=3 means 1 initial try + up to 2 retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	Jitter          bool
	RetryOn         []RetryCondition

	// Optional total time budget across retries; 0 to disable.
	MaxElapsedTime time.Duration
	// Optional per-attempt timeout override; 0 to use the step timeout.
	PerAttemptTimeout time.Duration
}

// NextDelay returns the backoff delay before the next retry. attempt
// starts at 1 for the first try. The base delay grows by BackoffFactor
// per attempt, clamps to MaxInterval, and with Jitter enabled is scaled
// by a uniform factor in [0.5, 1.5) so synchronized retries spread out.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	delay := float64(p.InitialInterval)
	if attempt > 1 {
		delay *= math.Pow(factor, float64(attempt-1))
	}
	if p.MaxInterval > 0 {
		delay = math.Min(delay, float64(p.MaxInterval))
	}
	if p.Jitter && delay > 0 {
		delay *= jitterMultiplier()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// jitterMultiplier draws a uniform factor in [0.5, 1.5). crypto/rand
// avoids a shared seeded source.
func jitterMultiplier() float64 {
	const resolution = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(resolution))
	if err != nil {
		return 1.0
	}
	return 0.5 + float64(n.Int64())/float64(resolution)
}

// ShouldRetry reports whether the given error matches any of the policy's conditions.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if len(p.RetryOn) == 0 {
		return false
	}
	for _, cond := range p.RetryOn {
		if cond != nil && cond.Match(err) {
			return true
		}
	}
	return false
}

// RetryOnErrors creates a condition that matches when errors.Is(err, any target).
func RetryOnErrors(targets ...error) RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		for _, t := range targets {
			if t == nil {
				continue
			}
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	})
}

// RetryOnPredicate creates a condition that defers matching to the provided function.
func RetryOnPredicate(match func(error) bool) RetryCondition {
	return RetryConditionFunc(func(err error) bool { return match(err) })
}

// DefaultTransientCondition matches common transient errors worthy of retry:
// - context.DeadlineExceeded
// - net.Error with Timeout() or Temporary()
func DefaultTransientCondition() RetryCondition {
	return RetryConditionFunc(func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) {
			if ne.Timeout() {
				return true
			}
			// Temporary() is deprecated but widely implemented
			// so still consider it when available.
			if ne.Temporary() {
				return true
			}
		}
		return false
	})
}

// WithSimpleRetry is a convenience constructor for a basic retry policy:
// attempts as given, initial=500ms, factor=2.0, max=8s, jitter on,
// retrying on DefaultTransientCondition.
func WithSimpleRetry(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     8 * time.Second,
		Jitter:          true,
		RetryOn:         []RetryCondition{DefaultTransientCondition()},
	}
}
