// Package resilience bounds retries of transient I/O failures with
// exponential backoff and jitter.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/config"
)

// Policy controls how a failing operation is retried.
type Policy struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter is a fraction of the computed delay applied as ± noise.
	Jitter float64

	// Retryable overrides IsTransient when set.
	Retryable func(err error) bool

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy retries three times starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
	}
}

// PolicyFromConfig builds a Policy from the pipeline retry settings; zero
// values keep the defaults.
func PolicyFromConfig(rc config.RetryConfig) Policy {
	p := DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	if rc.Multiplier > 0 {
		p.Multiplier = rc.Multiplier
	}
	if rc.Jitter >= 0 {
		p.Jitter = rc.Jitter
	}
	return p
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or ctx is cancelled. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for operations that produce a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || attempt >= p.MaxAttempts {
			return zero, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// backoff returns the sleep before retry number attempt (1-based).
func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	delay = math.Min(delay, float64(p.MaxBackoff))

	if p.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * p.Jitter
	}
	return time.Duration(math.Max(delay, 0))
}

// LogRetries returns an OnRetry callback that logs each retry with the given fields.
func LogRetries(operation string, fields ...zap.Field) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying after transient failure",
			append([]zap.Field{
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(err),
			}, fields...)...,
		)
	}
}
