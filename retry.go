package recur

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a compare-and-swap that lost a race is
// retried before the caller sees ErrConflict.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" mapstructure:"multiplier" yaml:"multiplier"`

	// Jitter is the randomization factor in [0, 1).
	Jitter float64 `json:"jitter" mapstructure:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns 8 attempts with 2ms..100ms jittered
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0.5,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// retryCAS runs attempt until it succeeds, fails with anything other
// than ErrVersionConflict, or exhausts the policy. Exhaustion surfaces
// as ErrConflict.
func retryCAS[T any](ctx context.Context, e *Engine, op string, attempt func(ctx context.Context) (T, error)) (T, error) {
	tries := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		tries++
		v, err := attempt(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrVersionConflict) {
			e.plugins.EmitVersionConflict(ctx, op, tries)
			e.logger.Debug("compare and swap lost race", "op", op, "attempt", tries)
			return v, err
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(e.retry.backOff()),
		backoff.WithMaxTries(uint(e.retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	if errors.Is(err, ErrVersionConflict) {
		e.logger.Warn("compare and swap retries exhausted", "op", op, "attempts", tries)
		return res, fmt.Errorf("%w: %s gave up after %d attempts", ErrConflict, op, tries)
	}
	return res, err
}
