// Package retry runs fallible operations with deterministic exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy defines how many attempts an operation gets and how long to wait
// between them.
type Policy struct {
	// Retries is the total number of attempts, including the first one.
	Retries    int           `yaml:"retries"`
	Factor     float64       `yaml:"factor"`
	MinTimeout time.Duration `yaml:"min_timeout"`
	MaxTimeout time.Duration `yaml:"max_timeout"`
}

// DefaultPolicy matches the budget used for node wallet calls.
var DefaultPolicy = Policy{
	Retries:    3,
	Factor:     2,
	MinTimeout: 1 * time.Second,
	MaxTimeout: 60 * time.Second,
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	if p.Retries == 0 {
		p.Retries = DefaultPolicy.Retries
	}
	if p.Factor == 0 {
		p.Factor = DefaultPolicy.Factor
	}
	if p.MinTimeout == 0 {
		p.MinTimeout = DefaultPolicy.MinTimeout
	}
	if p.MaxTimeout == 0 {
		p.MaxTimeout = DefaultPolicy.MaxTimeout
	}
	return p
}

// Delay returns the wait after the n-th failed attempt (n >= 1):
// min(max(MinTimeout*Factor^n, MinTimeout), MaxTimeout).
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.MinTimeout) * math.Pow(p.Factor, float64(n))
	d = math.Max(d, float64(p.MinTimeout))
	d = math.Min(d, float64(p.MaxTimeout))
	return time.Duration(d)
}

// Budget is the worst-case time spent sleeping between attempts.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	for n := 1; n < p.Retries; n++ {
		total += p.Delay(n)
	}
	return total
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err so that Do returns it without further attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

// Hook observes each failed attempt. attempt is 1-based; delay is zero when
// no further attempt will be made.
type Hook func(attempt int, err error, delay time.Duration)

// Do runs op until it succeeds, fails Retries times, returns an
// Unrecoverable error, or ctx is done. The last error is returned unchanged
// (an Unrecoverable wrapper is stripped).
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, hooks ...Hook) error {
	retries := max(p.Retries, 1)

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var u *unrecoverableError
		if errors.As(err, &u) {
			notify(hooks, attempt, u.err, 0)
			return u.err
		}

		if attempt >= retries {
			notify(hooks, attempt, err, 0)
			return err
		}

		delay := p.Delay(attempt)
		notify(hooks, attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func notify(hooks []Hook, attempt int, err error, delay time.Duration) {
	for _, h := range hooks {
		h(attempt, err, delay)
	}
}
