// Package retry reruns unit attempts and git mutations whose failures are
// transient, waiting a doubling, jittered delay between tries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; each later wait
	// doubles up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter spreads each wait by up to this fraction in either direction,
	// so parallel units do not retry in lockstep.
	Jitter float64
	// Retryable decides whether a failure earns another try.
	Retryable func(err error) bool
}

// UnitAttempts is the attempt budget of one pipeline unit: three tries,
// five seconds doubling to a minute.
func UnitAttempts() *Policy {
	return &Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    time.Minute,
		Jitter:      0.2,
		Retryable:   core.IsRetryable,
	}
}

// GitLock retries only index.lock contention, with short unjittered waits.
func GitLock() *Policy {
	return &Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Retryable:   func(err error) bool { return core.IsKind(err, core.KindLockContention) },
	}
}

// Option adjusts a policy built by New.
type Option func(*Policy)

func WithMaxAttempts(n int) Option { return func(p *Policy) { p.MaxAttempts = n } }

func WithBaseDelay(d time.Duration) Option { return func(p *Policy) { p.BaseDelay = d } }

func WithMaxDelay(d time.Duration) Option { return func(p *Policy) { p.MaxDelay = d } }

func WithJitter(fraction float64) Option { return func(p *Policy) { p.Jitter = fraction } }

func WithClassifier(fn func(error) bool) Option { return func(p *Policy) { p.Retryable = fn } }

// New starts from UnitAttempts and applies opts.
func New(opts ...Option) *Policy {
	p := UnitAttempts()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attempt is one try; n starts at 1.
type Attempt func(ctx context.Context, n int) error

// OnRetry observes a failed try before the wait that follows it.
type OnRetry func(n int, err error, wait time.Duration)

// Run is RunNotify without an observer.
func (p *Policy) Run(ctx context.Context, fn Attempt) error {
	return p.RunNotify(ctx, fn, nil)
}

// RunNotify calls fn until it succeeds, fails with an error Retryable
// rejects, or MaxAttempts tries have failed. The last case returns an
// *ExhaustedError. Cancellation during a wait returns ctx.Err().
func (p *Policy) RunNotify(ctx context.Context, fn Attempt, onRetry OnRetry) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = core.IsRetryable
	}

	var err error
	for n := 1; n <= p.MaxAttempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx, n); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if n == p.MaxAttempts {
			break
		}
		wait := p.Backoff(n)
		if onRetry != nil {
			onRetry(n, err, wait)
		}
		if ctxErr := sleep(ctx, wait); ctxErr != nil {
			return ctxErr
		}
	}
	return &ExhaustedError{Attempts: p.MaxAttempts, LastErr: err}
}

// Backoff returns the wait after failed try n, jitter included.
func (p *Policy) Backoff(n int) time.Duration {
	d := p.ceiling(n)
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return d
}

// ceiling is BaseDelay doubled n-1 times, capped at MaxDelay.
func (p *Policy) ceiling(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExhaustedError reports that every try failed. It unwraps to the last
// failure.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// IsExhausted reports whether err wraps an *ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
