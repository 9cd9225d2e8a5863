// Package retry runs blocking calls under a bounded exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"perp-risk-agent/internal/metrics"
)

// Policy describes the retry schedule for one operation.
// Attempts made = Retries + 1.
type Policy struct {
	Retries        int
	BaseDelay      time.Duration
	MaxDelay       time.Duration // <= 0 means uncapped
	Jitter         time.Duration
	AttemptTimeout time.Duration // <= 0 means no per-attempt timeout
}

// DefaultPolicy returns the schedule used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Retries:        3,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Jitter:         100 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
	}
}

// Attempts returns the total number of calls the policy allows.
func (p Policy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// Backoff returns min(MaxDelay, BaseDelay*2^(attempt-1)) for the attempt
// (1-based) that just failed, without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Delay is Backoff plus a uniform random jitter in [0, Jitter).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Backoff(attempt)
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Stats reports what a Do call actually did.
type Stats struct {
	Attempts int
	Elapsed  time.Duration
}

// ExhaustedError is returned when every attempt failed with a retryable
// error, or the context ended between attempts.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
	Canceled bool
}

func (e *ExhaustedError) Error() string {
	if e.Canceled {
		return fmt.Sprintf("%s: canceled after %d attempt(s): %v", e.Op, e.Attempts, e.Last)
	}
	return fmt.Sprintf("%s: retries exhausted after %d attempt(s): %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// TerminalError is returned when the classifier marked an error as not
// worth retrying. No further attempts were made.
type TerminalError struct {
	Op      string
	Attempt int
	Err     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: terminal error on attempt %d: %v", e.Op, e.Attempt, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTerminal reports whether err carries a TerminalError.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// IsExhausted reports whether err carries an ExhaustedError.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// Classifier reports whether an error may succeed on a later attempt.
type Classifier func(error) bool

// NotifyFunc is called before sleeping between attempts.
type NotifyFunc func(op string, attempt int, err error, next time.Duration)

type options struct {
	retryable Classifier
	notify    NotifyFunc
}

// Option customizes a Do call.
type Option func(*options)

// WithClassifier sets the retryable/terminal classifier.
func WithClassifier(c Classifier) Option {
	return func(o *options) { o.retryable = c }
}

// WithNotify registers a callback fired before each backoff sleep.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// schedule adapts Policy to backoff.BackOff.
type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }

// Do calls fn until it succeeds, returns a terminal error, or the policy's
// attempts are used up. It never returns a bare error from fn: failures are
// *TerminalError or *ExhaustedError.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error, opts ...Option) (Stats, error) {
	o := options{retryable: defaultRetryable}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	stats := Stats{}
	var last error

	operation := func() error {
		stats.Attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if !o.retryable(err) {
			metrics.RetryAttempts.WithLabelValues(op, "terminal").Inc()
			return backoff.Permanent(&TerminalError{Op: op, Attempt: stats.Attempts, Err: err})
		}
		metrics.RetryAttempts.WithLabelValues(op, "retryable").Inc()
		return err
	}

	var b backoff.BackOff = &schedule{policy: p}
	b = backoff.WithMaxRetries(b, uint64(p.Attempts()-1))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, next time.Duration) {
		if o.notify != nil {
			o.notify(op, stats.Attempts, err, next)
		}
	}

	err := backoff.RetryNotify(operation, b, notify)
	stats.Elapsed = time.Since(start)
	if err == nil {
		metrics.RetryAttempts.WithLabelValues(op, "success").Inc()
		return stats, nil
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return stats, terminal
	}
	if last == nil {
		last = err
	}
	metrics.RetryAttempts.WithLabelValues(op, "exhausted").Inc()
	return stats, &ExhaustedError{
		Op:       op,
		Attempts: stats.Attempts,
		Last:     last,
		Canceled: ctx.Err() != nil,
	}
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error), opts ...Option) (T, Stats, error) {
	var out T
	stats, err := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, stats, err
}
