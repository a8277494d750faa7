package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultJitterRatio = 0.2
)

type (
	// NonRetryableError marks a failure the retry decorator must surface
	// immediately regardless of its message.
	NonRetryableError struct {
		// Code is a short machine-readable failure code.
		Code string
		// Cause is the underlying error.
		Cause error
	}

	// RetryExhaustedError reports that every attempt failed.
	RetryExhaustedError struct {
		// Attempts is how many times the action executed.
		Attempts int
		// Reason summarizes why retrying stopped.
		Reason string
		// Cause is the last attempt's error.
		Cause error
	}

	// AttemptRecord describes one failed attempt, delivered through the
	// recorder hook before the backoff sleep.
	AttemptRecord struct {
		// Attempt is the 1-based attempt number.
		Attempt int
		// Err is the attempt's error.
		Err error
		// Delay is the backoff before the next attempt; zero on the final
		// attempt.
		Delay time.Duration
		// At is when the attempt failed.
		At time.Time
	}

	// RetryOptions configures NewRetry. The zero value uses the defaults
	// above with the default classifier.
	RetryOptions struct {
		// MaxAttempts bounds total executions including the first.
		MaxAttempts int
		// BaseDelay is the first backoff; each retry doubles it.
		BaseDelay time.Duration
		// MaxDelay caps the backoff.
		MaxDelay time.Duration
		// JitterRatio spreads each backoff by ±ratio to avoid retry
		// stampedes. 0.2 means the delay lands within 80% to 120% of the
		// computed backoff.
		JitterRatio float64
		// Classify reports whether an error is worth retrying. Defaults to
		// DefaultClassifier.
		Classify func(error) bool
		// Recorder observes failed attempts when non-nil.
		Recorder func(AttemptRecord)
		// Rand returns a value in [0, 1). Defaults to math/rand. Tests pin
		// it to make delays deterministic.
		Rand func() float64
		// Sleep waits between attempts. Defaults to a context-aware timer.
		Sleep func(ctx context.Context, d time.Duration) error
	}

	// Retry wraps an adapter with bounded exponential backoff.
	Retry struct {
		next Adapter
		opts RetryOptions
	}
)

// Error implements error.
func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable %s: %s", e.Code, e.Cause)
}

// Unwrap returns the underlying error.
func (e *NonRetryableError) Unwrap() error { return e.Cause }

// Error implements error.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts (%s): %s", e.Attempts, e.Reason, e.Cause)
}

// Unwrap returns the last attempt's error.
func (e *RetryExhaustedError) Unwrap() error { return e.Cause }

// NewRetry wraps next with retries per opts.
func NewRetry(next Adapter, opts RetryOptions) *Retry {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.JitterRatio < 0 || opts.JitterRatio > 1 {
		opts.JitterRatio = DefaultJitterRatio
	}
	if opts.Classify == nil {
		opts.Classify = DefaultClassifier
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Retry{next: next, opts: opts}
}

// Execute implements Adapter.
func (r *Retry) Execute(ctx context.Context, act *Action) (*Outcome, error) {
	var last error
	for attempt := 1; ; attempt++ {
		out, err := r.next.Execute(ctx, act)
		if err == nil {
			return out, nil
		}
		last = err
		if !r.opts.Classify(err) {
			r.record(attempt, err, 0)
			return nil, err
		}
		if attempt >= r.opts.MaxAttempts {
			r.record(attempt, err, 0)
			return nil, &RetryExhaustedError{Attempts: attempt, Reason: "max attempts", Cause: last}
		}
		delay := r.backoff(attempt)
		r.record(attempt, err, delay)
		if err := r.opts.Sleep(ctx, delay); err != nil {
			return nil, &RetryExhaustedError{Attempts: attempt, Reason: "canceled", Cause: last}
		}
	}
}

func (r *Retry) record(attempt int, err error, delay time.Duration) {
	if r.opts.Recorder == nil {
		return
	}
	r.opts.Recorder(AttemptRecord{Attempt: attempt, Err: err, Delay: delay, At: time.Now().UTC()})
}

// backoff doubles the base delay per attempt, caps it, then spreads it by
// the jitter ratio.
func (r *Retry) backoff(attempt int) time.Duration {
	d := r.opts.BaseDelay << (attempt - 1)
	if d > r.opts.MaxDelay || d <= 0 {
		d = r.opts.MaxDelay
	}
	if r.opts.JitterRatio > 0 {
		spread := 1 - r.opts.JitterRatio + 2*r.opts.JitterRatio*r.opts.Rand()
		d = time.Duration(float64(d) * spread)
	}
	return d
}

var httpStatusCode = regexp.MustCompile(`HTTP_(\d{3})`)

// DefaultClassifier treats throttling, server errors, and timeouts as
// retryable. An explicit NonRetryableError always wins, then an error
// implementing Retryable() bool, then the message is inspected for
// HTTP_429, HTTP_5xx, and timeout markers.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	var nre *NonRetryableError
	if errors.As(err, &nre) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	msg := err.Error()
	if m := httpStatusCode.FindStringSubmatch(msg); m != nil {
		return m[1] == "429" || m[1][0] == '5'
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
