package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrHandlerTimeout marks an attempt that outlived its deadline.
var ErrHandlerTimeout = errors.New("handler timed out")

// Attempt records one failed handler invocation.
type Attempt struct {
	Attempt int
	At      time.Time
	Err     error
}

// RetryState is the full account of an execution: how many attempts ran,
// under which policy, and what each failure looked like. History is kept
// newest-first.
type RetryState struct {
	File        FileInfo
	Attempt     int
	MaxRetries  int
	BackoffBase time.Duration
	History     []Attempt
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	State RetryState
}

func (e *ExhaustedError) Error() string {
	if len(e.State.History) == 0 {
		return fmt.Sprintf("handler failed after %d attempt(s)", e.State.Attempt)
	}
	return fmt.Sprintf("handler failed after %d attempt(s): %v", e.State.Attempt, e.State.History[0].Err)
}

// Unwrap exposes the final attempt's error so callers can errors.Is against
// it (for example ErrHandlerTimeout).
func (e *ExhaustedError) Unwrap() error {
	if len(e.State.History) == 0 {
		return nil
	}
	return e.State.History[0].Err
}

// Retrier runs untrusted handlers under a per-attempt deadline with
// exponential backoff between attempts. MaxRetries is the total attempt
// count: 1 means a single try, no retry.
type Retrier struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
}

// Execute runs the handler until it succeeds or attempts are exhausted.
// The returned state always reflects what actually ran; on failure the
// error is an *ExhaustedError carrying the same state.
func (r Retrier) Execute(ctx context.Context, h HandlerFunc, file FileInfo) (string, RetryState, error) {
	attempts := r.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	base := r.BackoffBase
	if base <= 0 {
		base = time.Second
	}

	state := RetryState{File: file, MaxRetries: attempts, BackoffBase: base}
	for attempt := 1; attempt <= attempts; attempt++ {
		state.Attempt = attempt
		result, err := runAttempt(ctx, h, file, timeout)
		if err == nil {
			return result, state, nil
		}
		state.History = append([]Attempt{{Attempt: attempt, At: time.Now(), Err: err}}, state.History...)
		if attempt == attempts {
			break
		}

		delay := backoffDelay(base, attempt)
		select {
		case <-time.After(delay + jitter(delay)):
		case <-ctx.Done():
			// Cancelled mid-backoff: stop early and report the attempts
			// that did run.
			return "", state, &ExhaustedError{State: state}
		}
	}
	return "", state, &ExhaustedError{State: state}
}

// runAttempt invokes the handler in its own goroutine so a hung handler
// cannot wedge the engine. On deadline the goroutine is abandoned; the
// cancelled context tells it to stop if it is listening.
func runAttempt(ctx context.Context, h HandlerFunc, file FileInfo, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if p := recover(); p != nil {
				out = outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
			done <- out
		}()
		out.result, out.err = h(attemptCtx, file)
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		return "", fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
	}
}

// backoffDelay doubles the base per completed attempt: base, 2x, 4x, ...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 32 {
		attempt = 32
	}
	return base << uint(attempt-1)
}

// jitter draws uniformly from [1ms, max(1ms, 10% of delay)] so engines
// retrying against the same endpoint do not fall into lockstep.
func jitter(delay time.Duration) time.Duration {
	span := int64(math.Round(float64(delay.Milliseconds()) * 0.10))
	if span < 1 {
		span = 1
	}
	return time.Duration(1+rand.Int63n(span)) * time.Millisecond
}
