package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrierFailTwiceThenSucceed(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, f FileInfo) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("transient failure %d", calls)
		}
		return "done", nil
	}

	r := Retrier{Timeout: time.Second, MaxRetries: 5, BackoffBase: time.Millisecond}
	result, state, err := r.Execute(context.Background(), h, FileInfo{Name: "a.pdf"})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 3, state.Attempt)
	require.Len(t, state.History, 2, "both failures must be on record even though the run succeeded")
	assert.Equal(t, 2, state.History[0].Attempt, "history is newest-first")
	assert.Equal(t, 1, state.History[1].Attempt)
	assert.EqualError(t, state.History[0].Err, "transient failure 2")
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	boom := errors.New("endpoint down")
	h := func(ctx context.Context, f FileInfo) (string, error) { return "", boom }

	r := Retrier{Timeout: time.Second, MaxRetries: 4, BackoffBase: time.Millisecond}
	_, state, err := r.Execute(context.Background(), h, FileInfo{Name: "a.pdf"})

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, boom, "the final attempt's error stays reachable")
	assert.Contains(t, err.Error(), "after 4 attempt(s)")

	assert.Equal(t, 4, state.Attempt)
	require.Len(t, state.History, 4)
	for i, a := range state.History {
		assert.Equal(t, 4-i, a.Attempt, "history runs newest to oldest")
	}
}

func TestRetrierTimesOutHungHandler(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := func(ctx context.Context, f FileInfo) (string, error) {
		<-block // ignores ctx entirely
		return "", nil
	}

	r := Retrier{Timeout: 50 * time.Millisecond, MaxRetries: 1, BackoffBase: time.Millisecond}
	start := time.Now()
	_, state, err := r.Execute(context.Background(), h, FileInfo{Name: "slow.bin"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "the engine must not wait for the hung handler")
	require.Len(t, state.History, 1)
	assert.ErrorIs(t, state.History[0].Err, ErrHandlerTimeout)
}

func TestRetrierRecoversHandlerPanic(t *testing.T) {
	h := func(ctx context.Context, f FileInfo) (string, error) {
		panic("nil map write")
	}

	r := Retrier{Timeout: time.Second, MaxRetries: 1, BackoffBase: time.Millisecond}
	_, state, err := r.Execute(context.Background(), h, FileInfo{Name: "a.pdf"})

	require.Error(t, err)
	require.Len(t, state.History, 1)
	assert.Contains(t, state.History[0].Err.Error(), "handler panic: nil map write")
}

func TestRetrierStopsWhenCancelledDuringBackoff(t *testing.T) {
	h := func(ctx context.Context, f FileInfo) (string, error) {
		return "", errors.New("nope")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// A 10s base puts the run deep into backoff when the context expires.
	r := Retrier{Timeout: time.Second, MaxRetries: 3, BackoffBase: 10 * time.Second}
	start := time.Now()
	_, state, err := r.Execute(ctx, h, FileInfo{Name: "a.pdf"})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, state.Attempt, "only the pre-cancellation attempt ran")
	assert.Len(t, state.History, 1)
}

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, backoffDelay(base, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(base, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(base, 3))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(base, 4))
}

func TestJitterStaysInBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		j := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Millisecond)
		assert.LessOrEqual(t, j, 10*time.Millisecond)
	}
	// Tiny delays still jitter by at least a millisecond.
	assert.Equal(t, time.Millisecond, jitter(time.Millisecond))
	assert.Equal(t, time.Millisecond, jitter(0))
}
