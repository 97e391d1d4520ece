package wait

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollReadyImmediately(t *testing.T) {
	calls := 0
	out, err := Poll(context.Background(), Options{Timeout: time.Second, Interval: 10 * time.Millisecond},
		func(ctx context.Context) (bool, error) {
			calls++
			return true, nil
		})

	require.NoError(t, err)
	assert.Equal(t, Ready, out)
	assert.Equal(t, 1, calls)
}

func TestPollReadyAfterSomeTicks(t *testing.T) {
	var calls atomic.Int32
	out, err := Poll(context.Background(), Options{Timeout: time.Second, Interval: 5 * time.Millisecond},
		func(ctx context.Context) (bool, error) {
			return calls.Add(1) >= 3, nil
		})

	require.NoError(t, err)
	assert.Equal(t, Ready, out)
	assert.EqualValues(t, 3, calls.Load())
}

func TestPollTimesOut(t *testing.T) {
	start := time.Now()
	out, err := Poll(context.Background(), Options{Timeout: 30 * time.Millisecond, Interval: 5 * time.Millisecond},
		func(ctx context.Context) (bool, error) { return false, nil })

	require.NoError(t, err)
	assert.Equal(t, TimedOut, out)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPollConditionError(t *testing.T) {
	boom := errors.New("detached frame")
	out, err := Poll(context.Background(), Options{Timeout: time.Second},
		func(ctx context.Context) (bool, error) { return false, boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, TimedOut, out)
}

func TestPollContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Poll(ctx, Options{Timeout: 5 * time.Second, Interval: 2 * time.Millisecond},
		func(ctx context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "timed_out", TimedOut.String())
}
