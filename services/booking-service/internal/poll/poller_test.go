package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitSettlesImmediately(t *testing.T) {
	w := Waiter{Interval: time.Hour, Attempts: 3}
	calls := 0
	result, done, err := w.Wait(context.Background(), func(context.Context) (any, bool, error) {
		calls++
		return "settled", true, nil
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "settled", result)
	assert.Equal(t, 1, calls)
}

func TestWaitRetriesUntilDone(t *testing.T) {
	w := Waiter{Interval: time.Millisecond, Attempts: 10}
	calls := 0
	_, done, err := w.Wait(context.Background(), func(context.Context) (any, bool, error) {
		calls++
		return nil, calls >= 3, nil
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 3, calls)
}

func TestWaitGivesUpAfterAttempts(t *testing.T) {
	w := Waiter{Interval: time.Millisecond, Attempts: 4}
	calls := 0
	_, done, err := w.Wait(context.Background(), func(context.Context) (any, bool, error) {
		calls++
		return nil, false, nil
	})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 4, calls)
}

func TestWaitStopsOnError(t *testing.T) {
	w := Waiter{Interval: time.Millisecond, Attempts: 10}
	boom := errors.New("boom")
	calls := 0
	_, done, err := w.Wait(context.Background(), func(context.Context) (any, bool, error) {
		calls++
		if calls == 2 {
			return nil, false, boom
		}
		return nil, false, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, done)
	assert.Equal(t, 2, calls)
}

func TestWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := Waiter{Interval: time.Hour, Attempts: 10}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, done, err := w.Wait(ctx, func(context.Context) (any, bool, error) {
		return nil, false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, done)
}
