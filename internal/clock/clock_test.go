package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealSleep(t *testing.T) {
	c := Real{}

	t.Run("completes after the duration", func(t *testing.T) {
		start := time.Now()
		err := c.Sleep(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("returns promptly on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		err := c.Sleep(ctx, 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("non-positive duration returns immediately", func(t *testing.T) {
		require.NoError(t, c.Sleep(context.Background(), 0))
	})
}

func TestFake(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	require.NoError(t, f.Sleep(context.Background(), 2*time.Second))
	f.Advance(3 * time.Second)

	assert.Equal(t, start.Add(5*time.Second), f.Now())
	assert.Equal(t, []time.Duration{2 * time.Second}, f.Slept())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Sleep(ctx, time.Second), context.Canceled)
}
