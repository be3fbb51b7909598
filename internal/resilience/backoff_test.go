package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff()
	b.Initial = 10 * time.Millisecond
	b.Max = 40 * time.Millisecond
	b.Multiplier = 2

	var last time.Duration
	for i := 0; i < 10; i++ {
		d := b.Next()
		require.LessOrEqual(t, d, b.Max)
		last = d
	}
	_ = last
	require.Equal(t, b.Max, b.current)
}

func TestBackoffResetRestartsSchedule(t *testing.T) {
	b := NewBackoff()
	b.Initial = 10 * time.Millisecond
	b.Max = time.Second
	b.Multiplier = 2

	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	d := b.Next()
	require.LessOrEqual(t, d, b.Initial)
}

func TestSleepRespectsContextCancellation(t *testing.T) {
	b := NewBackoff()
	b.Initial = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := b.Sleep(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
