package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialDelay(t *testing.T) {
	base := 100 * time.Millisecond
	limit := 2 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{200, 2 * time.Second},
	}
	for _, tc := range cases {
		require.Equalf(t, tc.want, ExponentialDelay(base, limit, tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestReconnectBackOffJitterBounds(t *testing.T) {
	low := NewReconnectBackOff(100*time.Millisecond, time.Second, func() float64 { return 0 })
	high := NewReconnectBackOff(100*time.Millisecond, time.Second, func() float64 { return 1 })

	for attempt := 0; attempt < 8; attempt++ {
		base := ExponentialDelay(100*time.Millisecond, time.Second, attempt)
		require.Equal(t, base, low.NextBackOff())
		require.Equal(t, base+base/2, high.NextBackOff())
	}
	require.Equal(t, 8, low.Attempt())
	require.False(t, low.LastFailure().IsZero())
}

func TestReconnectBackOffLowerBoundAfterFailures(t *testing.T) {
	base := 50 * time.Millisecond
	b := NewReconnectBackOff(base, time.Hour, nil)
	for n := 1; n <= 10; n++ {
		wait := b.NextBackOff()
		floor := base * time.Duration(1<<(n-1))
		require.GreaterOrEqualf(t, wait, floor, "after %d failures", n)
		require.LessOrEqual(t, wait, floor+floor/2)
	}
}

func TestReconnectBackOffReset(t *testing.T) {
	b := NewReconnectBackOff(10*time.Millisecond, time.Second, func() float64 { return 0 })
	b.NextBackOff()
	b.NextBackOff()
	b.Reset()
	require.Equal(t, 0, b.Attempt())
	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

func TestReconnectBackOffDefaults(t *testing.T) {
	b := NewReconnectBackOff(0, 0, func() float64 { return 5 })
	require.Equal(t, 750*time.Millisecond, b.NextBackOff(), "jitter fraction is clamped to 1")
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.False(t, sleepContext(ctx, time.Hour))
	require.Less(t, time.Since(start), time.Second)
	require.True(t, sleepContext(context.Background(), time.Millisecond))
}
