package fetch

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayExponentialMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		MaxRetries: 10,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2,
		Strategy:   StrategyExponential,
	}
	require.Equal(t, 100*time.Millisecond, p.Delay(1))
	require.Equal(t, 200*time.Millisecond, p.Delay(2))
	require.Equal(t, 400*time.Millisecond, p.Delay(3))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	require.Equal(t, 2*time.Second, p.Delay(10))
}

func TestDelayLinearAndFixed(t *testing.T) {
	t.Parallel()

	linear := RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Strategy: StrategyLinear}
	require.Equal(t, time.Second, linear.Delay(1))
	require.Equal(t, 2*time.Second, linear.Delay(2))
	require.Equal(t, 3*time.Second, linear.Delay(5))

	fixed := RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: time.Second, Strategy: StrategyFixed}
	for attempt := 1; attempt < 5; attempt++ {
		require.Equal(t, 500*time.Millisecond, fixed.Delay(attempt))
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()

	base := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true, Strategy: StrategyExponential}

	low := base.WithRand(func() float64 { return 0 })
	require.Equal(t, 500*time.Millisecond, low.Delay(1))

	high := base.WithRand(func() float64 { return 0.999999 })
	require.InDelta(t, float64(time.Second), float64(high.Delay(1)), float64(time.Millisecond))

	for i := 0; i < 200; i++ {
		d := base.Delay(3)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestDelayJitterAppliedAfterCap(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 10, Jitter: true, Strategy: StrategyExponential}.
		WithRand(func() float64 { return 0 })
	require.Equal(t, 2*time.Second, p.Delay(5))
}

func TestRetryPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultRetryPolicy().Validate())

	bad := DefaultRetryPolicy()
	bad.MaxRetries = -1
	require.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.MaxDelay = bad.BaseDelay / 2
	require.Error(t, bad.Validate())

	bad = DefaultRetryPolicy()
	bad.Strategy = "fibonacci"
	require.Error(t, bad.Validate())
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy(" Linear ")
	require.NoError(t, err)
	require.Equal(t, StrategyLinear, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyExponential, s)

	_, err = ParseStrategy("random")
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 7*time.Second, ParseRetryAfter("7", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("-3", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))

	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	require.Equal(t, 90*time.Second, ParseRetryAfter(date, now))

	past := now.Add(-time.Minute).Format(http.TimeFormat)
	require.Equal(t, time.Duration(0), ParseRetryAfter(past, now))
}
