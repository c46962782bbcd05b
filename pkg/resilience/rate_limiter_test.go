package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
)

func newTestLimiter(start time.Time) (*RateLimiter, *time.Time) {
	current := start
	rl := NewRateLimiter(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	rl.now = func() time.Time { return current }
	return rl, &current
}

func TestRateLimiterAcquireWithinLimits(t *testing.T) {
	rl, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rl.Register("src", models.RateLimit{RequestsPerSecond: 5, RequestsPerHour: 100, RequestsPerDay: 1000})

	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Acquire("src"))
	}
}

func TestRateLimiterSecondWindowSaturation(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 200*int(time.Millisecond), time.UTC)
	rl, current := newTestLimiter(start)
	rl.Register("src", models.RateLimit{RequestsPerSecond: 2})

	require.NoError(t, rl.Acquire("src"))
	require.NoError(t, rl.Acquire("src"))

	err := rl.Acquire("src")
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))

	var typed *errors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "src", typed.SourceID)
	assert.Equal(t, 800*time.Millisecond, typed.RetryAfter)

	// The window boundary admits requests again.
	*current = start.Add(time.Second)
	require.NoError(t, rl.Acquire("src"))
}

func TestRateLimiterNothingConsumedOnRejection(t *testing.T) {
	rl, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rl.Register("src", models.RateLimit{RequestsPerSecond: 1, RequestsPerHour: 10})

	require.NoError(t, rl.Acquire("src"))
	require.Error(t, rl.Acquire("src"))

	remaining, err := rl.Remaining("src")
	require.NoError(t, err)
	assert.Equal(t, 9, remaining.PerHour)
}

func TestRateLimiterEarliestResetWins(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	rl, _ := newTestLimiter(start)
	rl.Register("src", models.RateLimit{RequestsPerSecond: 1, RequestsPerHour: 1})

	require.NoError(t, rl.Acquire("src"))
	err := rl.Acquire("src")
	require.Error(t, err)

	var typed *errors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, time.Second, typed.RetryAfter)
}

func TestRateLimiterHourStillSaturatedAfterSecondRolls(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	rl, current := newTestLimiter(start)
	rl.Register("src", models.RateLimit{RequestsPerSecond: 10, RequestsPerHour: 1})

	require.NoError(t, rl.Acquire("src"))
	*current = start.Add(5 * time.Second)

	err := rl.Acquire("src")
	require.Error(t, err)
	var typed *errors.Error
	require.ErrorAs(t, err, &typed)
	// Hour window started at 12:00; reset at 13:00, 29m55s from 12:30:05.
	assert.Equal(t, 29*time.Minute+55*time.Second, typed.RetryAfter)

	*current = time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, rl.Acquire("src"))
}

func TestRateLimiterDayWindowAlignedToUTCMidnight(t *testing.T) {
	start := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	rl, current := newTestLimiter(start)
	rl.Register("src", models.RateLimit{RequestsPerDay: 1})

	require.NoError(t, rl.Acquire("src"))
	require.Error(t, rl.Acquire("src"))

	*current = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, rl.Acquire("src"))
}

func TestRateLimiterUnenforcedWindows(t *testing.T) {
	rl, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rl.Register("src", models.RateLimit{})

	for i := 0; i < 100; i++ {
		require.NoError(t, rl.Acquire("src"))
	}
	remaining, err := rl.Remaining("src")
	require.NoError(t, err)
	assert.Equal(t, -1, remaining.PerSecond)
	assert.Equal(t, -1, remaining.PerHour)
	assert.Equal(t, -1, remaining.PerDay)
}

func TestRateLimiterUnknownSource(t *testing.T) {
	rl, _ := newTestLimiter(time.Now())
	err := rl.Acquire("missing")
	require.Error(t, err)
	assert.Equal(t, errors.KindUnknownSource, errors.KindOf(err))
}

func TestRateLimiterDeregister(t *testing.T) {
	rl, _ := newTestLimiter(time.Now())
	rl.Register("src", models.RateLimit{RequestsPerSecond: 1})
	rl.Deregister("src")
	err := rl.Acquire("src")
	assert.Equal(t, errors.KindUnknownSource, errors.KindOf(err))
}

func TestRateLimiterReRegisterUpdatesLimits(t *testing.T) {
	rl, _ := newTestLimiter(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rl.Register("src", models.RateLimit{RequestsPerSecond: 1})
	require.NoError(t, rl.Acquire("src"))
	require.Error(t, rl.Acquire("src"))

	rl.Register("src", models.RateLimit{RequestsPerSecond: 5})
	require.NoError(t, rl.Acquire("src"))
}
