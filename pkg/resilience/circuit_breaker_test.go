package resilience

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/observability"
)

var errUpstream = fmt.Errorf("upstream unavailable")

func newTestBreaker(config BreakerConfig, start time.Time) (*CircuitBreaker, *time.Time) {
	current := start
	cb := NewCircuitBreaker(config, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	cb.now = func() time.Time { return current }
	cb.Register("src")
	return cb, &current
}

func fail(context.Context) error { return errUpstream }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	cb, _ := newTestBreaker(cfg, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(context.Background(), "src", fail))
		state, err := cb.State("src")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, state)
	}

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	state, err := cb.State("src")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestBreakerOpenRejectsWithoutCalling(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb, _ := newTestBreaker(cfg, start)

	require.Error(t, cb.Execute(context.Background(), "src", fail))

	called := false
	err := cb.Execute(context.Background(), "src", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.False(t, called)

	var typed *errors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, start.Add(time.Minute), typed.NextAttemptAt)
}

func TestBreakerHalfOpenAtBoundary(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb, current := newTestBreaker(cfg, start)

	require.Error(t, cb.Execute(context.Background(), "src", fail))

	// One instant before nextAttemptAt the probe is still rejected.
	*current = start.Add(time.Minute - time.Nanosecond)
	err := cb.Execute(context.Background(), "src", succeed)
	assert.True(t, errors.IsCircuitOpen(err))

	// Exactly at nextAttemptAt the call proceeds in HALF_OPEN.
	*current = start.Add(time.Minute)
	require.NoError(t, cb.Execute(context.Background(), "src", succeed))
	state, _ := cb.State("src")
	assert.Equal(t, StateHalfOpen, state)
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb, current := newTestBreaker(cfg, start)

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	*current = start.Add(2 * time.Minute)

	require.NoError(t, cb.Execute(context.Background(), "src", succeed))
	require.NoError(t, cb.Execute(context.Background(), "src", succeed))

	state, _ := cb.State("src")
	assert.Equal(t, StateClosed, state)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb, current := newTestBreaker(cfg, start)

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	*current = start.Add(2 * time.Minute)

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	state, _ := cb.State("src")
	assert.Equal(t, StateOpen, state)

	snap, err := cb.Snapshot("src")
	require.NoError(t, err)
	assert.Equal(t, start.Add(3*time.Minute), snap.NextAttemptAt)
}

func TestBreakerMonitoringWindowExcludesAgedFailures(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb, current := newTestBreaker(cfg, start)

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	require.Error(t, cb.Execute(context.Background(), "src", fail))

	// The first two failures are now exactly window old and no longer count.
	*current = start.Add(5 * time.Minute)
	require.Error(t, cb.Execute(context.Background(), "src", fail))
	state, _ := cb.State("src")
	assert.Equal(t, StateClosed, state)

	snap, err := cb.Snapshot("src")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.FailureCount)
}

func TestBreakerSuccessClearsClosedFailures(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	cb, _ := newTestBreaker(cfg, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	require.Error(t, cb.Execute(context.Background(), "src", fail))
	require.NoError(t, cb.Execute(context.Background(), "src", succeed))

	snap, err := cb.Snapshot("src")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestBreakerCancelledCallRecordsNothing(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	cb, _ := newTestBreaker(cfg, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	err := cb.Execute(context.Background(), "src", func(context.Context) error {
		return context.Canceled
	})
	require.Error(t, err)

	state, _ := cb.State("src")
	assert.Equal(t, StateClosed, state)
	snap, _ := cb.Snapshot("src")
	assert.Equal(t, 0, snap.FailureCount)
}

func TestBreakerResetStuck(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb, current := newTestBreaker(cfg, start)

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	assert.Equal(t, 1, cb.OpenCount())

	// Within the grace period nothing is reset.
	*current = start.Add(3 * time.Minute)
	assert.Equal(t, 0, cb.ResetStuck(5*time.Minute))

	*current = start.Add(10 * time.Minute)
	assert.Equal(t, 1, cb.ResetStuck(5*time.Minute))
	state, _ := cb.State("src")
	assert.Equal(t, StateClosed, state)
}

func TestBreakerManualReset(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Hour, MonitoringWindow: 5 * time.Minute}
	cb, _ := newTestBreaker(cfg, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	require.Error(t, cb.Execute(context.Background(), "src", fail))
	require.NoError(t, cb.Reset("src"))
	require.NoError(t, cb.Execute(context.Background(), "src", succeed))
}

func TestBreakerUnknownSource(t *testing.T) {
	cb, _ := newTestBreaker(DefaultBreakerConfig(), time.Now())
	err := cb.Execute(context.Background(), "missing", succeed)
	assert.Equal(t, errors.KindUnknownSource, errors.KindOf(err))
}

func TestBreakerConcurrentExecutes(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 50, SuccessThreshold: 1, OpenTimeout: time.Minute, MonitoringWindow: 5 * time.Minute}
	cb := NewCircuitBreaker(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	cb.Register("src")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			fn := succeed
			if i%2 == 0 {
				fn = fail
			}
			_ = cb.Execute(context.Background(), "src", fn)
		}()
	}
	wg.Wait()

	state, err := cb.State("src")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}
