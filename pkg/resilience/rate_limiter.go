// Package resilience holds the per-source guards of the core: the windowed
// rate limiter and the circuit breaker. All mutable state is per source and
// serialized behind per-source locks; other components only see snapshots.
package resilience

import (
	"sync"
	"time"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
)

// Remaining reports unused budget in each window
type Remaining struct {
	PerSecond int `json:"per_second"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// RateLimiter enforces per-source budgets over three fixed windows aligned
// to UTC wall-clock seconds, hours, and days. Acquisition is atomic across
// the windows: either all three are consumed or none is.
type RateLimiter struct {
	mu      sync.RWMutex
	sources map[string]*sourceWindows

	logger  observability.Logger
	metrics observability.MetricsClient

	// now is swappable for tests
	now func() time.Time
}

type window struct {
	start time.Time
	count int
}

type sourceWindows struct {
	mu     sync.Mutex
	limits models.RateLimit
	second window
	hour   window
	day    window
}

// NewRateLimiter creates an empty rate limiter
func NewRateLimiter(logger observability.Logger, metrics observability.MetricsClient) *RateLimiter {
	return &RateLimiter{
		sources: make(map[string]*sourceWindows),
		logger:  logger.WithPrefix("ratelimiter"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Register installs the budget for a source. Limits of zero or below mean
// the corresponding window is unenforced.
func (rl *RateLimiter) Register(sourceID string, limits models.RateLimit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if existing, ok := rl.sources[sourceID]; ok {
		existing.mu.Lock()
		existing.limits = limits
		existing.mu.Unlock()
		return
	}
	rl.sources[sourceID] = &sourceWindows{limits: limits}
}

// Deregister removes a source's budget state
func (rl *RateLimiter) Deregister(sourceID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.sources, sourceID)
}

// Acquire consumes one request from every window of the source. If any
// window is saturated nothing is consumed and the returned error carries the
// earliest reset among the saturated windows.
func (rl *RateLimiter) Acquire(sourceID string) error {
	sw, err := rl.get(sourceID)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := rl.now().UTC()
	sw.roll(now)

	var earliestReset time.Time
	saturated := false
	check := func(w *window, limit int, length time.Duration) {
		if limit <= 0 || w.count < limit {
			return
		}
		reset := w.start.Add(length)
		if !saturated || reset.Before(earliestReset) {
			earliestReset = reset
		}
		saturated = true
	}
	check(&sw.second, sw.limits.RequestsPerSecond, time.Second)
	check(&sw.hour, sw.limits.RequestsPerHour, time.Hour)
	check(&sw.day, sw.limits.RequestsPerDay, 24*time.Hour)

	if saturated {
		retryAfter := earliestReset.Sub(now)
		rl.metrics.IncrementCounterWithLabels("rate_limit_rejections_total", 1, map[string]string{
			"source": sourceID,
		})
		return errors.RateLimitExceeded(sourceID, retryAfter)
	}

	sw.second.count++
	sw.hour.count++
	sw.day.count++
	return nil
}

// Remaining reports the unused budget of the source in each window. A
// negative value means the window is unenforced.
func (rl *RateLimiter) Remaining(sourceID string) (Remaining, error) {
	sw, err := rl.get(sourceID)
	if err != nil {
		return Remaining{}, err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.roll(rl.now().UTC())

	left := func(limit, count int) int {
		if limit <= 0 {
			return -1
		}
		if count >= limit {
			return 0
		}
		return limit - count
	}
	return Remaining{
		PerSecond: left(sw.limits.RequestsPerSecond, sw.second.count),
		PerHour:   left(sw.limits.RequestsPerHour, sw.hour.count),
		PerDay:    left(sw.limits.RequestsPerDay, sw.day.count),
	}, nil
}

func (rl *RateLimiter) get(sourceID string) (*sourceWindows, error) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	sw, ok := rl.sources[sourceID]
	if !ok {
		return nil, errors.UnknownSource(sourceID)
	}
	return sw, nil
}

// roll resets any window whose wall-clock boundary has passed. Truncation
// against the epoch aligns the day window to UTC midnight.
func (sw *sourceWindows) roll(now time.Time) {
	if second := now.Truncate(time.Second); !second.Equal(sw.second.start) {
		sw.second = window{start: second}
	}
	if hour := now.Truncate(time.Hour); !hour.Equal(sw.hour.start) {
		sw.hour = window{start: hour}
	}
	if day := now.Truncate(24 * time.Hour); !day.Equal(sw.day.start) {
		sw.day = window{start: day}
	}
}
