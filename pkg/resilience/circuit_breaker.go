package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/observability"
)

// BreakerState represents the circuit breaker state
type BreakerState int

// Breaker states
const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the metric label for the state
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker parameters shared by all sources
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" mapstructure:"open_timeout"`
	MonitoringWindow time.Duration `json:"monitoring_window" mapstructure:"monitoring_window"`
}

// DefaultBreakerConfig returns the default breaker parameters
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      60 * time.Second,
		MonitoringWindow: 5 * time.Minute,
	}
}

// BreakerSnapshot is a read-only view of one source's breaker
type BreakerSnapshot struct {
	SourceID      string       `json:"source_id"`
	State         BreakerState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	NextAttemptAt time.Time    `json:"next_attempt_at,omitempty"`
	LastFailureAt time.Time    `json:"last_failure_at,omitempty"`
}

// CircuitBreaker holds one state machine per source. State mutation for a
// given source is serialized behind that source's lock; the guarded function
// itself runs outside the lock so calls to one source may overlap.
type CircuitBreaker struct {
	config BreakerConfig

	mu      sync.RWMutex
	sources map[string]*breakerEntry

	logger  observability.Logger
	metrics observability.MetricsClient

	// now is swappable for tests
	now func() time.Time
}

type breakerEntry struct {
	mu            sync.Mutex
	state         BreakerState
	failureTimes  []time.Time
	successCount  int
	nextAttemptAt time.Time
	lastFailureAt time.Time
}

// NewCircuitBreaker creates a breaker registry with the given parameters
func NewCircuitBreaker(config BreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	return &CircuitBreaker{
		config:  config,
		sources: make(map[string]*breakerEntry),
		logger:  logger.WithPrefix("breaker"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Register installs a closed breaker for a source
func (cb *CircuitBreaker) Register(sourceID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if _, ok := cb.sources[sourceID]; !ok {
		cb.sources[sourceID] = &breakerEntry{state: StateClosed}
	}
}

// Deregister removes a source's breaker
func (cb *CircuitBreaker) Deregister(sourceID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.sources, sourceID)
}

// Execute runs fn under the source's breaker. In OPEN it returns
// CircuitOpen without invoking fn; the first call at or after nextAttemptAt
// transitions to HALF_OPEN and proceeds. A cancelled call records neither
// success nor failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, sourceID string, fn func(context.Context) error) error {
	entry, err := cb.get(sourceID)
	if err != nil {
		return err
	}

	if err := cb.beforeCall(sourceID, entry); err != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker_rejections_total", 1, map[string]string{
			"source": sourceID,
		})
		return err
	}

	callErr := fn(ctx)

	if stderrors.Is(callErr, context.Canceled) || errors.IsCancelled(callErr) {
		// The call never completed its business contract; the breaker
		// must not observe it either way.
		return callErr
	}

	cb.afterCall(sourceID, entry, callErr)
	return callErr
}

// State returns the current state of a source's breaker
func (cb *CircuitBreaker) State(sourceID string) (BreakerState, error) {
	snap, err := cb.Snapshot(sourceID)
	if err != nil {
		return StateClosed, err
	}
	return snap.State, nil
}

// Snapshot returns a read-only view of a source's breaker
func (cb *CircuitBreaker) Snapshot(sourceID string) (BreakerSnapshot, error) {
	entry, err := cb.get(sourceID)
	if err != nil {
		return BreakerSnapshot{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.prune(cb.now(), cb.config.MonitoringWindow)
	return BreakerSnapshot{
		SourceID:      sourceID,
		State:         entry.state,
		FailureCount:  len(entry.failureTimes),
		SuccessCount:  entry.successCount,
		NextAttemptAt: entry.nextAttemptAt,
		LastFailureAt: entry.lastFailureAt,
	}, nil
}

// Reset forces a source's breaker back to CLOSED
func (cb *CircuitBreaker) Reset(sourceID string) error {
	entry, err := cb.get(sourceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.state = StateClosed
	entry.failureTimes = nil
	entry.successCount = 0
	entry.nextAttemptAt = time.Time{}
	cb.logger.Info("Circuit breaker manually reset", map[string]interface{}{
		"source": sourceID,
	})
	return nil
}

// ResetStuck closes breakers that have been OPEN for longer than grace past
// their nextAttemptAt. Returns the number of breakers reset.
func (cb *CircuitBreaker) ResetStuck(grace time.Duration) int {
	cb.mu.RLock()
	entries := make(map[string]*breakerEntry, len(cb.sources))
	for id, e := range cb.sources {
		entries[id] = e
	}
	cb.mu.RUnlock()

	now := cb.now()
	reset := 0
	for id, entry := range entries {
		entry.mu.Lock()
		if entry.state == StateOpen && now.Sub(entry.nextAttemptAt) > grace {
			entry.state = StateClosed
			entry.failureTimes = nil
			entry.successCount = 0
			entry.nextAttemptAt = time.Time{}
			reset++
			cb.logger.Warn("Closed stuck circuit breaker", map[string]interface{}{
				"source": id,
			})
		}
		entry.mu.Unlock()
	}
	return reset
}

// OpenCount returns the number of sources whose breaker is currently OPEN
func (cb *CircuitBreaker) OpenCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	count := 0
	for _, entry := range cb.sources {
		entry.mu.Lock()
		if entry.state == StateOpen {
			count++
		}
		entry.mu.Unlock()
	}
	return count
}

func (cb *CircuitBreaker) get(sourceID string) (*breakerEntry, error) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	entry, ok := cb.sources[sourceID]
	if !ok {
		return nil, errors.UnknownSource(sourceID)
	}
	return entry, nil
}

func (cb *CircuitBreaker) beforeCall(sourceID string, entry *breakerEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := cb.now()
	entry.prune(now, cb.config.MonitoringWindow)

	if entry.state == StateOpen {
		if now.Before(entry.nextAttemptAt) {
			return errors.CircuitOpen(sourceID, entry.nextAttemptAt)
		}
		cb.transition(sourceID, entry, StateHalfOpen)
		entry.successCount = 0
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(sourceID string, entry *breakerEntry, callErr error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := cb.now()
	if callErr != nil {
		entry.lastFailureAt = now
		switch entry.state {
		case StateClosed:
			entry.failureTimes = append(entry.failureTimes, now)
			entry.prune(now, cb.config.MonitoringWindow)
			if len(entry.failureTimes) >= cb.config.FailureThreshold {
				cb.transition(sourceID, entry, StateOpen)
				entry.nextAttemptAt = now.Add(cb.config.OpenTimeout)
				entry.failureTimes = nil
			}
		case StateHalfOpen:
			cb.transition(sourceID, entry, StateOpen)
			entry.nextAttemptAt = now.Add(cb.config.OpenTimeout)
			entry.successCount = 0
		}
		// A failure landing while OPEN (a concurrent probe lost the race)
		// only refreshes lastFailureAt.
		return
	}

	switch entry.state {
	case StateClosed:
		entry.failureTimes = nil
	case StateHalfOpen:
		entry.successCount++
		if entry.successCount >= cb.config.SuccessThreshold {
			cb.transition(sourceID, entry, StateClosed)
			entry.failureTimes = nil
			entry.successCount = 0
			entry.nextAttemptAt = time.Time{}
		}
	}
}

// transition logs and records a state change; caller holds the entry lock
func (cb *CircuitBreaker) transition(sourceID string, entry *breakerEntry, to BreakerState) {
	from := entry.state
	entry.state = to
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"source": sourceID,
		"from":   from.String(),
		"to":     to.String(),
	})
	cb.metrics.IncrementCounterWithLabels("circuit_breaker_transitions_total", 1, map[string]string{
		"source": sourceID,
		"from":   from.String(),
		"to":     to.String(),
	})
}

// prune drops failures that have aged out of the monitoring window. A
// failure exactly window old is excluded.
func (e *breakerEntry) prune(now time.Time, window time.Duration) {
	if len(e.failureTimes) == 0 {
		return
	}
	kept := e.failureTimes[:0]
	for _, t := range e.failureTimes {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	e.failureTimes = kept
}
