// Package core is the resilience orchestrator: it owns source registration
// and routes data requests across sources with rate limiting, circuit
// breaking, retries, failover, and fusion applied in that order.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openwatt/datamesh/pkg/adapters"
	"github.com/openwatt/datamesh/pkg/compliance"
	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/feeds"
	"github.com/openwatt/datamesh/pkg/fusion"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
	"github.com/openwatt/datamesh/pkg/reliability"
	"github.com/openwatt/datamesh/pkg/resilience"
	"github.com/openwatt/datamesh/pkg/scraper"
	"github.com/openwatt/datamesh/pkg/storage"
)

// ManagerConfig holds orchestrator parameters
type ManagerConfig struct {
	// MaxFusionSources caps the fan-out of a fusion request
	MaxFusionSources int `json:"max_fusion_sources" mapstructure:"max_fusion_sources"`
	// DefaultSourceTimeout applies when a source declares none
	DefaultSourceTimeout time.Duration `json:"default_source_timeout" mapstructure:"default_source_timeout"`
	// StuckBreakerGrace is how long past nextAttemptAt an OPEN breaker may
	// sit before maintenance force-closes it
	StuckBreakerGrace time.Duration `json:"stuck_breaker_grace" mapstructure:"stuck_breaker_grace"`
	// MaxFailoverAttempts caps how many sources one failover request may
	// call before giving up
	MaxFailoverAttempts int `json:"max_failover_attempts" mapstructure:"max_failover_attempts"`
	// ResponseCacheTTL enables response caching when positive; requests
	// with RequireFreshData bypass the cache
	ResponseCacheTTL time.Duration `json:"response_cache_ttl" mapstructure:"response_cache_ttl"`
}

// DefaultManagerConfig returns the default orchestrator parameters
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxFusionSources:     3,
		DefaultSourceTimeout: 30 * time.Second,
		StuckBreakerGrace:    5 * time.Minute,
		MaxFailoverAttempts:  3,
	}
}

// Manager wires the resilience components together behind one facade
type Manager struct {
	config ManagerConfig

	registry *adapters.Registry
	limiter  *resilience.RateLimiter
	breaker  *resilience.CircuitBreaker
	tracker  *reliability.Tracker
	fusion   *fusion.Engine
	gate     *compliance.Gate

	poller *feeds.Poller
	runner *scraper.Runner

	store storage.Store

	mu      sync.RWMutex
	configs map[string]models.SourceConfig

	activeFailovers int64

	logger  observability.Logger
	metrics observability.MetricsClient

	// now is swappable for tests
	now func() time.Time
}

// Deps are the components a Manager orchestrates. Poller, Runner, and Store
// may be nil.
type Deps struct {
	Registry *adapters.Registry
	Limiter  *resilience.RateLimiter
	Breaker  *resilience.CircuitBreaker
	Tracker  *reliability.Tracker
	Fusion   *fusion.Engine
	Gate     *compliance.Gate
	Poller   *feeds.Poller
	Runner   *scraper.Runner
	Store    storage.Store
}

// NewManager creates the orchestrator
func NewManager(config ManagerConfig, deps Deps, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if config.MaxFusionSources <= 0 {
		config.MaxFusionSources = DefaultManagerConfig().MaxFusionSources
	}
	if config.DefaultSourceTimeout <= 0 {
		config.DefaultSourceTimeout = DefaultManagerConfig().DefaultSourceTimeout
	}
	if config.StuckBreakerGrace <= 0 {
		config.StuckBreakerGrace = DefaultManagerConfig().StuckBreakerGrace
	}
	if config.MaxFailoverAttempts <= 0 {
		config.MaxFailoverAttempts = DefaultManagerConfig().MaxFailoverAttempts
	}
	return &Manager{
		config:   config,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		breaker:  deps.Breaker,
		tracker:  deps.Tracker,
		fusion:   deps.Fusion,
		gate:     deps.Gate,
		poller:   deps.Poller,
		runner:   deps.Runner,
		store:    deps.Store,
		configs:  make(map[string]models.SourceConfig),
		logger:   logger.WithPrefix("core"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// RegisterSource installs an adapter and its guards. Registering the same
// config twice is a no-op; registering a different config under an existing
// id is rejected.
func (m *Manager) RegisterSource(adapter adapters.SourceAdapter) error {
	cfg := adapter.Config()
	if cfg.ID == "" {
		return errors.Validation("source id is required")
	}
	if cfg.Priority <= 0 {
		return errors.Validation("source %s: priority must be at least 1", cfg.ID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.config.DefaultSourceTimeout
	}

	m.mu.Lock()
	if existing, ok := m.configs[cfg.ID]; ok {
		m.mu.Unlock()
		if existing.Equal(cfg) {
			return nil
		}
		return errors.Validation("source %s is already registered with a different configuration", cfg.ID)
	}
	m.configs[cfg.ID] = cfg
	m.mu.Unlock()

	m.registry.Register(adapter)
	m.limiter.Register(cfg.ID, cfg.RateLimit)
	m.breaker.Register(cfg.ID)
	m.tracker.Register(cfg.ID, cfg.Quality)

	// Warm the compliance verdict off the request path.
	go m.gate.Check(context.Background(), cfg)

	m.logger.Info("Registered source", map[string]interface{}{
		"source":   cfg.ID,
		"priority": cfg.Priority,
	})
	m.metrics.RecordGauge("registered_sources", float64(m.SourceCount()), nil)
	return nil
}

// DeregisterSource removes a source and all of its guard state
func (m *Manager) DeregisterSource(sourceID string) error {
	m.mu.Lock()
	if _, ok := m.configs[sourceID]; !ok {
		m.mu.Unlock()
		return errors.UnknownSource(sourceID)
	}
	delete(m.configs, sourceID)
	m.mu.Unlock()

	m.registry.Deregister(sourceID)
	m.limiter.Deregister(sourceID)
	m.breaker.Deregister(sourceID)
	m.tracker.Deregister(sourceID)
	m.gate.Invalidate(sourceID)

	m.logger.Info("Deregistered source", map[string]interface{}{"source": sourceID})
	m.metrics.RecordGauge("registered_sources", float64(m.SourceCount()), nil)
	return nil
}

// SourceConfig returns the registered config of a source
func (m *Manager) SourceConfig(sourceID string) (models.SourceConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[sourceID]
	if !ok {
		return models.SourceConfig{}, errors.UnknownSource(sourceID)
	}
	return cfg, nil
}

// SourceCount returns the number of registered sources
func (m *Manager) SourceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.configs)
}

// SourceMetrics returns the rolling reliability metrics of a source
func (m *Manager) SourceMetrics(sourceID string) (models.SourceMetrics, error) {
	return m.tracker.Metrics(sourceID)
}

// Alerts returns the current reliability alerts
func (m *Manager) Alerts() []models.Alert {
	return m.tracker.Alerts()
}

// Status is the aggregate view of the core
type Status struct {
	TotalSources        int     `json:"total_sources"`
	HealthySources      int     `json:"healthy_sources"`
	CircuitBreakersOpen int     `json:"circuit_breakers_open"`
	ActiveFailovers     int     `json:"active_failovers"`
	RealTimeStreams     int     `json:"real_time_streams"`
	ScrapingJobs        int     `json:"scraping_jobs"`
	ComplianceIssues    int     `json:"compliance_issues"`
	OverallHealth       float64 `json:"overall_health"`
}

// Status computes the aggregate health view
func (m *Manager) Status() Status {
	m.mu.RLock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	s := Status{
		TotalSources:        len(ids),
		CircuitBreakersOpen: m.breaker.OpenCount(),
		ActiveFailovers:     int(atomic.LoadInt64(&m.activeFailovers)),
		ComplianceIssues:    m.gate.IssueCount(),
	}
	for _, id := range ids {
		if state, err := m.breaker.State(id); err == nil && state != resilience.StateOpen {
			s.HealthySources++
		}
	}
	if m.poller != nil {
		s.RealTimeStreams = m.poller.StreamCount()
	}
	if m.runner != nil {
		s.ScrapingJobs = m.runner.JobCount()
	}

	if s.TotalSources > 0 {
		health := float64(s.HealthySources)/float64(s.TotalSources) -
			0.1*float64(s.CircuitBreakersOpen) -
			0.2*float64(s.ComplianceIssues)
		if health < 0 {
			health = 0
		}
		s.OverallHealth = health
	} else {
		s.OverallHealth = 1
	}
	return s
}

// HealthReport is the liveness summary served at the health endpoint
type HealthReport struct {
	Status          string   `json:"status"`
	OverallHealth   float64  `json:"overall_health"`
	OpenBreakers    int      `json:"open_breakers"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// HealthCheck grades the core and suggests operator actions
func (m *Manager) HealthCheck() HealthReport {
	s := m.Status()
	report := HealthReport{
		OverallHealth: s.OverallHealth,
		OpenBreakers:  s.CircuitBreakersOpen,
	}
	switch {
	case s.OverallHealth >= 0.8:
		report.Status = "healthy"
	case s.OverallHealth >= 0.5:
		report.Status = "degraded"
	default:
		report.Status = "unhealthy"
	}
	if s.CircuitBreakersOpen > 0 {
		report.Recommendations = append(report.Recommendations,
			"Investigate sources with open circuit breakers")
	}
	if s.ComplianceIssues > 0 {
		report.Recommendations = append(report.Recommendations,
			"Review sources failing compliance checks")
	}
	if s.TotalSources > 0 && s.HealthySources*2 < s.TotalSources {
		report.Recommendations = append(report.Recommendations,
			"Fewer than half of the registered sources are healthy")
	}
	return report
}

// Maintenance runs the periodic housekeeping pass: reliability pruning,
// stuck breaker recovery, and feed cache trimming.
func (m *Manager) Maintenance() {
	m.tracker.Maintenance()
	if reset := m.breaker.ResetStuck(m.config.StuckBreakerGrace); reset > 0 {
		m.logger.Warn("Maintenance closed stuck circuit breakers", map[string]interface{}{
			"count": reset,
		})
	}
	if m.poller != nil {
		m.poller.Maintenance()
	}
	m.metrics.IncrementCounter("maintenance_runs_total", 1)
}
