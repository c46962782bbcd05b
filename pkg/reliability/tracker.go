// Package reliability tracks rolling per-source SLIs: uptime, latency,
// quality, incidents, and threshold alerts. It is fed one sample per source
// attempt by the orchestrator and recomputes on every sample.
package reliability

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
	"github.com/openwatt/datamesh/pkg/storage"
)

// Sample is one observed source attempt
type Sample struct {
	Latency time.Duration
	Success bool
	Quality *models.QualityAssessment
}

// Thresholds configure alerting bounds. The critical bounds are the harder
// limits at which alerts escalate to critical severity.
type Thresholds struct {
	MinUptime           float64       `json:"min_uptime" mapstructure:"min_uptime"`
	MaxResponseTime     time.Duration `json:"max_response_time" mapstructure:"max_response_time"`
	MinSuccessRate      float64       `json:"min_success_rate" mapstructure:"min_success_rate"`
	MinQuality          float64       `json:"min_quality" mapstructure:"min_quality"`
	CriticalUptime      float64       `json:"critical_uptime" mapstructure:"critical_uptime"`
	CriticalResponse    time.Duration `json:"critical_response" mapstructure:"critical_response"`
	CriticalSuccessRate float64       `json:"critical_success_rate" mapstructure:"critical_success_rate"`
	CriticalQuality     float64       `json:"critical_quality" mapstructure:"critical_quality"`
}

// DefaultThresholds returns the default alerting bounds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinUptime:           95,
		MaxResponseTime:     2 * time.Second,
		MinSuccessRate:      98,
		MinQuality:          0.8,
		CriticalUptime:      90,
		CriticalResponse:    5 * time.Second,
		CriticalSuccessRate: 95,
		CriticalQuality:     0.6,
	}
}

// Config holds tracker parameters
type Config struct {
	// Window is the rolling retention for performance samples
	Window time.Duration `json:"window" mapstructure:"window"`
	// IncidentWindow is the lookback for the outage rule
	IncidentWindow time.Duration `json:"incident_window" mapstructure:"incident_window"`
	// IncidentFailures opens an incident; CriticalFailures escalates it
	IncidentFailures int `json:"incident_failures" mapstructure:"incident_failures"`
	CriticalFailures int `json:"critical_failures" mapstructure:"critical_failures"`
	// AlertRetention bounds how long resolved alerts are kept
	AlertRetention time.Duration `json:"alert_retention" mapstructure:"alert_retention"`
	// AssessmentHistory is how many quality assessments feed the score
	AssessmentHistory int `json:"assessment_history" mapstructure:"assessment_history"`

	Thresholds Thresholds `json:"thresholds" mapstructure:"thresholds"`
}

// DefaultConfig returns the default tracker parameters
func DefaultConfig() Config {
	return Config{
		Window:            24 * time.Hour,
		IncidentWindow:    5 * time.Minute,
		IncidentFailures:  3,
		CriticalFailures:  5,
		AlertRetention:    30 * 24 * time.Hour,
		AssessmentHistory: 10,
		Thresholds:        DefaultThresholds(),
	}
}

// Tracker owns all per-source reliability state
type Tracker struct {
	config Config

	mu      sync.RWMutex
	sources map[string]*sourceState
	alerts  []models.Alert

	store   storage.Store
	logger  observability.Logger
	metrics observability.MetricsClient

	// now is swappable for tests
	now func() time.Time
}

type sourceState struct {
	mu          sync.Mutex
	baseline    models.QualityBaseline
	samples     []models.PerformancePoint
	assessments []models.QualityAssessment
	incidents   []models.Incident
	snapshot    models.SourceMetrics
}

// NewTracker creates a tracker. store may be nil; snapshots and incidents
// are then kept in memory only.
func NewTracker(config Config, store storage.Store, logger observability.Logger, metrics observability.MetricsClient) *Tracker {
	if config.Window <= 0 {
		config = DefaultConfig()
	}
	return &Tracker{
		config:  config,
		sources: make(map[string]*sourceState),
		store:   store,
		logger:  logger.WithPrefix("reliability"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Register installs tracking state for a source with its baseline quality
func (t *Tracker) Register(sourceID string, baseline models.QualityBaseline) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sources[sourceID]; !ok {
		t.sources[sourceID] = &sourceState{
			baseline: baseline,
			snapshot: models.SourceMetrics{SourceID: sourceID},
		}
	}
}

// Deregister removes a source's tracking state
func (t *Tracker) Deregister(sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sources, sourceID)
}

// Record ingests one sample and recomputes the source's rolling metrics
func (t *Tracker) Record(ctx context.Context, sourceID string, sample Sample) error {
	state, err := t.get(sourceID)
	if err != nil {
		return err
	}

	now := t.now()

	state.mu.Lock()
	state.samples = append(state.samples, models.PerformancePoint{
		Timestamp: now,
		Latency:   sample.Latency,
		Success:   sample.Success,
	})
	if sample.Quality != nil {
		state.assessments = append(state.assessments, *sample.Quality)
		if len(state.assessments) > t.config.AssessmentHistory {
			state.assessments = state.assessments[len(state.assessments)-t.config.AssessmentHistory:]
		}
	}
	t.pruneLocked(state, now)
	t.recomputeLocked(sourceID, state, now)

	var incident *models.Incident
	if !sample.Success {
		incident = t.maybeOpenIncidentLocked(sourceID, state, now)
	}
	snapshot := state.snapshot
	state.mu.Unlock()

	t.evaluateThresholds(sourceID, snapshot, now)

	t.metrics.RecordOperation("reliability", "sample", sample.Success, sample.Latency.Seconds(), map[string]string{
		"source": sourceID,
	})

	if t.store != nil {
		if err := t.store.PutMetricsSnapshot(ctx, sourceID, snapshot); err != nil {
			t.logger.Warn("Failed to persist metrics snapshot", map[string]interface{}{
				"source": sourceID,
				"error":  err.Error(),
			})
		}
		if incident != nil {
			if err := t.store.PutIncident(ctx, *incident); err != nil {
				t.logger.Warn("Failed to persist incident", map[string]interface{}{
					"source":   sourceID,
					"incident": incident.ID,
					"error":    err.Error(),
				})
			}
		}
	}
	return nil
}

// Metrics returns a copy of the source's rolling metrics
func (t *Tracker) Metrics(sourceID string) (models.SourceMetrics, error) {
	state, err := t.get(sourceID)
	if err != nil {
		return models.SourceMetrics{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	snapshot := state.snapshot
	snapshot.Incidents = append([]models.Incident(nil), state.incidents...)
	return snapshot, nil
}

// UserSatisfaction returns the composite satisfaction score of a source,
// or 0.5 when the source has no samples yet.
func (t *Tracker) UserSatisfaction(sourceID string) float64 {
	state, err := t.get(sourceID)
	if err != nil {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.samples) == 0 {
		return 0.5
	}
	return state.snapshot.UserSatisfaction
}

// ResolveIncident closes an incident; resolved incidents become immutable
func (t *Tracker) ResolveIncident(sourceID, incidentID string) error {
	state, err := t.get(sourceID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	for i := range state.incidents {
		if state.incidents[i].ID != incidentID {
			continue
		}
		if state.incidents[i].Resolved() {
			return errors.Validation("incident %s is already resolved", incidentID)
		}
		now := t.now()
		state.incidents[i].ResolvedAt = &now
		return nil
	}
	return errors.Validation("incident %s not found for source %s", incidentID, sourceID)
}

// Incidents returns a copy of a source's incidents
func (t *Tracker) Incidents(sourceID string) ([]models.Incident, error) {
	state, err := t.get(sourceID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return append([]models.Incident(nil), state.incidents...), nil
}

// Alerts returns the current alerts
func (t *Tracker) Alerts() []models.Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.Alert(nil), t.alerts...)
}

// Maintenance prunes aged samples and drops alerts past retention
func (t *Tracker) Maintenance() {
	now := t.now()

	t.mu.RLock()
	states := make([]*sourceState, 0, len(t.sources))
	for _, s := range t.sources {
		states = append(states, s)
	}
	t.mu.RUnlock()

	for _, state := range states {
		state.mu.Lock()
		t.pruneLocked(state, now)
		state.mu.Unlock()
	}

	t.mu.Lock()
	kept := t.alerts[:0]
	for _, a := range t.alerts {
		if now.Sub(a.CreatedAt) <= t.config.AlertRetention {
			kept = append(kept, a)
		}
	}
	t.alerts = kept
	t.mu.Unlock()
}

func (t *Tracker) get(sourceID string) (*sourceState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.sources[sourceID]
	if !ok {
		return nil, errors.UnknownSource(sourceID)
	}
	return state, nil
}

func (t *Tracker) pruneLocked(state *sourceState, now time.Time) {
	kept := state.samples[:0]
	for _, s := range state.samples {
		if now.Sub(s.Timestamp) <= t.config.Window {
			kept = append(kept, s)
		}
	}
	state.samples = kept
}

func (t *Tracker) recomputeLocked(sourceID string, state *sourceState, now time.Time) {
	total := len(state.samples)
	successes := 0
	var successLatencies []float64
	lastSuccess := time.Time{}
	for _, s := range state.samples {
		if s.Success {
			successes++
			successLatencies = append(successLatencies, float64(s.Latency.Milliseconds()))
			if s.Timestamp.After(lastSuccess) {
				lastSuccess = s.Timestamp
			}
		}
	}

	snap := models.SourceMetrics{
		SourceID:    sourceID,
		SampleCount: total,
		UpdatedAt:   now,
	}

	if total > 0 {
		snap.Uptime = float64(successes) / float64(total) * 100
		snap.SuccessRate = snap.Uptime
	} else {
		snap.Uptime = 100
		snap.SuccessRate = 100
	}

	mean, stddev := meanStddev(successLatencies)
	if len(successLatencies) > 0 {
		snap.AvgResponseTime = time.Duration(mean * float64(time.Millisecond))
	}
	// Fewer than two success latencies means no observed variance.
	snap.ConsistencyScore = 1
	if len(successLatencies) >= 2 && mean > 0 {
		snap.ConsistencyScore = clamp01(1 - stddev/mean)
	}

	if len(state.assessments) > 0 {
		sum := 0.0
		for _, a := range state.assessments {
			sum += a.Overall()
		}
		snap.DataQualityScore = sum / float64(len(state.assessments))
	} else {
		snap.DataQualityScore = state.baseline.Mean()
	}

	snap.FreshnessScore = 0
	if !lastSuccess.IsZero() {
		age := now.Sub(lastSuccess)
		snap.FreshnessScore = clamp01(1 - float64(age)/float64(t.config.Window))
	}

	responsePenalty := math.Min(mean/3000, 1)
	snap.UserSatisfaction = 0.30*snap.Uptime/100 +
		0.20*(1-responsePenalty) +
		0.30*snap.DataQualityScore +
		0.20*snap.ConsistencyScore

	state.snapshot = snap
}

// maybeOpenIncidentLocked applies the outage rule: three failures within the
// incident window open an incident, five escalate it to critical. At most
// one outage incident is open per source at a time.
func (t *Tracker) maybeOpenIncidentLocked(sourceID string, state *sourceState, now time.Time) *models.Incident {
	recentFailures := 0
	for _, s := range state.samples {
		if !s.Success && now.Sub(s.Timestamp) <= t.config.IncidentWindow {
			recentFailures++
		}
	}
	if recentFailures < t.config.IncidentFailures {
		return nil
	}
	for _, inc := range state.incidents {
		if inc.Type == models.IncidentOutage && !inc.Resolved() {
			return nil
		}
	}

	severity := models.SeverityHigh
	if recentFailures >= t.config.CriticalFailures {
		severity = models.SeverityCritical
	}
	incident := models.Incident{
		ID:          uuid.NewString(),
		SourceID:    sourceID,
		CreatedAt:   now,
		Type:        models.IncidentOutage,
		Severity:    severity,
		Description: fmt.Sprintf("%d failures within %s", recentFailures, t.config.IncidentWindow),
	}
	state.incidents = append(state.incidents, incident)
	t.logger.Error("Opened outage incident", map[string]interface{}{
		"source":   sourceID,
		"incident": incident.ID,
		"severity": string(severity),
		"failures": recentFailures,
	})
	return &incident
}

func (t *Tracker) evaluateThresholds(sourceID string, snap models.SourceMetrics, now time.Time) {
	if snap.SampleCount == 0 {
		return
	}
	th := t.config.Thresholds

	type breach struct {
		metric    string
		value     float64
		threshold float64
		critical  bool
	}
	var breaches []breach
	if snap.Uptime < th.MinUptime {
		breaches = append(breaches, breach{"uptime", snap.Uptime, th.MinUptime, snap.Uptime < th.CriticalUptime})
	}
	if snap.AvgResponseTime > th.MaxResponseTime {
		breaches = append(breaches, breach{
			"avg_response_time",
			float64(snap.AvgResponseTime.Milliseconds()),
			float64(th.MaxResponseTime.Milliseconds()),
			snap.AvgResponseTime > th.CriticalResponse,
		})
	}
	if snap.SuccessRate < th.MinSuccessRate {
		breaches = append(breaches, breach{"success_rate", snap.SuccessRate, th.MinSuccessRate, snap.SuccessRate < th.CriticalSuccessRate})
	}
	if snap.DataQualityScore < th.MinQuality {
		breaches = append(breaches, breach{"data_quality", snap.DataQualityScore, th.MinQuality, snap.DataQualityScore < th.CriticalQuality})
	}
	if len(breaches) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range breaches {
		severity := models.SeverityHigh
		if b.critical {
			severity = models.SeverityCritical
		}
		// One live alert per source+metric; newer observations replace it.
		replaced := false
		for i := range t.alerts {
			if t.alerts[i].SourceID == sourceID && t.alerts[i].Metric == b.metric {
				t.alerts[i].Value = b.value
				t.alerts[i].Severity = severity
				replaced = true
				break
			}
		}
		if !replaced {
			t.alerts = append(t.alerts, models.Alert{
				ID:        uuid.NewString(),
				SourceID:  sourceID,
				Metric:    b.metric,
				Value:     b.value,
				Threshold: b.threshold,
				Severity:  severity,
				CreatedAt: now,
			})
			t.metrics.IncrementCounterWithLabels("reliability_alerts_total", 1, map[string]string{
				"source": sourceID,
				"metric": b.metric,
			})
		}
	}
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
