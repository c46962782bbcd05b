package models

import "time"

// PerformancePoint is one observed sample of a source call
type PerformancePoint struct {
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
}

// QualityAssessment scores one delivered payload across six dimensions,
// all in [0,1].
type QualityAssessment struct {
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Timeliness   float64 `json:"timeliness"`
	Validity     float64 `json:"validity"`
	Uniqueness   float64 `json:"uniqueness"`
}

// Overall folds the six dimensions into one score
func (q QualityAssessment) Overall() float64 {
	return 0.25*q.Accuracy + 0.20*q.Completeness + 0.15*q.Consistency +
		0.15*q.Timeliness + 0.15*q.Validity + 0.10*q.Uniqueness
}

// IncidentType classifies an incident
type IncidentType string

// Incident types
const (
	IncidentOutage      IncidentType = "outage"
	IncidentDegradation IncidentType = "degradation"
	IncidentDataQuality IncidentType = "data_quality"
	IncidentRateLimit   IncidentType = "rate_limit"
)

// Severity grades an incident or alert
type Severity string

// Severities
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident records a reliability event for a source. Once ResolvedAt is set
// the incident is immutable.
type Incident struct {
	ID          string       `json:"id"`
	SourceID    string       `json:"source_id"`
	CreatedAt   time.Time    `json:"created_at"`
	Type        IncidentType `json:"type"`
	Severity    Severity     `json:"severity"`
	Description string       `json:"description"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

// Resolved reports whether the incident has been closed
func (i Incident) Resolved() bool {
	return i.ResolvedAt != nil
}

// SourceMetrics is the rolling 24h view of one source
type SourceMetrics struct {
	SourceID         string        `json:"source_id"`
	Uptime           float64       `json:"uptime"`            // percent
	AvgResponseTime  time.Duration `json:"avg_response_time"` // over successes
	SuccessRate      float64       `json:"success_rate"`      // percent
	DataQualityScore float64       `json:"data_quality_score"`
	ConsistencyScore float64       `json:"consistency_score"`
	FreshnessScore   float64       `json:"freshness_score"`
	UserSatisfaction float64       `json:"user_satisfaction"`
	SampleCount      int           `json:"sample_count"`
	Incidents        []Incident    `json:"incidents,omitempty"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Alert is raised when a source metric crosses a threshold
type Alert struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}
