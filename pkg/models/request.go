package models

import "time"

// Strategy selects how a request is routed across sources
type Strategy string

// Routing strategies
const (
	StrategyPrimaryOnly Strategy = "primary_only"
	StrategyFailover    Strategy = "failover"
	StrategyFusion      Strategy = "fusion"
)

// SourceSelection constrains which sources may serve a request
type SourceSelection struct {
	Required  []string `json:"required,omitempty"`
	Excluded  []string `json:"excluded,omitempty"`
	Preferred []string `json:"preferred,omitempty"`
}

// QualityRequirements bound the acceptable answer
type QualityRequirements struct {
	MinConfidence    float64       `json:"min_confidence,omitempty"`
	MaxLatency       time.Duration `json:"max_latency,omitempty"`
	RequireFreshData bool          `json:"require_fresh_data,omitempty"`
}

// Budget carries the advisory cost ceiling
type Budget struct {
	MaxCost float64 `json:"max_cost"`
}

// DataRequest is the request-level contract of the resilience core
type DataRequest struct {
	DataType   string                 `json:"data_type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Strategy   Strategy               `json:"strategy"`
	Sources    SourceSelection        `json:"sources,omitempty"`
	Quality    QualityRequirements    `json:"quality,omitempty"`
	Budget     *Budget                `json:"budget,omitempty"`
}

// ResponseMetadata describes how a response was produced
type ResponseMetadata struct {
	Strategy         Strategy      `json:"strategy"`
	SourcesUsed      []string      `json:"sources_used"`
	AttemptedSources []string      `json:"attempted_sources,omitempty"`
	FailoverOccurred bool          `json:"failover_occurred"`
	Confidence       float64       `json:"confidence"`
	Latency          time.Duration `json:"latency"`
	Warnings         []string      `json:"warnings"`
	RequestID        string        `json:"request_id,omitempty"`
	CacheHit         bool          `json:"cache_hit,omitempty"`
}

// ResponseQuality summarizes quality of the served data
type ResponseQuality struct {
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Freshness    float64 `json:"freshness"`
	Reliability  float64 `json:"reliability"`
}

// ResponseCompliance summarizes licensing obligations of the served data
type ResponseCompliance struct {
	LicenseCompliant    bool     `json:"license_compliant"`
	AttributionRequired bool     `json:"attribution_required"`
	UsageRestrictions   []string `json:"usage_restrictions,omitempty"`
}

// DataResponse is the facade's answer to a DataRequest
type DataResponse struct {
	Data       interface{}        `json:"data"`
	Metadata   ResponseMetadata   `json:"metadata"`
	Quality    ResponseQuality    `json:"quality"`
	Compliance ResponseCompliance `json:"compliance"`
}

// ContributionStatus classifies one source's participation in fusion
type ContributionStatus string

// Contribution statuses
const (
	ContributionSuccess ContributionStatus = "success"
	ContributionError   ContributionStatus = "error"
	ContributionTimeout ContributionStatus = "timeout"
)

// SourceContribution is a single source's result inside a fusion computation
type SourceContribution struct {
	SourceID   string             `json:"source_id"`
	Status     ContributionStatus `json:"status"`
	Data       interface{}        `json:"data,omitempty"`
	Latency    time.Duration      `json:"latency"`
	Confidence float64            `json:"confidence"` // [0,1]
	Weight     float64            `json:"weight"`     // [0.1,1.0]
}

// SourceResponse is what a SourceAdapter returns from one fetch
type SourceResponse struct {
	Success            bool        `json:"success"`
	Data               interface{} `json:"data,omitempty"`
	Error              string      `json:"error,omitempty"`
	Source             string      `json:"source"`
	Timestamp          time.Time   `json:"timestamp"`
	RequestID          string      `json:"request_id"`
	RateLimitRemaining *int        `json:"rate_limit_remaining,omitempty"`
}

// TemporalItem is one element of a fused time-series result, annotated with
// its origin and decayed weight. Merging policy is left to the caller.
type TemporalItem struct {
	SourceID  string      `json:"source_id"`
	Weight    float64     `json:"weight"`
	Timestamp time.Time   `json:"timestamp"`
	Value     interface{} `json:"value"`
}

// TimePoint is the expected element shape of time-series contributions
type TimePoint struct {
	Timestamp time.Time   `json:"timestamp"`
	Value     interface{} `json:"value"`
}
