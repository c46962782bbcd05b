// Package models holds the shared data model of the resilience core. Types
// here cross component boundaries by value; mutable per-source state lives
// inside the owning component, never in this package.
package models

import "time"

// AuthType enumerates adapter authentication schemes
type AuthType string

// Authentication schemes
const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
	AuthOAuth  AuthType = "oauth"
)

// Authentication describes how an adapter authenticates upstream
type Authentication struct {
	Type     AuthType `json:"type" mapstructure:"type"`
	APIKey   string   `json:"api_key,omitempty" mapstructure:"api_key"`
	Username string   `json:"username,omitempty" mapstructure:"username"`
	Password string   `json:"password,omitempty" mapstructure:"password"`
	TokenURL string   `json:"token_url,omitempty" mapstructure:"token_url"`
}

// RateLimit declares per-source request budgets for the three windows
type RateLimit struct {
	RequestsPerSecond int `json:"requests_per_second" mapstructure:"requests_per_second"`
	RequestsPerHour   int `json:"requests_per_hour" mapstructure:"requests_per_hour"`
	RequestsPerDay    int `json:"requests_per_day" mapstructure:"requests_per_day"`
}

// RetryPolicy declares per-source retry behavior applied by the orchestrator
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff" mapstructure:"base_backoff"`
	Exponential bool          `json:"exponential" mapstructure:"exponential"`
}

// QualityBaseline is the registered baseline quality of a source, all in [0,1]
type QualityBaseline struct {
	Accuracy     float64 `json:"accuracy" mapstructure:"accuracy"`
	Completeness float64 `json:"completeness" mapstructure:"completeness"`
	Timeliness   float64 `json:"timeliness" mapstructure:"timeliness"`
	Reliability  float64 `json:"reliability" mapstructure:"reliability"`
}

// Mean returns the average of the four baseline dimensions
func (q QualityBaseline) Mean() float64 {
	return (q.Accuracy + q.Completeness + q.Timeliness + q.Reliability) / 4
}

// CompliancePolicy declares the licensing posture of a source
type CompliancePolicy struct {
	RequiresAttribution bool     `json:"requires_attribution" mapstructure:"requires_attribution"`
	UsageRestrictions   []string `json:"usage_restrictions,omitempty" mapstructure:"usage_restrictions"`
	LicenseTerms        string   `json:"license_terms,omitempty" mapstructure:"license_terms"`
	Commercial          bool     `json:"commercial" mapstructure:"commercial"`
	PricingTransparent  bool     `json:"pricing_transparent" mapstructure:"pricing_transparent"`
	RetentionDays       int      `json:"retention_days" mapstructure:"retention_days"`
}

// SourceConfig describes one upstream data provider. Immutable after
// registration; removed only by explicit deregister.
type SourceConfig struct {
	ID                string           `json:"id" mapstructure:"id"`
	Name              string           `json:"name" mapstructure:"name"`
	Priority          int              `json:"priority" mapstructure:"priority"` // 1 = highest
	BaseURL           string           `json:"base_url" mapstructure:"base_url"`
	Authentication    Authentication   `json:"authentication" mapstructure:"authentication"`
	RateLimit         RateLimit        `json:"rate_limit" mapstructure:"rate_limit"`
	Retry             RetryPolicy      `json:"retry" mapstructure:"retry"`
	Timeout           time.Duration    `json:"timeout" mapstructure:"timeout"`
	FallbackSourceIDs []string         `json:"fallback_source_ids,omitempty" mapstructure:"fallback_source_ids"`
	Quality           QualityBaseline  `json:"quality" mapstructure:"quality"`
	Compliance        CompliancePolicy `json:"compliance" mapstructure:"compliance"`

	// CostPerCall feeds the advisory budget check; zero means free.
	CostPerCall float64 `json:"cost_per_call,omitempty" mapstructure:"cost_per_call"`
}

// Equal reports whether two configs are interchangeable for idempotent
// registration purposes.
func (c SourceConfig) Equal(other SourceConfig) bool {
	if c.ID != other.ID || c.Name != other.Name || c.Priority != other.Priority ||
		c.BaseURL != other.BaseURL || c.Timeout != other.Timeout ||
		c.Authentication != other.Authentication || c.RateLimit != other.RateLimit ||
		c.Retry != other.Retry || c.Quality != other.Quality ||
		c.CostPerCall != other.CostPerCall {
		return false
	}
	if !stringSlicesEqual(c.FallbackSourceIDs, other.FallbackSourceIDs) {
		return false
	}
	cc, oc := c.Compliance, other.Compliance
	if cc.RequiresAttribution != oc.RequiresAttribution || cc.LicenseTerms != oc.LicenseTerms ||
		cc.Commercial != oc.Commercial || cc.PricingTransparent != oc.PricingTransparent ||
		cc.RetentionDays != oc.RetentionDays {
		return false
	}
	return stringSlicesEqual(cc.UsageRestrictions, oc.UsageRestrictions)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
