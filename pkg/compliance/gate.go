// Package compliance decides whether a source or a scrape target may be
// used: licensing/policy checks with a 30-day cache, and a robots.txt gate
// with a per-origin 24-hour cache.
package compliance

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
	"github.com/openwatt/datamesh/pkg/storage"
)

// GateConfig holds compliance gate parameters
type GateConfig struct {
	CheckTTL  time.Duration `json:"check_ttl" mapstructure:"check_ttl"`
	CacheSize int           `json:"cache_size" mapstructure:"cache_size"`
}

// DefaultGateConfig returns the default gate parameters
func DefaultGateConfig() GateConfig {
	return GateConfig{
		CheckTTL:  30 * 24 * time.Hour,
		CacheSize: 1024,
	}
}

// Gate runs the compliance rule set and caches the verdicts
type Gate struct {
	config GateConfig
	cache  *expirable.LRU[string, models.ComplianceCheck]

	store   storage.Store
	logger  observability.Logger
	metrics observability.MetricsClient

	// now is swappable for tests
	now func() time.Time
}

// NewGate creates a compliance gate. store may be nil.
func NewGate(config GateConfig, store storage.Store, logger observability.Logger, metrics observability.MetricsClient) *Gate {
	if config.CheckTTL <= 0 {
		config = DefaultGateConfig()
	}
	return &Gate{
		config:  config,
		cache:   expirable.NewLRU[string, models.ComplianceCheck](config.CacheSize, nil, config.CheckTTL),
		store:   store,
		logger:  logger.WithPrefix("compliance"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Check returns the cached verdict for a source, running the rule set on a
// miss or expiry.
func (g *Gate) Check(ctx context.Context, cfg models.SourceConfig) models.ComplianceCheck {
	if check, ok := g.cache.Get(cfg.ID); ok {
		return check
	}

	if g.store != nil {
		stored, err := g.store.GetComplianceCheck(ctx, cfg.ID)
		if err != nil {
			g.logger.Warn("Compliance check lookup failed", map[string]interface{}{
				"source": cfg.ID,
				"error":  err.Error(),
			})
		} else if stored != nil && g.now().Sub(stored.CheckedAt) < g.config.CheckTTL {
			g.cache.Add(cfg.ID, *stored)
			return *stored
		}
	}

	check := g.runRules(cfg)
	g.cache.Add(cfg.ID, check)
	if g.store != nil {
		if err := g.store.PutComplianceCheck(ctx, check); err != nil {
			g.logger.Warn("Failed to persist compliance check", map[string]interface{}{
				"source": cfg.ID,
				"error":  err.Error(),
			})
		}
	}
	g.metrics.IncrementCounterWithLabels("compliance_checks_total", 1, map[string]string{
		"eligible": boolLabel(check.Eligible),
	})
	return check
}

// Eligible reports whether a source passes compliance, with failure reasons
func (g *Gate) Eligible(ctx context.Context, cfg models.SourceConfig) (bool, []string) {
	check := g.Check(ctx, cfg)
	return check.Eligible, check.FailureReasons()
}

// Invalidate drops a source's cached verdict
func (g *Gate) Invalidate(sourceID string) {
	g.cache.Remove(sourceID)
}

// IssueCount counts sources with a cached failing verdict
func (g *Gate) IssueCount() int {
	count := 0
	for _, key := range g.cache.Keys() {
		if check, ok := g.cache.Get(key); ok && !check.Eligible {
			count++
		}
	}
	return count
}

// runRules applies the compliance rule set to a source config. A fail on any
// rule makes the source ineligible; warnings do not.
func (g *Gate) runRules(cfg models.SourceConfig) models.ComplianceCheck {
	policy := cfg.Compliance
	var results []models.ComplianceRuleResult

	add := func(rule string, status models.CheckStatus, message string) {
		results = append(results, models.ComplianceRuleResult{Rule: rule, Status: status, Message: message})
	}

	if policy.LicenseTerms == "" {
		add("data_licensing", models.CheckFail, "data licensing not documented")
	} else {
		add("data_licensing", models.CheckPass, "")
	}

	if len(policy.UsageRestrictions) == 0 {
		add("usage_restrictions", models.CheckWarning, "usage restrictions not documented")
	} else {
		add("usage_restrictions", models.CheckPass, "")
	}

	if policy.RetentionDays <= 0 {
		add("retention_policy", models.CheckWarning, "retention policy not set")
	} else {
		add("retention_policy", models.CheckPass, "")
	}

	if policy.RequiresAttribution && policy.LicenseTerms == "" {
		add("attribution", models.CheckFail, "attribution required but license terms missing")
	} else {
		add("attribution", models.CheckPass, "")
	}

	if policy.Commercial && !policy.PricingTransparent {
		add("pricing_transparency", models.CheckFail, "pricing not transparent")
	} else {
		add("pricing_transparency", models.CheckPass, "")
	}

	eligible := true
	for _, r := range results {
		if r.Status == models.CheckFail {
			eligible = false
			break
		}
	}
	if !eligible {
		g.logger.Warn("Source failed compliance check", map[string]interface{}{
			"source":  cfg.ID,
			"reasons": models.ComplianceCheck{Results: results}.FailureReasons(),
		})
	}
	return models.ComplianceCheck{
		SourceID:  cfg.ID,
		CheckedAt: g.now(),
		Results:   results,
		Eligible:  eligible,
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
