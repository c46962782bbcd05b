package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
	"github.com/openwatt/datamesh/pkg/storage"
)

func newTestGate() *Gate {
	return NewGate(DefaultGateConfig(), storage.NewMemoryStore(),
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func compliantConfig(id string) models.SourceConfig {
	return models.SourceConfig{
		ID: id,
		Compliance: models.CompliancePolicy{
			LicenseTerms:      "CC-BY-4.0",
			UsageRestrictions: []string{"attribution required"},
			RetentionDays:     30,
		},
	}
}

func TestGateCompliantSourcePasses(t *testing.T) {
	g := newTestGate()
	check := g.Check(context.Background(), compliantConfig("src"))

	assert.True(t, check.Eligible)
	assert.Empty(t, check.FailureReasons())
	assert.Len(t, check.Results, 5)
}

func TestGateMissingLicenseFails(t *testing.T) {
	g := newTestGate()
	cfg := compliantConfig("src")
	cfg.Compliance.LicenseTerms = ""

	eligible, reasons := g.Eligible(context.Background(), cfg)
	assert.False(t, eligible)
	assert.Contains(t, reasons, "data licensing not documented")
}

func TestGateOpaquePricingFails(t *testing.T) {
	g := newTestGate()
	cfg := compliantConfig("src")
	cfg.Compliance.Commercial = true
	cfg.Compliance.PricingTransparent = false

	eligible, reasons := g.Eligible(context.Background(), cfg)
	assert.False(t, eligible)
	assert.Contains(t, reasons, "pricing not transparent")
}

func TestGateTransparentCommercialPasses(t *testing.T) {
	g := newTestGate()
	cfg := compliantConfig("src")
	cfg.Compliance.Commercial = true
	cfg.Compliance.PricingTransparent = true

	eligible, _ := g.Eligible(context.Background(), cfg)
	assert.True(t, eligible)
}

func TestGateAttributionWithoutLicenseFails(t *testing.T) {
	g := newTestGate()
	cfg := models.SourceConfig{
		ID: "src",
		Compliance: models.CompliancePolicy{
			RequiresAttribution: true,
		},
	}
	eligible, reasons := g.Eligible(context.Background(), cfg)
	assert.False(t, eligible)
	assert.Contains(t, reasons, "attribution required but license terms missing")
}

func TestGateWarningsDoNotFail(t *testing.T) {
	g := newTestGate()
	cfg := models.SourceConfig{
		ID: "src",
		Compliance: models.CompliancePolicy{
			LicenseTerms: "MIT",
			// No restrictions, no retention: warnings only.
		},
	}
	check := g.Check(context.Background(), cfg)
	assert.True(t, check.Eligible)

	warnings := 0
	for _, r := range check.Results {
		if r.Status == models.CheckWarning {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestGateCachesVerdict(t *testing.T) {
	g := newTestGate()
	cfg := compliantConfig("src")

	first := g.Check(context.Background(), cfg)
	second := g.Check(context.Background(), cfg)
	assert.Equal(t, first.CheckedAt, second.CheckedAt)
}

func TestGateInvalidateForcesRecheck(t *testing.T) {
	g := newTestGate()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	// Detach persistence so the re-check is observable via CheckedAt.
	g.store = nil

	cfg := compliantConfig("src")
	first := g.Check(context.Background(), cfg)

	current = current.Add(time.Hour)
	g.Invalidate("src")
	second := g.Check(context.Background(), cfg)
	assert.True(t, second.CheckedAt.After(first.CheckedAt))
}

func TestGateIssueCount(t *testing.T) {
	g := newTestGate()
	bad := compliantConfig("bad")
	bad.Compliance.LicenseTerms = ""
	bad.Compliance.RequiresAttribution = false

	g.Check(context.Background(), compliantConfig("good"))
	g.Check(context.Background(), bad)
	assert.Equal(t, 1, g.IssueCount())
}

func TestGateUsesPersistedVerdict(t *testing.T) {
	store := storage.NewMemoryStore()
	check := models.ComplianceCheck{
		SourceID:  "src",
		CheckedAt: time.Now().Add(-time.Hour),
		Eligible:  false,
		Results: []models.ComplianceRuleResult{
			{Rule: "data_licensing", Status: models.CheckFail, Message: "data licensing not documented"},
		},
	}
	require.NoError(t, store.PutComplianceCheck(context.Background(), check))

	g := NewGate(DefaultGateConfig(), store, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	// The persisted verdict wins even though the config itself is compliant.
	got := g.Check(context.Background(), compliantConfig("src"))
	assert.False(t, got.Eligible)
}
