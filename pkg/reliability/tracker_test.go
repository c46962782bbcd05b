package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
	"github.com/openwatt/datamesh/pkg/storage"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time, *storage.MemoryStore) {
	t.Helper()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	tr := NewTracker(DefaultConfig(), store, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	tr.now = func() time.Time { return current }
	tr.Register("src", models.QualityBaseline{Accuracy: 0.9, Completeness: 0.8, Timeliness: 0.9, Reliability: 0.8})
	return tr, &current, store
}

func TestTrackerUptimeAndSuccessRate(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Record(ctx, "src", Sample{Latency: 100 * time.Millisecond, Success: true}))
	}
	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: 100 * time.Millisecond, Success: false}))

	m, err := tr.Metrics("src")
	require.NoError(t, err)
	assert.Equal(t, 4, m.SampleCount)
	assert.InDelta(t, 75.0, m.Uptime, 0.001)
	assert.Equal(t, m.Uptime, m.SuccessRate)
	assert.Equal(t, 100*time.Millisecond, m.AvgResponseTime)
}

func TestTrackerQualityFallsBackToBaseline(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	require.NoError(t, tr.Record(context.Background(), "src", Sample{Latency: time.Millisecond, Success: true}))

	m, err := tr.Metrics("src")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, m.DataQualityScore, 0.001)
}

func TestTrackerQualityUsesAssessments(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	q := &models.QualityAssessment{Accuracy: 1, Completeness: 1, Consistency: 1, Timeliness: 1, Validity: 1, Uniqueness: 1}
	require.NoError(t, tr.Record(context.Background(), "src", Sample{Latency: time.Millisecond, Success: true, Quality: q}))

	m, err := tr.Metrics("src")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.DataQualityScore, 0.001)
}

func TestTrackerConsistencyWithFewSamples(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	require.NoError(t, tr.Record(context.Background(), "src", Sample{Latency: 500 * time.Millisecond, Success: true}))

	m, err := tr.Metrics("src")
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.ConsistencyScore)
}

func TestTrackerUserSatisfactionDefault(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	assert.Equal(t, 0.5, tr.UserSatisfaction("src"))
	assert.Equal(t, 0.0, tr.UserSatisfaction("missing"))
}

func TestTrackerUserSatisfactionFormula(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: 300 * time.Millisecond, Success: true}))

	// uptime 100%, penalty 0.1, baseline quality 0.85, consistency 1.
	expected := 0.30*1 + 0.20*(1-0.1) + 0.30*0.85 + 0.20*1
	assert.InDelta(t, expected, tr.UserSatisfaction("src"), 0.001)
}

func TestTrackerIncidentOpensAfterThreeFailures(t *testing.T) {
	tr, current, store := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*current = current.Add(10 * time.Second)
		require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Second, Success: false}))
	}

	incidents, err := tr.Incidents("src")
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.IncidentOutage, incidents[0].Type)
	assert.Equal(t, models.SeverityHigh, incidents[0].Severity)
	assert.False(t, incidents[0].Resolved())
	assert.Equal(t, 1, store.IncidentCount())
}

func TestTrackerOnlyOneOpenOutageIncident(t *testing.T) {
	tr, current, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		*current = current.Add(10 * time.Second)
		require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Second, Success: false}))
	}

	incidents, err := tr.Incidents("src")
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestTrackerCriticalIncidentAtFiveFailures(t *testing.T) {
	tr, current, _ := newTestTracker(t)
	ctx := context.Background()

	// The first incident opens at high severity after three failures. Once
	// it is resolved, the next failure sees five or more recent failures and
	// opens directly at critical severity.
	for i := 0; i < 5; i++ {
		*current = current.Add(time.Second)
		require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Second, Success: false}))
	}
	incidents, _ := tr.Incidents("src")
	require.Len(t, incidents, 1)
	assert.Equal(t, models.SeverityHigh, incidents[0].Severity)
	require.NoError(t, tr.ResolveIncident("src", incidents[0].ID))

	*current = current.Add(time.Second)
	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Second, Success: false}))
	incidents, _ = tr.Incidents("src")
	require.Len(t, incidents, 2)
	assert.Equal(t, models.SeverityCritical, incidents[1].Severity)
}

func TestTrackerResolveIncidentTwiceFails(t *testing.T) {
	tr, current, _ := newTestTracker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		*current = current.Add(time.Second)
		require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Second, Success: false}))
	}
	incidents, _ := tr.Incidents("src")
	require.Len(t, incidents, 1)

	require.NoError(t, tr.ResolveIncident("src", incidents[0].ID))
	err := tr.ResolveIncident("src", incidents[0].ID)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestTrackerThresholdAlerts(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	// Slow but successful calls breach the response-time threshold only.
	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: 3 * time.Second, Success: true}))

	alerts := tr.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "avg_response_time", alerts[0].Metric)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)

	// A worse observation escalates the same alert instead of duplicating it.
	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: 10 * time.Second, Success: true}))
	alerts = tr.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
}

func TestTrackerUptimeAlertSeverity(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Millisecond, Success: true}))
	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Millisecond, Success: false}))

	found := false
	for _, a := range tr.Alerts() {
		if a.Metric == "uptime" {
			found = true
			assert.Equal(t, models.SeverityCritical, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestTrackerMaintenancePrunesSamples(t *testing.T) {
	tr, current, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Millisecond, Success: true}))
	*current = current.Add(25 * time.Hour)
	tr.Maintenance()
	require.NoError(t, tr.Record(ctx, "src", Sample{Latency: time.Millisecond, Success: true}))

	m, err := tr.Metrics("src")
	require.NoError(t, err)
	assert.Equal(t, 1, m.SampleCount)
}

func TestTrackerUnknownSource(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	err := tr.Record(context.Background(), "missing", Sample{Success: true})
	assert.Equal(t, errors.KindUnknownSource, errors.KindOf(err))
}
