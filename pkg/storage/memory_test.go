package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwatt/datamesh/pkg/models"
)

func TestMemoryStoreMetricsAndIncidents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutMetricsSnapshot(ctx, "alpha", models.SourceMetrics{SourceID: "alpha", Uptime: 99.5}))
	snap, ok := s.MetricsSnapshot("alpha")
	require.True(t, ok)
	assert.Equal(t, 99.5, snap.Uptime)

	_, ok = s.MetricsSnapshot("beta")
	assert.False(t, ok)

	require.NoError(t, s.PutIncident(ctx, models.Incident{ID: "i1", SourceID: "alpha"}))
	require.NoError(t, s.PutIncident(ctx, models.Incident{ID: "i1", SourceID: "alpha"}))
	require.NoError(t, s.PutIncident(ctx, models.Incident{ID: "i2", SourceID: "alpha"}))
	assert.Equal(t, 2, s.IncidentCount())
}

func TestMemoryStoreCachedResponseTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutCachedResponse(ctx, "fp", []byte("payload"), time.Minute))
	payload, err := s.GetCachedResponse(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	require.NoError(t, s.PutCachedResponse(ctx, "gone", []byte("x"), -time.Second))
	payload, err = s.GetCachedResponse(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, payload)

	payload, err = s.GetCachedResponse(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestMemoryStoreComplianceChecks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	check, err := s.GetComplianceCheck(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, check)

	require.NoError(t, s.PutComplianceCheck(ctx, models.ComplianceCheck{SourceID: "alpha", Eligible: true}))
	check, err = s.GetComplianceCheck(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, check)
	assert.True(t, check.Eligible)
}
