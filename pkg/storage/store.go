// Package storage defines the narrow persistence surface of the resilience
// core: metrics snapshots, incidents, cached responses, and compliance
// checks. Everything else about persistence is someone else's problem.
package storage

import (
	"context"
	"time"

	"github.com/openwatt/datamesh/pkg/models"
)

// Store is the only persistence interface the core depends on
type Store interface {
	PutMetricsSnapshot(ctx context.Context, sourceID string, snapshot models.SourceMetrics) error
	PutIncident(ctx context.Context, incident models.Incident) error

	// GetCachedResponse returns nil, nil on a miss
	GetCachedResponse(ctx context.Context, fingerprint string) ([]byte, error)
	PutCachedResponse(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error

	PutComplianceCheck(ctx context.Context, check models.ComplianceCheck) error
	// GetComplianceCheck returns nil, nil on a miss
	GetComplianceCheck(ctx context.Context, sourceID string) (*models.ComplianceCheck, error)
}
