package storage

import (
	"context"
	"sync"
	"time"

	"github.com/openwatt/datamesh/pkg/models"
)

// MemoryStore implements Store in memory. Used in tests and single-binary
// deployments without Redis.
type MemoryStore struct {
	mu         sync.RWMutex
	metrics    map[string]models.SourceMetrics
	incidents  map[string]models.Incident
	responses  map[string]cachedPayload
	compliance map[string]models.ComplianceCheck
}

type cachedPayload struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics:    make(map[string]models.SourceMetrics),
		incidents:  make(map[string]models.Incident),
		responses:  make(map[string]cachedPayload),
		compliance: make(map[string]models.ComplianceCheck),
	}
}

// PutMetricsSnapshot implements Store.PutMetricsSnapshot
func (s *MemoryStore) PutMetricsSnapshot(ctx context.Context, sourceID string, snapshot models.SourceMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[sourceID] = snapshot
	return nil
}

// PutIncident implements Store.PutIncident
func (s *MemoryStore) PutIncident(ctx context.Context, incident models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[incident.SourceID+":"+incident.ID] = incident
	return nil
}

// GetCachedResponse implements Store.GetCachedResponse
func (s *MemoryStore) GetCachedResponse(ctx context.Context, fingerprint string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.responses[fingerprint]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.payload, nil
}

// PutCachedResponse implements Store.PutCachedResponse
func (s *MemoryStore) PutCachedResponse(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[fingerprint] = cachedPayload{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// PutComplianceCheck implements Store.PutComplianceCheck
func (s *MemoryStore) PutComplianceCheck(ctx context.Context, check models.ComplianceCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compliance[check.SourceID] = check
	return nil
}

// GetComplianceCheck implements Store.GetComplianceCheck
func (s *MemoryStore) GetComplianceCheck(ctx context.Context, sourceID string) (*models.ComplianceCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	check, ok := s.compliance[sourceID]
	if !ok {
		return nil, nil
	}
	return &check, nil
}

// MetricsSnapshot returns the stored snapshot for assertions in tests
func (s *MemoryStore) MetricsSnapshot(sourceID string) (models.SourceMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[sourceID]
	return m, ok
}

// IncidentCount returns the number of stored incidents
func (s *MemoryStore) IncidentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}
