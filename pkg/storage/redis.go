package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openwatt/datamesh/pkg/models"
	"github.com/openwatt/datamesh/pkg/observability"
)

const (
	metricsKeyPrefix    = "datamesh:metrics:"
	incidentKeyPrefix   = "datamesh:incident:"
	responseKeyPrefix   = "datamesh:response:"
	complianceKeyPrefix = "datamesh:compliance:"

	// Snapshots mirror the tracker's 24h rolling window; incidents are
	// kept for the compliance retention horizon.
	metricsSnapshotTTL = 24 * time.Hour
	incidentTTL        = 30 * 24 * time.Hour
	complianceCheckTTL = 30 * 24 * time.Hour
)

// RedisConfig configures the Redis-backed store
type RedisConfig struct {
	Address  string `json:"address" mapstructure:"address"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// RedisStore implements Store over Redis with JSON payloads
type RedisStore struct {
	client *redis.Client
	logger observability.Logger
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(cfg RedisConfig, logger observability.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client: client,
		logger: logger.WithPrefix("storage.redis"),
	}
}

// Ping verifies connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// PutMetricsSnapshot implements Store.PutMetricsSnapshot
func (s *RedisStore) PutMetricsSnapshot(ctx context.Context, sourceID string, snapshot models.SourceMetrics) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	return s.client.Set(ctx, metricsKeyPrefix+sourceID, payload, metricsSnapshotTTL).Err()
}

// PutIncident implements Store.PutIncident
func (s *RedisStore) PutIncident(ctx context.Context, incident models.Incident) error {
	payload, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	key := incidentKeyPrefix + incident.SourceID + ":" + incident.ID
	return s.client.Set(ctx, key, payload, incidentTTL).Err()
}

// GetCachedResponse implements Store.GetCachedResponse
func (s *RedisStore) GetCachedResponse(ctx context.Context, fingerprint string) ([]byte, error) {
	payload, err := s.client.Get(ctx, responseKeyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached response: %w", err)
	}
	return payload, nil
}

// PutCachedResponse implements Store.PutCachedResponse
func (s *RedisStore) PutCachedResponse(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	return s.client.Set(ctx, responseKeyPrefix+fingerprint, payload, ttl).Err()
}

// PutComplianceCheck implements Store.PutComplianceCheck
func (s *RedisStore) PutComplianceCheck(ctx context.Context, check models.ComplianceCheck) error {
	payload, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("marshal compliance check: %w", err)
	}
	return s.client.Set(ctx, complianceKeyPrefix+check.SourceID, payload, complianceCheckTTL).Err()
}

// GetComplianceCheck implements Store.GetComplianceCheck
func (s *RedisStore) GetComplianceCheck(ctx context.Context, sourceID string) (*models.ComplianceCheck, error) {
	payload, err := s.client.Get(ctx, complianceKeyPrefix+sourceID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get compliance check: %w", err)
	}
	var check models.ComplianceCheck
	if err := json.Unmarshal(payload, &check); err != nil {
		s.logger.Warn("Dropping undecodable compliance check", map[string]interface{}{
			"source_id": sourceID,
			"error":     err.Error(),
		})
		return nil, nil
	}
	return &check, nil
}
