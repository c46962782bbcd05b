// Package config loads the service configuration from file and environment.
// Environment variables use the DATAMESH_ prefix with underscores for
// nesting, e.g. DATAMESH_API_LISTEN_ADDRESS.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openwatt/datamesh/pkg/compliance"
	"github.com/openwatt/datamesh/pkg/core"
	"github.com/openwatt/datamesh/pkg/observability"
	"github.com/openwatt/datamesh/pkg/reliability"
	"github.com/openwatt/datamesh/pkg/resilience"
)

// APIConfig holds HTTP facade parameters
type APIConfig struct {
	ListenAddress string        `json:"listen_address" mapstructure:"listen_address"`
	ReadTimeout   time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	// EnableMetricsEndpoint controls the /metrics Prometheus handler
	EnableMetricsEndpoint bool `json:"enable_metrics_endpoint" mapstructure:"enable_metrics_endpoint"`
}

// RedisConfig holds the persistence backend parameters
type RedisConfig struct {
	// Enabled switches between Redis and in-memory storage
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Address  string `json:"address" mapstructure:"address"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
}

// MaintenanceConfig controls the background housekeeping loop
type MaintenanceConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// Config is the full service configuration
type Config struct {
	API         APIConfig                   `json:"api" mapstructure:"api"`
	Logging     observability.LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics     observability.MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Redis       RedisConfig                 `json:"redis" mapstructure:"redis"`
	Manager     core.ManagerConfig          `json:"manager" mapstructure:"manager"`
	Breaker     resilience.BreakerConfig    `json:"breaker" mapstructure:"breaker"`
	Reliability reliability.Config          `json:"reliability" mapstructure:"reliability"`
	Compliance  compliance.GateConfig       `json:"compliance" mapstructure:"compliance"`
	Robots      compliance.RobotsConfig     `json:"robots" mapstructure:"robots"`
	Maintenance MaintenanceConfig           `json:"maintenance" mapstructure:"maintenance"`
}

// Load reads the configuration from the given file (optional) merged over
// defaults and environment variables.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DATAMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", "30s")
	v.SetDefault("api.write_timeout", "60s")
	v.SetDefault("api.enable_metrics_endpoint", true)

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "datamesh")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("manager.max_fusion_sources", 3)
	v.SetDefault("manager.default_source_timeout", "30s")
	v.SetDefault("manager.stuck_breaker_grace", "5m")
	v.SetDefault("manager.max_failover_attempts", 3)
	v.SetDefault("manager.response_cache_ttl", "30s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 3)
	v.SetDefault("breaker.open_timeout", "60s")
	v.SetDefault("breaker.monitoring_window", "5m")

	v.SetDefault("reliability.window", "24h")
	v.SetDefault("reliability.incident_window", "5m")
	v.SetDefault("reliability.incident_failures", 3)
	v.SetDefault("reliability.critical_failures", 5)
	v.SetDefault("reliability.alert_retention", "720h")
	v.SetDefault("reliability.assessment_history", 10)
	v.SetDefault("reliability.thresholds.min_uptime", 95)
	v.SetDefault("reliability.thresholds.max_response_time", "2s")
	v.SetDefault("reliability.thresholds.min_success_rate", 98)
	v.SetDefault("reliability.thresholds.min_quality", 0.8)
	v.SetDefault("reliability.thresholds.critical_uptime", 90)
	v.SetDefault("reliability.thresholds.critical_response", "5s")
	v.SetDefault("reliability.thresholds.critical_success_rate", 95)
	v.SetDefault("reliability.thresholds.critical_quality", 0.6)

	v.SetDefault("compliance.check_ttl", "720h")
	v.SetDefault("compliance.cache_size", 1024)

	v.SetDefault("robots.ttl", "24h")
	v.SetDefault("robots.cache_size", 512)
	v.SetDefault("robots.fetch_timeout", "10s")

	v.SetDefault("maintenance.interval", "1m")
}
