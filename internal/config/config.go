package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/narwhalmedia/switchboard/pkg/logger"
)

// Config holds all configuration for the coordination layer.
type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Substrate  SubstrateConfig  `koanf:"substrate"`
	Logger     logger.Config    `koanf:"logger"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	EventBus   EventBusConfig   `koanf:"eventbus"`
	EventStore EventStoreConfig `koanf:"eventstore"`
	Registry   RegistryConfig   `koanf:"registry"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
	Archive    ArchiveConfig    `koanf:"archive"`
}

// ServiceConfig describes the running process.
type ServiceConfig struct {
	Name            string        `koanf:"name"`
	Version         string        `koanf:"version"`
	Environment     string        `koanf:"environment"` // dev, staging, production
	Host            string        `koanf:"host"`
	HTTPPort        int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SubstrateConfig selects and configures the durable log backend.
type SubstrateConfig struct {
	Driver       string        `koanf:"driver"` // redis, memory
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	KeyPrefix    string        `koanf:"key_prefix"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Addr returns host:port.
func (c SubstrateConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// EventBusConfig configures publishing, delivery and retries.
type EventBusConfig struct {
	MaxRetries       int           `koanf:"max_retries"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	DefaultTTL       time.Duration `koanf:"default_ttl"`
	BatchSize        int           `koanf:"batch_size"`
	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	MaxStreamLength  int64         `koanf:"max_stream_length"`
	ConsumerGroup    string        `koanf:"consumer_group"`
	ConsumerName     string        `koanf:"consumer_name"`
	PersistEvents    bool          `koanf:"persist_events"`
	Realtime         bool          `koanf:"realtime"`
	AuditTTL         time.Duration `koanf:"audit_ttl"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

// EventStoreConfig configures event and snapshot persistence.
type EventStoreConfig struct {
	SnapshotFrequency int64         `koanf:"snapshot_frequency"`
	EventTTL          time.Duration `koanf:"event_ttl"`
	SnapshotTTL       time.Duration `koanf:"snapshot_ttl"`
	CacheSize         int           `koanf:"cache_size"`
	CacheMaxEvents    int           `koanf:"cache_max_events"`
}

// RegistryConfig configures discovery, probing and load balancing.
type RegistryConfig struct {
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	HealthCheckTimeout  time.Duration `koanf:"health_check_timeout"`
	CleanupInterval     time.Duration `koanf:"cleanup_interval"`
	ServiceTimeout      time.Duration `koanf:"service_timeout"`
	ServiceTTL          time.Duration `koanf:"service_ttl"`
	LoadBalancing       string        `koanf:"load_balancing"` // round_robin, least_connections, random, weighted
	Notifications       bool          `koanf:"notifications"`
	CacheTTL            time.Duration `koanf:"cache_ttl"`
	UnhealthyThreshold  int           `koanf:"unhealthy_threshold"`
	BurstLimit          int           `koanf:"burst_limit"`
	BurstWindow         time.Duration `koanf:"burst_window"`
}

// DeadLetterConfig selects where exhausted envelopes are kept.
type DeadLetterConfig struct {
	Driver       string   `koanf:"driver"`  // none, gorm, nats, kafka
	Dialect      string   `koanf:"dialect"` // sqlite, postgres
	DSN          string   `koanf:"dsn"`
	NATSURL      string   `koanf:"nats_url"`
	Subject      string   `koanf:"subject"`
	KafkaBrokers []string `koanf:"kafka_brokers"`
	Topic        string   `koanf:"topic"`
}

// ArchiveConfig configures the S3 snapshot archive.
type ArchiveConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	Prefix   string `koanf:"prefix"`
}

var (
	validSubstrateDrivers  = map[string]bool{"redis": true, "memory": true}
	validDeadLetterDrivers = map[string]bool{"": true, "none": true, "gorm": true, "nats": true, "kafka": true}
	validStrategies        = map[string]bool{"round_robin": true, "least_connections": true, "random": true, "weighted": true}
)

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return errors.New("service name is required")
	}
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Service.HTTPPort)
	}
	if !validSubstrateDrivers[c.Substrate.Driver] {
		return fmt.Errorf("unknown substrate driver: %q", c.Substrate.Driver)
	}
	if c.Substrate.Driver == "redis" && (c.Substrate.Port <= 0 || c.Substrate.Port > 65535) {
		return fmt.Errorf("invalid substrate port: %d", c.Substrate.Port)
	}

	if c.EventBus.MaxRetries < 0 {
		return errors.New("eventbus max_retries must not be negative")
	}
	if c.EventBus.RetryDelay < 0 || c.EventBus.DefaultTTL < 0 || c.EventBus.IdleTimeout < 0 {
		return errors.New("eventbus durations must not be negative")
	}
	if c.EventBus.BatchSize <= 0 {
		return fmt.Errorf("eventbus batch_size must be positive: %d", c.EventBus.BatchSize)
	}
	if c.EventBus.BreakerThreshold <= 0 {
		return fmt.Errorf("eventbus breaker_threshold must be positive: %d", c.EventBus.BreakerThreshold)
	}

	if c.EventStore.SnapshotFrequency <= 0 {
		return fmt.Errorf("eventstore snapshot_frequency must be positive: %d", c.EventStore.SnapshotFrequency)
	}
	if c.EventStore.CacheSize < 0 || c.EventStore.CacheMaxEvents < 0 {
		return errors.New("eventstore cache sizes must not be negative")
	}

	r := c.Registry
	if r.HeartbeatInterval <= 0 || r.HealthCheckInterval <= 0 || r.CleanupInterval <= 0 {
		return errors.New("registry intervals must be positive")
	}
	if r.HealthCheckTimeout <= 0 || r.ServiceTimeout <= 0 {
		return errors.New("registry timeouts must be positive")
	}
	if !validStrategies[r.LoadBalancing] {
		return fmt.Errorf("unknown load balancing strategy: %q", r.LoadBalancing)
	}

	if !validDeadLetterDrivers[c.DeadLetter.Driver] {
		return fmt.Errorf("unknown dead-letter driver: %q", c.DeadLetter.Driver)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive bucket is required when the archive is enabled")
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Service.Environment == "production" || c.Service.Environment == "prod"
}

// GetDefaults returns default configuration values.
func GetDefaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            DefaultServiceName,
			Version:         "dev",
			Environment:     "dev",
			Host:            "localhost",
			HTTPPort:        DefaultHTTPPort,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Substrate: SubstrateConfig{
			Driver:       "redis",
			Host:         "localhost",
			Port:         DefaultRedisPort,
			KeyPrefix:    "switchboard:",
			PoolSize:     DefaultPoolSize,
			MinIdleConns: DefaultMinIdleConns,
			MaxRetries:   DefaultMaxRetries,
			DialTimeout:  DefaultDialTimeout,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
		Logger: *logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		EventBus: EventBusConfig{
			MaxRetries:       DefaultMaxRetries,
			RetryDelay:       time.Second,
			DefaultTTL:       24 * time.Hour,
			BatchSize:        10,
			IdleTimeout:      5 * time.Second,
			MaxStreamLength:  DefaultMaxStreamLength,
			ConsumerGroup:    DefaultServiceName,
			PersistEvents:    true,
			Realtime:         true,
			AuditTTL:         7 * 24 * time.Hour,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
		EventStore: EventStoreConfig{
			SnapshotFrequency: 100,
			EventTTL:          365 * 24 * time.Hour,
			SnapshotTTL:       90 * 24 * time.Hour,
			CacheSize:         1000,
			CacheMaxEvents:    100,
		},
		Registry: RegistryConfig{
			HeartbeatInterval:   15 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			CleanupInterval:     time.Minute,
			ServiceTimeout:      90 * time.Second,
			ServiceTTL:          2 * time.Minute,
			LoadBalancing:       "round_robin",
			Notifications:       true,
			CacheTTL:            30 * time.Second,
			UnhealthyThreshold:  3,
			BurstLimit:          20,
			BurstWindow:         time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			Driver:  "none",
			Dialect: "sqlite",
			DSN:     "file:deadletters.db",
			NATSURL: "nats://localhost:4222",
			Subject: "switchboard.deadletter",
			Topic:   "switchboard.deadletter",
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "snapshots/",
		},
	}
}
