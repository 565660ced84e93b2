package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := GetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.EventBus.MaxRetries)
	assert.Equal(t, time.Second, cfg.EventBus.RetryDelay)
	assert.Equal(t, int64(10000), cfg.EventBus.MaxStreamLength)
	assert.Equal(t, 5, cfg.EventBus.BreakerThreshold)
	assert.Equal(t, time.Minute, cfg.EventBus.BreakerCooldown)
	assert.Equal(t, int64(100), cfg.EventStore.SnapshotFrequency)
	assert.Equal(t, 15*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, "round_robin", cfg.Registry.LoadBalancing)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: orders
eventbus:
  retry_delay: 250ms
  batch_size: 25
registry:
  load_balancing: weighted
`), 0o600))

	t.Setenv("SWITCHBOARD_EVENTBUS__MAX_RETRIES", "5")
	t.Setenv("SWITCHBOARD_SUBSTRATE__KEY_PREFIX", "test:")

	cfg := GetDefaults()
	require.NoError(t, NewManager("switchboard").WithPaths(path).LoadConfig(cfg))

	assert.Equal(t, "orders", cfg.Service.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.EventBus.RetryDelay)
	assert.Equal(t, 25, cfg.EventBus.BatchSize)
	assert.Equal(t, 5, cfg.EventBus.MaxRetries)
	assert.Equal(t, "test:", cfg.Substrate.KeyPrefix)
	assert.Equal(t, "weighted", cfg.Registry.LoadBalancing)

	// untouched sections keep their defaults
	assert.Equal(t, 24*time.Hour, cfg.EventBus.DefaultTTL)
	assert.Equal(t, int64(100), cfg.EventStore.SnapshotFrequency)
}

func TestLoadConfig_MissingFilesAreSkipped(t *testing.T) {
	cfg := GetDefaults()
	err := NewManager("switchboard").WithPaths(filepath.Join(t.TempDir(), "absent.yaml")).LoadConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultServiceName, cfg.Service.Name)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("registry:\n  load_balancing: fastest\n"), 0o600))

	cfg := GetDefaults()
	err := NewManager("switchboard").WithPaths(path).LoadConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown load balancing strategy")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing name", func(c *Config) { c.Service.Name = "" }, "service name is required"},
		{"bad driver", func(c *Config) { c.Substrate.Driver = "etcd" }, "unknown substrate driver"},
		{"negative retries", func(c *Config) { c.EventBus.MaxRetries = -1 }, "max_retries"},
		{"zero snapshot frequency", func(c *Config) { c.EventStore.SnapshotFrequency = 0 }, "snapshot_frequency"},
		{"zero heartbeat", func(c *Config) { c.Registry.HeartbeatInterval = 0 }, "registry intervals"},
		{"bad dead-letter driver", func(c *Config) { c.DeadLetter.Driver = "s3" }, "unknown dead-letter driver"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "archive bucket"},
		{"memory driver ignores port", func(c *Config) { c.Substrate.Driver = "memory"; c.Substrate.Port = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsProduction(t *testing.T) {
	cfg := GetDefaults()
	assert.False(t, cfg.IsProduction())
	for _, env := range []string{"production", "prod"} {
		cfg.Service.Environment = env
		assert.True(t, cfg.IsProduction(), env)
	}
}
