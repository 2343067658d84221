package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worldshard.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1024, cfg.Relay.QueueLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.Partition.BoundaryOverride)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.StallWarn)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[tick]
rate = "50ms"
parallel = false

[partition]
default_count = 9
excluded_zones = [1519, 1637]

[relay]
queue_limit = 16
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Tick.Rate)
	assert.False(t, cfg.Tick.Parallel)
	assert.Equal(t, uint32(9), cfg.Partition.DefaultCount)
	assert.Equal(t, []uint32{1519, 1637}, cfg.Partition.ExcludedZones)
	assert.Equal(t, 16, cfg.Relay.QueueLimit)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Relay.MaxBounces)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.NotZero(t, cfg.Server.StartTime)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
[relay]
queue_limit = 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick rate", func(c *Config) { c.Tick.Rate = 0 }},
		{"negative workers", func(c *Config) { c.Tick.Workers = -1 }},
		{"negative overlap", func(c *Config) { c.Partition.BorderOverlap = -5 }},
		{"zero partitions", func(c *Config) { c.Partition.DefaultCount = 0 }},
		{"zero poll", func(c *Config) { c.Scheduler.WorkerPoll = 0 }},
		{"db without dsn", func(c *Config) { c.Database.Enabled = true; c.Database.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
