package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "memory", cfg.Provisioning.Mode)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"lock ttl must be > 0", func(c *Config) { c.Locks.TTL = 0 }},
		{"lock wait must be below ttl", func(c *Config) { c.Locks.AcquireWait = c.Locks.TTL }},
		{"idempotency ttl must be > 0", func(c *Config) { c.Idempotency.TTL = 0 }},
		{"history size must be > 0", func(c *Config) { c.Events.HistorySize = 0 }},
		{"events channel required", func(c *Config) { c.Events.Channel = "" }},
		{"unknown provisioning mode", func(c *Config) { c.Provisioning.Mode = "mediasoup" }},
		{"livekit mode needs credentials", func(c *Config) {
			c.Provisioning.Mode = "livekit"
			c.Provisioning.URL = "http://localhost:7880"
		}},
		{"webhook needs secret", func(c *Config) { c.Webhook.Enabled = true }},
		{"pong timeout above ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"redis address when enabled", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"http rps when rate limiting", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"ws burst when rate limiting", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.WebSocket.Burst = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
locks:
  ttl: 5s
  acquire_wait: 1s
events:
  history_size: 32
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("LIVEGRID_INSTANCE_ID", "node-a")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Locks.TTL)
	assert.Equal(t, 32, cfg.Events.HistorySize)
	assert.Equal(t, "node-a", cfg.Instance.ID)
	assert.Equal(t, "livegrid:events", cfg.Events.Channel)
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("locks:\n  ttl: 0s\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
