package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the full application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Signal       SignalConfig       `yaml:"signal"`
	Redis        RedisConfig        `yaml:"redis"`
	Instance     InstanceConfig     `yaml:"instance"`
	Locks        LocksConfig        `yaml:"locks"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Events       EventsConfig       `yaml:"events"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type SignalConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendQueue    int           `yaml:"send_queue"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type InstanceConfig struct {
	// ID tags events this process publishes. Empty means generate one at boot.
	ID string `yaml:"id"`
}

type LocksConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	AcquireWait time.Duration `yaml:"acquire_wait"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type EventsConfig struct {
	Channel     string `yaml:"channel"`
	HistorySize int    `yaml:"history_size"`
}

type ProvisioningConfig struct {
	// Mode is "memory" for the in-process room server or "livekit".
	Mode      string        `yaml:"mode"`
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	Timeout   time.Duration `yaml:"timeout"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	Retry struct {
		Enabled      bool          `yaml:"enabled"`
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	CircuitBreaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"circuit_breaker"`
}

type WebhookConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	JaegerURL   string  `yaml:"jaeger_url"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type RateLimitingConfig struct {
	Enabled bool `yaml:"enabled"`

	HTTP struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"http"`

	WebSocket struct {
		MessagesPerSecond   float64 `yaml:"messages_per_second"`
		Burst               int     `yaml:"burst"`
		MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
	} `yaml:"websocket"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.GRPC.Enabled && c.GRPC.Address == "" {
		return fmt.Errorf("grpc.address must not be empty when grpc.enabled=true")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendQueue <= 0 {
		return fmt.Errorf("signal.send_queue must be > 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Locks.TTL <= 0 {
		return fmt.Errorf("locks.ttl must be > 0")
	}
	if c.Locks.AcquireWait < 0 {
		return fmt.Errorf("locks.acquire_wait must be >= 0")
	}
	if c.Locks.AcquireWait >= c.Locks.TTL {
		return fmt.Errorf("locks.acquire_wait must be < locks.ttl")
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be > 0")
	}

	if c.Events.Channel == "" {
		return fmt.Errorf("events.channel must not be empty")
	}
	if c.Events.HistorySize <= 0 {
		return fmt.Errorf("events.history_size must be > 0")
	}

	switch c.Provisioning.Mode {
	case "memory":
	case "livekit":
		if c.Provisioning.URL == "" || c.Provisioning.APIKey == "" || c.Provisioning.APISecret == "" {
			return fmt.Errorf("provisioning.url, api_key and api_secret are required in livekit mode")
		}
	default:
		return fmt.Errorf("provisioning.mode must be memory or livekit, got %q", c.Provisioning.Mode)
	}
	if c.Provisioning.Timeout <= 0 {
		return fmt.Errorf("provisioning.timeout must be > 0")
	}
	if c.Provisioning.TokenTTL <= 0 {
		return fmt.Errorf("provisioning.token_ttl must be > 0")
	}
	if c.Provisioning.Retry.Enabled && c.Provisioning.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("provisioning.retry.max_attempts must be > 0 when retry is enabled")
	}
	if c.Provisioning.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("provisioning.circuit_breaker.failure_threshold must be > 0")
	}

	if c.Webhook.Enabled && c.Provisioning.APISecret == "" {
		return fmt.Errorf("provisioning.api_secret is required to verify webhooks")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.GRPC.Enabled = true
	cfg.GRPC.Address = ":9090"

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueue = 64

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.DialTimeout = 5 * time.Second

	cfg.Locks.TTL = 10 * time.Second
	cfg.Locks.AcquireWait = 2 * time.Second

	// One lifetime for both the create-token and the HTTP replay cache.
	cfg.Idempotency.TTL = 24 * time.Hour

	cfg.Events.Channel = "livegrid:events"
	cfg.Events.HistorySize = 256

	cfg.Provisioning.Mode = "memory"
	cfg.Provisioning.Timeout = 10 * time.Second
	cfg.Provisioning.TokenTTL = 6 * time.Hour
	cfg.Provisioning.Retry.Enabled = true
	cfg.Provisioning.Retry.MaxAttempts = 2
	cfg.Provisioning.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Provisioning.Retry.MaxDelay = 2 * time.Second
	cfg.Provisioning.CircuitBreaker.FailureThreshold = 5
	cfg.Provisioning.CircuitBreaker.SuccessThreshold = 2
	cfg.Provisioning.CircuitBreaker.OpenTimeout = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 8 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LIVEGRID_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("LIVEGRID_GRPC_ADDRESS"); v != "" {
		c.GRPC.Address = v
	}
	if v := os.Getenv("LIVEGRID_INSTANCE_ID"); v != "" {
		c.Instance.ID = v
	}
	if v := os.Getenv("LIVEGRID_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("LIVEGRID_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LIVEGRID_LIVEKIT_URL"); v != "" {
		c.Provisioning.URL = v
		c.Provisioning.Mode = "livekit"
	}
	if v := os.Getenv("LIVEGRID_LIVEKIT_API_KEY"); v != "" {
		c.Provisioning.APIKey = v
	}
	if v := os.Getenv("LIVEGRID_LIVEKIT_API_SECRET"); v != "" {
		c.Provisioning.APISecret = v
	}
}
