package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node struct {
		PollInterval       time.Duration `yaml:"poll_interval"`
		TickRate           int           `yaml:"tick_rate"` // state sends per second
		AdvertiseInterval  time.Duration `yaml:"advertise_interval"`
		AdvertisementTTL   time.Duration `yaml:"advertisement_ttl"`
		SignalTTL          time.Duration `yaml:"signal_ttl"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		JoinTimeout        time.Duration `yaml:"join_timeout"`
		DedupCapacity      int           `yaml:"dedup_capacity"`
		EventBuffer        int           `yaml:"event_buffer"`
	} `yaml:"node"`

	Store struct {
		Backend  string `yaml:"backend"` // memory | file | redis | relay
		Fallback string `yaml:"fallback"`

		File struct {
			Path string `yaml:"path"`
		} `yaml:"file"`

		Redis struct {
			Address   string `yaml:"address"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			PoolSize  int    `yaml:"pool_size"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`

		Relay struct {
			URL              string        `yaml:"url"`
			HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		} `yaml:"relay"`

		Batch struct {
			Enabled  bool          `yaml:"enabled"`
			MaxSize  int           `yaml:"max_size"`
			Interval time.Duration `yaml:"interval"`
		} `yaml:"batch"`

		Retry struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
		} `yaml:"retry"`
	} `yaml:"store"`

	Bus struct {
		Enabled bool `yaml:"enabled"`
		Buffer  int  `yaml:"buffer"`
	} `yaml:"bus"`

	Recovery struct {
		Enabled      bool          `yaml:"enabled"`
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
	} `yaml:"recovery"`

	Sync struct {
		MaxSpeed        float64 `yaml:"max_speed"` // units per second, plausibility bound
		InputRate       float64 `yaml:"input_rate"`
		InputBurst      int     `yaml:"input_burst"`
		PredictionLimit int     `yaml:"prediction_limit"`
	} `yaml:"sync"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortMin uint16 `yaml:"port_min"`
		PortMax uint16 `yaml:"port_max"`
	} `yaml:"webrtc"`

	Server struct {
		StatusAddress   string        `yaml:"status_address"`
		RelayAddress    string        `yaml:"relay_address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		AppendsPerSecond  float64 `yaml:"appends_per_second"` // relay store appends per connection
		AppendBurst       int     `yaml:"append_burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if c.Node.PollInterval <= 0 {
		return fmt.Errorf("node.poll_interval must be > 0")
	}
	if c.Node.TickRate <= 0 || c.Node.TickRate > 120 {
		return fmt.Errorf("node.tick_rate must be between 1 and 120")
	}
	if c.Node.AdvertiseInterval <= 0 {
		return fmt.Errorf("node.advertise_interval must be > 0")
	}
	if c.Node.AdvertisementTTL <= 0 {
		return fmt.Errorf("node.advertisement_ttl must be > 0")
	}
	if c.Node.SignalTTL <= 0 {
		return fmt.Errorf("node.signal_ttl must be > 0")
	}
	if c.Node.NegotiationTimeout <= 0 {
		return fmt.Errorf("node.negotiation_timeout must be > 0")
	}
	if c.Node.JoinTimeout <= 0 {
		return fmt.Errorf("node.join_timeout must be > 0")
	}
	if c.Node.DedupCapacity <= 0 {
		return fmt.Errorf("node.dedup_capacity must be > 0")
	}

	// Store
	switch c.Store.Backend {
	case "memory", "file", "redis", "relay":
	default:
		return fmt.Errorf("store.backend must be one of memory, file, redis, relay")
	}
	if c.Store.Backend == "file" && c.Store.File.Path == "" {
		return fmt.Errorf("store.file.path must not be empty when store.backend=file")
	}
	if c.Store.Backend == "redis" {
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address must not be empty when store.backend=redis")
		}
		if c.Store.Redis.PoolSize <= 0 {
			return fmt.Errorf("store.redis.pool_size must be > 0 when store.backend=redis")
		}
	}
	if c.Store.Backend == "relay" && c.Store.Relay.URL == "" {
		return fmt.Errorf("store.relay.url must not be empty when store.backend=relay")
	}
	if c.Store.Batch.Enabled {
		if c.Store.Batch.MaxSize <= 0 {
			return fmt.Errorf("store.batch.max_size must be > 0 when batching is enabled")
		}
		if c.Store.Batch.Interval <= 0 {
			return fmt.Errorf("store.batch.interval must be > 0 when batching is enabled")
		}
		if c.Store.Batch.Interval >= c.Node.PollInterval {
			return fmt.Errorf("store.batch.interval must be shorter than node.poll_interval")
		}
	}
	if c.Store.Retry.Enabled {
		if c.Store.Retry.MaxAttempts <= 0 {
			return fmt.Errorf("store.retry.max_attempts must be > 0 when store retries are enabled")
		}
		if c.Store.Retry.InitialDelay <= 0 {
			return fmt.Errorf("store.retry.initial_delay must be > 0 when store retries are enabled")
		}
		if c.Store.Retry.Multiplier < 1 {
			return fmt.Errorf("store.retry.multiplier must be >= 1")
		}
	}

	// Recovery
	if c.Recovery.Enabled {
		if c.Recovery.MaxAttempts <= 0 {
			return fmt.Errorf("recovery.max_attempts must be > 0 when recovery is enabled")
		}
		if c.Recovery.InitialDelay <= 0 {
			return fmt.Errorf("recovery.initial_delay must be > 0 when recovery is enabled")
		}
		if c.Recovery.Multiplier < 1 {
			return fmt.Errorf("recovery.multiplier must be >= 1")
		}
	}

	// Sync
	if c.Sync.MaxSpeed <= 0 {
		return fmt.Errorf("sync.max_speed must be > 0")
	}
	if c.Sync.InputRate <= 0 {
		return fmt.Errorf("sync.input_rate must be > 0")
	}
	if c.Sync.PredictionLimit <= 0 {
		return fmt.Errorf("sync.prediction_limit must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortMin > 0 || c.WebRTC.PortMax > 0 {
		if c.WebRTC.PortMin > c.WebRTC.PortMax {
			return fmt.Errorf("webrtc.port_min must not exceed webrtc.port_max")
		}
	}

	// Server
	if c.Server.StatusAddress == "" {
		return fmt.Errorf("server.status_address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.AppendsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.appends_per_second must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
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

	cfg.Node.PollInterval = 500 * time.Millisecond
	cfg.Node.TickRate = 20
	cfg.Node.AdvertiseInterval = 30 * time.Second
	cfg.Node.AdvertisementTTL = 5 * time.Minute
	cfg.Node.SignalTTL = 5 * time.Minute
	cfg.Node.NegotiationTimeout = 10 * time.Second
	cfg.Node.JoinTimeout = 30 * time.Second
	cfg.Node.DedupCapacity = 1000
	cfg.Node.EventBuffer = 64

	cfg.Store.Backend = "memory"
	cfg.Store.Fallback = "memory"
	cfg.Store.File.Path = "partyline-signals.jsonl"
	cfg.Store.Redis.Address = "localhost:6379"
	cfg.Store.Redis.DB = 0
	cfg.Store.Redis.PoolSize = 10
	cfg.Store.Redis.KeyPrefix = "partyline:"
	cfg.Store.Relay.HandshakeTimeout = 5 * time.Second
	cfg.Store.Batch.Enabled = false
	cfg.Store.Batch.MaxSize = 32
	cfg.Store.Batch.Interval = 50 * time.Millisecond
	cfg.Store.Retry.Enabled = false
	cfg.Store.Retry.MaxAttempts = 2
	cfg.Store.Retry.InitialDelay = 50 * time.Millisecond
	cfg.Store.Retry.MaxDelay = 500 * time.Millisecond
	cfg.Store.Retry.Multiplier = 2.0

	cfg.Bus.Enabled = true
	cfg.Bus.Buffer = 256

	cfg.Recovery.Enabled = true
	cfg.Recovery.MaxAttempts = 5
	cfg.Recovery.InitialDelay = time.Second
	cfg.Recovery.MaxDelay = 30 * time.Second
	cfg.Recovery.Multiplier = 2.0

	cfg.Sync.MaxSpeed = 240
	cfg.Sync.InputRate = 60
	cfg.Sync.InputBurst = 90
	cfg.Sync.PredictionLimit = 128

	cfg.Server.StatusAddress = ":8090"
	cfg.Server.RelayAddress = ":8091"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Development = false

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "partyline"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.AppendsPerSecond = 40
	cfg.RateLimiting.AppendBurst = 80

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if backend := os.Getenv("PARTYLINE_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("PARTYLINE_REDIS_ADDRESS"); addr != "" {
		c.Store.Redis.Address = addr
	}
	if url := os.Getenv("PARTYLINE_RELAY_URL"); url != "" {
		c.Store.Relay.URL = url
	}
	if path := os.Getenv("PARTYLINE_STORE_FILE_PATH"); path != "" {
		c.Store.File.Path = path
	}
	if addr := os.Getenv("PARTYLINE_STATUS_ADDRESS"); addr != "" {
		c.Server.StatusAddress = addr
	}
	if addr := os.Getenv("PARTYLINE_RELAY_ADDRESS"); addr != "" {
		c.Server.RelayAddress = addr
	}
	if level := os.Getenv("PARTYLINE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
