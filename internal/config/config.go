package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration loaded from symposium.yaml
// plus SYMPOSIUM_* environment overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Panel     PanelConfig     `mapstructure:"panel"`
	Gateways  GatewaysConfig  `mapstructure:"gateways"`
	Session   SessionConfig   `mapstructure:"session"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type PanelConfig struct {
	CatalogPath     string        `mapstructure:"catalog_path"`
	WatchCatalog    bool          `mapstructure:"watch_catalog"`
	MaxSteps        int           `mapstructure:"max_steps"`
	CacheCapacity   int           `mapstructure:"cache_capacity"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	RetrievalTopK   int           `mapstructure:"retrieval_top_k"`
	CollabDeadline  time.Duration `mapstructure:"collab_deadline"`
	CollabRoundCap  int           `mapstructure:"collab_round_cap"`
	HistoryMessages int           `mapstructure:"history_messages"`
}

type GatewaysConfig struct {
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Completion CompletionConfig `mapstructure:"completion"`
}

type RetrievalConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CompletionConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
}

type SessionConfig struct {
	FilePath   string `mapstructure:"file_path"`
	MaxHistory int    `mapstructure:"max_history"`
	CacheSize  int    `mapstructure:"cache_size"`
}

type StreamingConfig struct {
	RingCapacity int           `mapstructure:"ring_capacity"`
	Retention    time.Duration `mapstructure:"retention"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisStream  string        `mapstructure:"redis_stream"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from CONFIG_PATH (default ./config/symposium.yaml).
// A missing file yields defaults rather than an error so the service can boot
// in development with nothing but environment variables.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/symposium.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	v.SetEnvPrefix("SYMPOSIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return u.Unwrap()
	}
	return err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8085")
	v.SetDefault("server.metrics_addr", ":2223")

	v.SetDefault("panel.catalog_path", "config/panel.yaml")
	v.SetDefault("panel.watch_catalog", false)
	v.SetDefault("panel.max_steps", 128)
	v.SetDefault("panel.cache_capacity", 20)
	v.SetDefault("panel.workers", 20)
	v.SetDefault("panel.queue_size", 256)
	v.SetDefault("panel.retrieval_top_k", 5)
	v.SetDefault("panel.collab_deadline", 60*time.Second)
	v.SetDefault("panel.collab_round_cap", 1)
	v.SetDefault("panel.history_messages", 10)

	v.SetDefault("gateways.retrieval.base_url", "http://localhost:8001")
	v.SetDefault("gateways.retrieval.timeout", 10*time.Second)
	v.SetDefault("gateways.completion.base_url", "http://localhost:8002")
	v.SetDefault("gateways.completion.timeout", 60*time.Second)
	v.SetDefault("gateways.completion.max_retries", 3)
	v.SetDefault("gateways.completion.backoff_base", 500*time.Millisecond)
	v.SetDefault("gateways.completion.rate_limit", 10.0)
	v.SetDefault("gateways.completion.rate_burst", 20)

	v.SetDefault("session.file_path", "data/sessions.json")
	v.SetDefault("session.max_history", 100)
	v.SetDefault("session.cache_size", 1024)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.retention", 5*time.Minute)
	v.SetDefault("streaming.redis_stream", "symposium:events")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "symposium-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Panel.MaxSteps <= 0 {
		return fmt.Errorf("panel.max_steps must be positive")
	}
	if c.Panel.CacheCapacity <= 0 {
		return fmt.Errorf("panel.cache_capacity must be positive")
	}
	if c.Panel.Workers <= 0 {
		return fmt.Errorf("panel.workers must be positive")
	}
	if c.Panel.Workers > c.Panel.CacheCapacity {
		// One compiled graph per worker identity; more workers than cache
		// slots would thrash the cache.
		return fmt.Errorf("panel.workers (%d) must not exceed panel.cache_capacity (%d)",
			c.Panel.Workers, c.Panel.CacheCapacity)
	}
	if c.Gateways.Completion.MaxRetries < 0 {
		return fmt.Errorf("gateways.completion.max_retries must not be negative")
	}
	return nil
}
