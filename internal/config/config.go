// Package config loads engine configuration from a YAML file plus FLUXBPM_*
// environment overrides, with hot reload of the tunable engine limits.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"event_store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Bus     BusConfig     `mapstructure:"bus"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
	// Webhook rate limit, events per second per messageRef; 0 disables.
	WebhookRateLimit float64 `mapstructure:"webhook_rate_limit"`
	WebhookBurst     int     `mapstructure:"webhook_burst"`
}

type AuthConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	JWTSecret string   `mapstructure:"jwt_secret"`
	// bcrypt hashes of accepted static API keys
	APIKeyHashes []string `mapstructure:"api_key_hashes"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// Mirror stream bounds
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
	StreamTTL    time.Duration `mapstructure:"stream_ttl"`
}

type BusConfig struct {
	// TTL for undelivered messages; 0 retains until instance end.
	TTL time.Duration `mapstructure:"ttl"`
}

type EngineConfig struct {
	// Hard cap on parallel multi-instance fan-out.
	MultiInstanceLimit int `mapstructure:"multi_instance_limit"`
	// Default for activities with loopCondition but no loopMaximum.
	LoopMaximum int `mapstructure:"loop_maximum"`
	// Receive task default timeout when timeoutMs is unset; 0 waits forever.
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
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

func defaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.webhook_rate_limit", 10.0)
	v.SetDefault("server.webhook_burst", 20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("event_store.driver", "sqlite3")
	v.SetDefault("event_store.dsn", "fluxbpm_events.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream_max_len", 4096)
	v.SetDefault("redis.stream_ttl", 24*time.Hour)
	v.SetDefault("bus.ttl", time.Duration(0))
	v.SetDefault("engine.multi_instance_limit", 1024)
	v.SetDefault("engine.loop_maximum", 100)
	v.SetDefault("engine.receive_timeout", time.Duration(0))
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "fluxbpm-engine")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads the config file at path (optional; defaults apply when empty
// or missing) merged with FLUXBPM_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("FLUXBPM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("FLUXBPM_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.MultiInstanceLimit <= 0 {
		return fmt.Errorf("engine.multi_instance_limit must be positive")
	}
	if c.Engine.LoopMaximum <= 0 {
		return fmt.Errorf("engine.loop_maximum must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeyHashes) == 0 {
		return fmt.Errorf("auth enabled but no jwt_secret or api_key_hashes configured")
	}
	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("event_store.driver %q not supported", c.Store.Driver)
	}
	return nil
}
