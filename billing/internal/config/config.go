package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingSigningSecret is returned by Validate when no signing secret is configured and
// the unverified development mode has not been explicitly enabled.
var ErrMissingSigningSecret = errors.New("webhook.signing_secret is required (set webhook.allow_unverified for local development only)")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// ShutdownTimeout bounds how long shutdown waits for in-flight dispatches.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebhookConfig struct {
	Path          string `mapstructure:"path"`
	SigningSecret string `mapstructure:"signing_secret"`
	// Tolerance is the maximum age of a signed timestamp.
	Tolerance time.Duration `mapstructure:"tolerance"`
	// AllowUnverified permits running without a signing secret. Never enable in production.
	AllowUnverified bool          `mapstructure:"allow_unverified"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type DatabaseConfig struct {
	Type           string         `mapstructure:"type"`
	MigrationsPath string         `mapstructure:"migrations_path"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL from the individual settings.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"`   // "jetstream" (default) or "file"
	BasePath string `mapstructure:"base_path"` // file backend only
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "45s")
	v.SetDefault("webhook.path", "/webhooks/stripe")
	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.tolerance", "5m")
	v.SetDefault("webhook.allow_unverified", false)
	v.SetDefault("webhook.max_body_bytes", 65536)
	v.SetDefault("webhook.handler_timeout", "30s")
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests", 600)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.migrations_path", "file://billing/migrations")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "telhawk_billing")
	v.SetDefault("database.postgres.user", "telhawk_billing_user")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("dlq.enabled", true)
	v.SetDefault("dlq.backend", "jetstream")
	v.SetDefault("dlq.base_path", "/var/lib/telhawk/billing-dlq")
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/billing")
	}

	// BILLING_WEBHOOK_SIGNING_SECRET overrides webhook.signing_secret, and so on.
	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that would make the service unsafe or unusable.
func (c *Config) Validate() error {
	if c.Webhook.SigningSecret == "" && !c.Webhook.AllowUnverified {
		return ErrMissingSigningSecret
	}
	if c.Webhook.Tolerance <= 0 {
		return fmt.Errorf("webhook.tolerance must be positive, got %s", c.Webhook.Tolerance)
	}
	if c.Webhook.HandlerTimeout <= 0 {
		return fmt.Errorf("webhook.handler_timeout must be positive, got %s", c.Webhook.HandlerTimeout)
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("webhook.max_body_bytes must be positive, got %d", c.Webhook.MaxBodyBytes)
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with '/', got %q", c.Webhook.Path)
	}
	switch c.Database.Type {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database.type %q (supported: postgres, memory)", c.Database.Type)
	}
	if c.DLQ.Enabled {
		switch c.DLQ.Backend {
		case "jetstream", "file":
		default:
			return fmt.Errorf("unknown dlq.backend %q (supported: jetstream, file)", c.DLQ.Backend)
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.Requests <= 0 {
		return fmt.Errorf("ratelimit.requests must be positive when rate limiting is enabled")
	}
	return nil
}
