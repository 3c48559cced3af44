package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds every runtime setting of the service. Values come from the environment.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath string `env:"PUBLIC_BASE_PATH"`
	WebhookToken   string `env:"WEBHOOK_TOKEN"`
	AdminToken     string `env:"ADMIN_TOKEN"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/festa-bot.db"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool          `env:"REDIS_TLS" envDefault:"false"`
	DedupeTTL     time.Duration `env:"DEDUPE_TTL" envDefault:"24h"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"festabot"`

	ProviderBaseURL  string        `env:"WAPI_BASE_URL" envDefault:"https://api.w-api.app"`
	ProviderSendPath string        `env:"WAPI_SEND_PATH" envDefault:"/v1/message/send-text"`
	ProviderTimeout  time.Duration `env:"WAPI_TIMEOUT" envDefault:"15s"`

	WhatsAppStorePath  string `env:"WHATSAPP_STORE_PATH"`
	WhatsAppInstanceID string `env:"WHATSAPP_INSTANCE_ID"`
	WhatsAppLogLevel   string `env:"WHATSAPP_LOG_LEVEL" envDefault:"INFO"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration combinations the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.WhatsAppStorePath != "" && c.WhatsAppInstanceID == "" {
		errs = append(errs, errors.New("WHATSAPP_INSTANCE_ID is required when WHATSAPP_STORE_PATH is set"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("WAPI_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// DeviceMode reports whether a local WhatsApp device replaces the HTTP provider.
func (c *Config) DeviceMode() bool {
	return c.WhatsAppStorePath != ""
}
