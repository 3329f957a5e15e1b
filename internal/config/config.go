package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StorageMode string `mapstructure:"STORAGE_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	GatewayBaseURL      string        `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAuthURL      string        `mapstructure:"GATEWAY_AUTH_URL"`
	GatewayClientID     string        `mapstructure:"GATEWAY_CLIENT_ID"`
	GatewayClientSecret string        `mapstructure:"GATEWAY_CLIENT_SECRET"`
	GatewayOrgID        string        `mapstructure:"GATEWAY_ORG_ID"`
	GatewayTimeout      time.Duration `mapstructure:"GATEWAY_TIMEOUT"`

	WebhookSharedSecret string `mapstructure:"WEBHOOK_SHARED_SECRET"`

	PollInterval    time.Duration `mapstructure:"POLL_INTERVAL"`
	PollMaxAttempts int           `mapstructure:"POLL_MAX_ATTEMPTS"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_MODE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("GATEWAY_TIMEOUT", "30s")
	v.SetDefault("POLL_INTERVAL", "3s")
	v.SetDefault("POLL_MAX_ATTEMPTS", 20)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("STORAGE_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("GATEWAY_BASE_URL")
	v.BindEnv("GATEWAY_AUTH_URL")
	v.BindEnv("GATEWAY_CLIENT_ID")
	v.BindEnv("GATEWAY_CLIENT_SECRET")
	v.BindEnv("GATEWAY_ORG_ID")
	v.BindEnv("GATEWAY_TIMEOUT")
	v.BindEnv("WEBHOOK_SHARED_SECRET")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("POLL_MAX_ATTEMPTS")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether the durable store is Postgres. The in-memory
// mode exists for local development and demos only.
func (c *Config) UsesPostgres() bool {
	return c.StorageMode != "memory"
}

// Validate checks that the configuration is safe to run. Development mode may
// run against the in-memory store with no gateway credentials; everything
// else needs the full exchange configuration.
func (c *Config) Validate() error {
	if c.StorageMode != "postgres" && c.StorageMode != "memory" {
		return fmt.Errorf("STORAGE_MODE must be \"postgres\" or \"memory\", got %q", c.StorageMode)
	}
	if c.UsesPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORAGE_MODE is \"postgres\"")
	}
	if c.StorageMode == "memory" && c.IsProduction() {
		return fmt.Errorf("STORAGE_MODE=memory is not allowed in production")
	}

	if c.IsDev() {
		return nil
	}

	if c.GatewayBaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL is required outside development")
	}
	if c.GatewayAuthURL == "" || c.GatewayClientID == "" || c.GatewayClientSecret == "" {
		return fmt.Errorf("GATEWAY_AUTH_URL, GATEWAY_CLIENT_ID and GATEWAY_CLIENT_SECRET are required outside development")
	}
	if c.GatewayOrgID == "" {
		return fmt.Errorf("GATEWAY_ORG_ID is required outside development")
	}
	if c.WebhookSharedSecret == "" {
		return fmt.Errorf("WEBHOOK_SHARED_SECRET is required outside development. " +
			"Refusing to accept unauthenticated gateway callbacks")
	}
	return nil
}
