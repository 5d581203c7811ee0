package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/LovationAdmin/household-budget/services"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the service configuration, read from the environment (and .env).
type Config struct {
	Port              string `mapstructure:"PORT" validate:"required"`
	DatabaseURL       string `mapstructure:"DATABASE_URL" validate:"required"`
	FrontendURL       string `mapstructure:"FRONTEND_URL" validate:"required,url"`
	JWTSecret         string `mapstructure:"JWT_SECRET" validate:"required,min=16"`
	DataEncryptionKey string `mapstructure:"DATA_ENCRYPTION_KEY" validate:"required,min=32"`
	RedisURL          string `mapstructure:"REDIS_URL"`

	RevolutBaseURL        string        `mapstructure:"REVOLUT_BASE_URL" validate:"required,url"`
	RevolutAuthURL        string        `mapstructure:"REVOLUT_AUTH_URL" validate:"required,url"`
	RevolutClientID       string        `mapstructure:"REVOLUT_CLIENT_ID" validate:"required"`
	RevolutClientSecret   string        `mapstructure:"REVOLUT_CLIENT_SECRET" validate:"required"`
	RevolutRedirectURI    string        `mapstructure:"REVOLUT_REDIRECT_URI" validate:"required,url"`
	RevolutRequestTimeout time.Duration `mapstructure:"REVOLUT_REQUEST_TIMEOUT" validate:"gt=0"`

	SyncInterval     time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncLookbackDays int           `mapstructure:"SYNC_LOOKBACK_DAYS" validate:"gt=0"`
}

var keys = []string{
	"PORT", "DATABASE_URL", "FRONTEND_URL", "JWT_SECRET", "DATA_ENCRYPTION_KEY", "REDIS_URL",
	"REVOLUT_BASE_URL", "REVOLUT_AUTH_URL", "REVOLUT_CLIENT_ID", "REVOLUT_CLIENT_SECRET",
	"REVOLUT_REDIRECT_URI", "REVOLUT_REQUEST_TIMEOUT", "SYNC_INTERVAL", "SYNC_LOOKBACK_DAYS",
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("REVOLUT_BASE_URL", "https://oba.revolut.com")
	v.SetDefault("REVOLUT_AUTH_URL", "https://oba-auth.revolut.com")
	v.SetDefault("REVOLUT_REQUEST_TIMEOUT", "30s")
	v.SetDefault("SYNC_INTERVAL", "6h")
	v.SetDefault("SYNC_LOOKBACK_DAYS", 90)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about; bind every env key explicitly.
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, services.NewValidationError("invalid configuration", err)
	}
	return &cfg, nil
}

// Revolut returns the Open Banking settings.
func (c *Config) Revolut() services.RevolutConfig {
	return services.RevolutConfig{
		BaseURL:        c.RevolutBaseURL,
		AuthURL:        c.RevolutAuthURL,
		ClientID:       strings.TrimSpace(c.RevolutClientID),
		ClientSecret:   strings.TrimSpace(c.RevolutClientSecret),
		RedirectURI:    c.RevolutRedirectURI,
		StateSecret:    c.JWTSecret,
		RequestTimeout: c.RevolutRequestTimeout,
	}
}

// SyncLookback is the transaction window used before the first successful sync.
func (c *Config) SyncLookback() time.Duration {
	return time.Duration(c.SyncLookbackDays) * 24 * time.Hour
}
