package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings, populated from environment variables.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Telegram
	TelegramToken    string  `env:"TELEGRAM_TOKEN"`
	AdminTelegramIDs []int64 `env:"ADMIN_TELEGRAM_IDS"`
	MiniAppURL       string  `env:"MINI_APP_URL" envDefault:"https://example.com"`

	// Database: remote libsql when LIBSQL_URL is set, local file otherwise
	LibsqlURL       string `env:"LIBSQL_URL"`
	LibsqlAuthToken string `env:"LIBSQL_AUTH_TOKEN"`
	DatabasePath    string `env:"DATABASE_PATH" envDefault:"data.db"`

	// Background resolver
	ResolveInterval time.Duration `env:"RESOLVE_INTERVAL" envDefault:"30s"`
	PurchaseTTL     time.Duration `env:"PURCHASE_TTL" envDefault:"24h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG"`
}

// Load reads .env if present and parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // Load .env file if exists

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
