package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN              string `env:"DATABASE_DSN,required=true"`
	DBMaxOpenConns           int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns           int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetimeMinutes int    `env:"DB_CONN_MAX_LIFETIME_MINUTES,default=60"`
	// RedisURL is optional; without it the rate limiter falls back to an
	// in-process token bucket.
	RedisURL string `env:"REDIS_URL"`

	SMTPHost     string `env:"SMTP_HOST,required=true"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM,required=true"`
	SMTPMaxConns int    `env:"SMTP_MAX_CONNS,default=4"`

	RateLimitPerSec   int `env:"RATE_LIMIT_PER_SEC,default=10"`
	RetryAttempts     int `env:"RETRY_ATTEMPTS,default=3"`
	RetryDelaySeconds int `env:"RETRY_DELAY_SECONDS,default=15"`

	ChromePath           string `env:"CHROME_PATH"`
	RenderTimeoutSeconds int    `env:"RENDER_TIMEOUT_SECONDS,default=120"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
