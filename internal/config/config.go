// Package config builds the single Config value that main hands to every
// component constructor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	App        App
	DB         DB
	Compliance Compliance
	Payments   Payments
	Kafka      Kafka
	Redis      Redis
	Reconcile  Reconcile
	Log        Log
}

type App struct {
	Port              string `env:"APP_PORT" envDefault:"8080"`
	Env               string `env:"APP_ENV" envDefault:"development"`
	JWTSecret         string `env:"JWT_SECRET" envDefault:"klear-secret-key"`
	InternalAPIKey    string `env:"INTERNAL_API_KEY" envDefault:"test-api-key"`
	InternalAPISecret string `env:"INTERNAL_API_SECRET" envDefault:"test-api-secret"`
}

type DB struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DB_DSN" envDefault:"escrow.db"`
}

type Compliance struct {
	BaseURL    string        `env:"COMPLIANCE_SERVICE_URL" envDefault:"http://localhost:4500"`
	Timeout    time.Duration `env:"COMPLIANCE_SERVICE_TIMEOUT" envDefault:"8s"`
	ActorLabel string        `env:"COMPLIANCE_ACTOR_LABEL" envDefault:"Escrow Service"`
}

type Payments struct {
	WebhookSecret      string        `env:"PAYMENTS_WEBHOOK_SECRET" envDefault:"whsec_local"`
	SignatureTolerance time.Duration `env:"PAYMENTS_SIGNATURE_TOLERANCE" envDefault:"5m"`
	Currency           string        `env:"PAYMENTS_CURRENCY" envDefault:"usd"`
}

type Kafka struct {
	Brokers          string        `env:"KAFKA_BROKERS"`
	PaymentTopic     string        `env:"KAFKA_PAYMENT_TOPIC" envDefault:"payments.status.changed"`
	ConsumerGroup    string        `env:"KAFKA_ESCROW_GROUP_ID" envDefault:"escrow-service"`
	RetryMaxAttempts int           `env:"KAFKA_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"KAFKA_RETRY_BASE_DELAY" envDefault:"100ms"`
	RetryMaxDelay    time.Duration `env:"KAFKA_RETRY_MAX_DELAY" envDefault:"10s"`
	RetryJitter      bool          `env:"KAFKA_RETRY_JITTER" envDefault:"true"`
}

type Redis struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	EventTTL time.Duration `env:"REDIS_EVENT_TTL" envDefault:"72h"`
}

type Reconcile struct {
	Interval  time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	BatchSize int           `env:"RECONCILE_BATCH_SIZE" envDefault:"50"`
}

type Log struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

func (k Kafka) Enabled() bool {
	return strings.TrimSpace(k.Brokers) != ""
}

func (k Kafka) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (k Kafka) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: k.RetryMaxAttempts,
		BaseDelay:   k.RetryBaseDelay,
		MaxDelay:    k.RetryMaxDelay,
		Jitter:      k.RetryJitter,
	}
}

func (r Redis) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

func (a App) IsProduction() bool {
	return a.Env == "production"
}

// New loads .env when APP_ENV=local, then parses the environment.
func New() (*Config, error) {
	if os.Getenv("APP_ENV") == "local" {
		_ = godotenv.Load(".env")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures critical configuration is present.
func (c *Config) Validate() error {
	var missing []string

	if strings.TrimSpace(c.App.Port) == "" {
		missing = append(missing, "APP_PORT")
	}
	if strings.TrimSpace(c.App.JWTSecret) == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if strings.TrimSpace(c.Payments.WebhookSecret) == "" {
		missing = append(missing, "PAYMENTS_WEBHOOK_SECRET")
	}
	if strings.TrimSpace(c.Compliance.BaseURL) == "" {
		missing = append(missing, "COMPLIANCE_SERVICE_URL")
	}
	if c.App.IsProduction() && c.App.JWTSecret == "klear-secret-key" {
		missing = append(missing, "JWT_SECRET (default value in production)")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if c.Compliance.Timeout <= 0 {
		return fmt.Errorf("COMPLIANCE_SERVICE_TIMEOUT must be positive")
	}
	return nil
}
