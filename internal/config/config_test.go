package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, 8*time.Second, cfg.Compliance.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Payments.SignatureTolerance)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Redis.Enabled())
}

func TestNewReadsEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("COMPLIANCE_SERVICE_TIMEOUT", "250ms")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("RECONCILE_INTERVAL", "30s")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Compliance.Timeout)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.BrokerList())
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			App:        App{Port: "8080", JWTSecret: "s"},
			DB:         DB{Driver: "sqlite", DSN: ":memory:"},
			Compliance: Compliance{BaseURL: "http://compliance", Timeout: time.Second},
			Payments:   Payments{WebhookSecret: "whsec"},
		}
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Payments.WebhookSecret = ""
	assert.ErrorContains(t, cfg.Validate(), "PAYMENTS_WEBHOOK_SECRET")

	cfg = base()
	cfg.DB.Driver = "mysql"
	assert.ErrorContains(t, cfg.Validate(), "unsupported DB_DRIVER")

	cfg = base()
	cfg.App.Env = "production"
	cfg.App.JWTSecret = "klear-secret-key"
	assert.ErrorContains(t, cfg.Validate(), "JWT_SECRET")
}
