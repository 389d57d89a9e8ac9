package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_NAME", "orders")
	t.Setenv("PAYMENT_SECRET_KEY", "sk_test")
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("JWT_SECRET", "jwt-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "5432", cfg.Postgres.Port)
	assert.True(t, cfg.Orders.TaxRate.Equal(decimal.RequireFromString("0.16")))
	assert.True(t, cfg.Orders.DeliveryFee.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, "mxn", cfg.Orders.Currency)
	assert.Equal(t, 30*time.Minute, cfg.Orders.PickupEstimate)
	assert.Equal(t, 60*time.Minute, cfg.Orders.DeliveryEstimate)
	assert.Equal(t, 30*time.Minute, cfg.Orders.CancellationWindow)
	assert.Equal(t, 24*time.Hour, cfg.Orders.ScheduledBlackout)
	assert.Equal(t, 5, cfg.Orders.OrderNumberAttempts)
	assert.Equal(t, 5*time.Second, cfg.Payment.Timeout)
	assert.Equal(t, 2, cfg.Payment.MaxRetries)
	assert.Equal(t, "log", cfg.Notify.Transport)
}

func TestLoad_YAMLThenEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_PORT", "9090")
	t.Setenv("ORDER_CANCELLATION_WINDOW", "45m")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  port: "7070"
orders:
  tax_rate: "0.08"
  cancellation_window: 10m
notify:
  transport: kafka
  kafka_brokers: ["broker:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.App.Port)
	assert.True(t, cfg.Orders.TaxRate.Equal(decimal.RequireFromString("0.08")))
	assert.Equal(t, 45*time.Minute, cfg.Orders.CancellationWindow)
	assert.Equal(t, "kafka", cfg.Notify.Transport)
	assert.Equal(t, []string{"broker:9092"}, cfg.Notify.KafkaBrokers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing payment secret", env: map[string]string{"PAYMENT_SECRET_KEY": ""}},
		{name: "bad duration", env: map[string]string{"PAYMENT_TIMEOUT": "soon"}},
		{name: "bad tax rate", env: map[string]string{"ORDER_TAX_RATE": "sixteen"}},
		{name: "negative tax rate", env: map[string]string{"ORDER_TAX_RATE": "-0.1"}},
		{name: "unknown transport", env: map[string]string{"NOTIFY_TRANSPORT": "pigeon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("", "")
			require.Error(t, err)
		})
	}
}
