package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Port        string   `yaml:"port"`
	Env         string   `yaml:"env"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type OrdersConfig struct {
	TaxRate             decimal.Decimal `yaml:"tax_rate"`
	DeliveryFee         decimal.Decimal `yaml:"delivery_fee"`
	Currency            string          `yaml:"currency"`
	PickupEstimate      time.Duration   `yaml:"pickup_estimate"`
	DeliveryEstimate    time.Duration   `yaml:"delivery_estimate"`
	CancellationWindow  time.Duration   `yaml:"cancellation_window"`
	ScheduledBlackout   time.Duration   `yaml:"scheduled_blackout"`
	OrderNumberAttempts int             `yaml:"order_number_attempts"`
}

type PaymentConfig struct {
	APIBaseURL       string        `yaml:"api_base_url"`
	SecretKey        string        `yaml:"secret_key"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

type NotifyConfig struct {
	Transport    string        `yaml:"transport"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`
	AMQPURL      string        `yaml:"amqp_url"`
	AMQPExchange string        `yaml:"amqp_exchange"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type InvoiceConfig struct {
	BusinessName    string `yaml:"business_name"`
	BusinessAddress string `yaml:"business_address"`
}

type RateLimitConfig struct {
	WebhookRPS   float64 `yaml:"webhook_rps"`
	WebhookBurst int     `yaml:"webhook_burst"`
}

type Config struct {
	App       AppConfig       `yaml:"app"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Orders    OrdersConfig    `yaml:"orders"`
	Payment   PaymentConfig   `yaml:"payment"`
	Notify    NotifyConfig    `yaml:"notify"`
	Auth      AuthConfig      `yaml:"auth"`
	Invoice   InvoiceConfig   `yaml:"invoice"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// NewConfig reads CONFIG_PATH (yaml, optional), then .env, then the process environment.
func NewConfig() (*Config, error) {
	return Load(os.Getenv("CONFIG_PATH"), ".env")
}

func Load(yamlPath, envPath string) (*Config, error) {
	cfg := &Config{}

	if yamlPath != "" {
		file, err := os.Open(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: failed to open config file: %w", err)
		}
		defer file.Close()

		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: invalid config file: %w", err)
		}
	}

	if envPath != "" {
		err := godotenv.Load(envPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.App.Port, "APP_PORT")
	setString(&cfg.App.Env, "APP_ENV")
	setString(&cfg.App.LogLevel, "LOG_LEVEL")
	setString(&cfg.App.LogFormat, "LOG_FORMAT")

	setString(&cfg.Postgres.Host, "DB_HOST")
	setString(&cfg.Postgres.Port, "DB_PORT")
	setString(&cfg.Postgres.User, "DB_USER")
	setString(&cfg.Postgres.Password, "DB_PASSWORD")
	setString(&cfg.Postgres.DBName, "DB_NAME")
	setString(&cfg.Postgres.SSLMode, "DB_SSLMODE")
	setString(&cfg.Postgres.MigrationsPath, "DB_MIGRATIONS_PATH")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.Orders.Currency, "ORDER_CURRENCY")

	setString(&cfg.Payment.APIBaseURL, "PAYMENT_API_BASE_URL")
	setString(&cfg.Payment.SecretKey, "PAYMENT_SECRET_KEY")
	setString(&cfg.Payment.WebhookSecret, "PAYMENT_WEBHOOK_SECRET")

	setString(&cfg.Notify.Transport, "NOTIFY_TRANSPORT")
	setString(&cfg.Notify.KafkaTopic, "NOTIFY_KAFKA_TOPIC")
	setString(&cfg.Notify.AMQPURL, "NOTIFY_AMQP_URL")
	setString(&cfg.Notify.AMQPExchange, "NOTIFY_AMQP_EXCHANGE")
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.App.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("NOTIFY_KAFKA_BROKERS"); v != "" {
		cfg.Notify.KafkaBrokers = strings.Split(v, ",")
	}

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.Issuer, "JWT_ISSUER")

	setString(&cfg.Invoice.BusinessName, "INVOICE_BUSINESS_NAME")
	setString(&cfg.Invoice.BusinessAddress, "INVOICE_BUSINESS_ADDRESS")

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.Postgres.MaxConnLifetime, "DB_MAX_CONN_LIFETIME"},
		{&cfg.Redis.IdempotencyTTL, "REDIS_IDEMPOTENCY_TTL"},
		{&cfg.Orders.CancellationWindow, "ORDER_CANCELLATION_WINDOW"},
		{&cfg.Orders.ScheduledBlackout, "ORDER_SCHEDULED_BLACKOUT"},
		{&cfg.Payment.Timeout, "PAYMENT_TIMEOUT"},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Redis.DB, "REDIS_DB"},
		{&cfg.Payment.MaxRetries, "PAYMENT_MAX_RETRIES"},
		{&cfg.Orders.OrderNumberAttempts, "ORDER_NUMBER_ATTEMPTS"},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: invalid %s: %w", i.key, err)
			}
			*i.dst = parsed
		}
	}

	if v := os.Getenv("ORDER_TAX_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: invalid ORDER_TAX_RATE: %w", err)
		}
		cfg.Orders.TaxRate = rate
	}
	if v := os.Getenv("ORDER_DELIVERY_FEE"); v != "" {
		fee, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: invalid ORDER_DELIVERY_FEE: %w", err)
		}
		cfg.Orders.DeliveryFee = fee
	}

	return nil
}

func applyDefaults(cfg *Config) {
	defaultString(&cfg.App.Port, "8080")
	defaultString(&cfg.App.Env, "development")
	defaultString(&cfg.App.LogLevel, "info")
	defaultString(&cfg.App.LogFormat, "console")
	if len(cfg.App.CORSOrigins) == 0 {
		cfg.App.CORSOrigins = []string{"*"}
	}

	defaultString(&cfg.Postgres.Port, "5432")
	defaultString(&cfg.Postgres.SSLMode, "disable")
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = 10
	}
	if cfg.Postgres.MinConns == 0 {
		cfg.Postgres.MinConns = 2
	}
	if cfg.Postgres.MaxConnLifetime == 0 {
		cfg.Postgres.MaxConnLifetime = time.Hour
	}

	if cfg.Redis.IdempotencyTTL == 0 {
		cfg.Redis.IdempotencyTTL = 24 * time.Hour
	}

	if cfg.Orders.TaxRate.IsZero() {
		cfg.Orders.TaxRate = decimal.RequireFromString("0.16")
	}
	if cfg.Orders.DeliveryFee.IsZero() {
		cfg.Orders.DeliveryFee = decimal.RequireFromString("50.00")
	}
	defaultString(&cfg.Orders.Currency, "mxn")
	defaultDuration(&cfg.Orders.PickupEstimate, 30*time.Minute)
	defaultDuration(&cfg.Orders.DeliveryEstimate, 60*time.Minute)
	defaultDuration(&cfg.Orders.CancellationWindow, 30*time.Minute)
	defaultDuration(&cfg.Orders.ScheduledBlackout, 24*time.Hour)
	if cfg.Orders.OrderNumberAttempts == 0 {
		cfg.Orders.OrderNumberAttempts = 5
	}

	defaultString(&cfg.Payment.APIBaseURL, "https://api.stripe.com")
	defaultDuration(&cfg.Payment.WebhookTolerance, 5*time.Minute)
	defaultDuration(&cfg.Payment.Timeout, 5*time.Second)
	if cfg.Payment.MaxRetries == 0 {
		cfg.Payment.MaxRetries = 2
	}
	defaultDuration(&cfg.Payment.RetryBackoff, 200*time.Millisecond)

	defaultString(&cfg.Notify.Transport, "log")
	defaultString(&cfg.Notify.KafkaTopic, "order.notifications")
	defaultString(&cfg.Notify.AMQPExchange, "notifications_fanout")
	defaultDuration(&cfg.Notify.Timeout, 10*time.Second)

	defaultString(&cfg.Auth.Issuer, "identity-service")

	if cfg.RateLimit.WebhookRPS == 0 {
		cfg.RateLimit.WebhookRPS = 20
	}
	if cfg.RateLimit.WebhookBurst == 0 {
		cfg.RateLimit.WebhookBurst = 40
	}
}

func (c *Config) Validate() error {
	var problems []string

	if c.Postgres.Host == "" {
		problems = append(problems, "DB_HOST is required")
	}
	if c.Postgres.DBName == "" {
		problems = append(problems, "DB_NAME is required")
	}
	if c.Payment.SecretKey == "" {
		problems = append(problems, "PAYMENT_SECRET_KEY is required")
	}
	if c.Payment.WebhookSecret == "" {
		problems = append(problems, "PAYMENT_WEBHOOK_SECRET is required")
	}
	if c.Auth.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if c.Orders.TaxRate.IsNegative() {
		problems = append(problems, "tax rate cannot be negative")
	}
	if c.Orders.DeliveryFee.IsNegative() {
		problems = append(problems, "delivery fee cannot be negative")
	}
	switch c.Notify.Transport {
	case "log", "kafka", "amqp":
	default:
		problems = append(problems, fmt.Sprintf("unknown notify transport %q", c.Notify.Transport))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func defaultString(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

func defaultDuration(dst *time.Duration, value time.Duration) {
	if *dst == 0 {
		*dst = value
	}
}
