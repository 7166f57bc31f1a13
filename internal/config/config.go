package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Billing  BillingConfig
	Stripe   StripeConfig
	Webhook  WebhookConfig
	NATS     NATSConfig
	Secrets  SecretsConfig
	Catalog  CatalogConfig
	Logger   LoggerConfig

	CronSecret     string `env:"CRON_SECRET"`
	CronSecretPath string `env:"CRON_SECRET_PATH"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Host        string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	GRPCPort    int    `env:"GRPC_HEALTH_PORT" envDefault:"50051"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty host selects the
// in-memory store.
type DatabaseConfig struct {
	Host         string `env:"DB_HOST"`
	Port         int    `env:"DB_PORT" envDefault:"5432"`
	User         string `env:"DB_USER" envDefault:"postgres"`
	Password     string `env:"DB_PASSWORD"`
	PasswordPath string `env:"DB_PASSWORD_PATH"`
	Database     string `env:"DB_NAME" envDefault:"billing"`
	SSLMode      string `env:"DB_SSL_MODE" envDefault:"disable"`
	MaxConns     int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	MinConns     int32  `env:"DB_MIN_CONNS" envDefault:"5"`
	AutoMigrate  bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`
}

// RedisConfig configures the distributed tick lock. Empty URL disables it.
type RedisConfig struct {
	URL     string        `env:"REDIS_URL"`
	LockKey string        `env:"REDIS_LOCK_KEY" envDefault:"billing:scheduler:tick"`
	LockTTL time.Duration `env:"REDIS_LOCK_TTL" envDefault:"5m"`
}

// BillingConfig tunes the scheduler
type BillingConfig struct {
	TickInterval   time.Duration `env:"BILLING_TICK_INTERVAL" envDefault:"5m"`
	ItemPause      time.Duration `env:"BILLING_ITEM_PAUSE" envDefault:"200ms"`
	GatewayTimeout time.Duration `env:"BILLING_GATEWAY_TIMEOUT" envDefault:"30s"`
	ClaimLease     time.Duration `env:"BILLING_CLAIM_LEASE" envDefault:"10m"`
	BatchSize      int           `env:"BILLING_BATCH_SIZE" envDefault:"100"`
	Enabled        bool          `env:"BILLING_SCHEDULER_ENABLED" envDefault:"true"`
}

// StripeConfig configures the payment gateway. Without an API key the
// service runs against the in-memory gateway.
type StripeConfig struct {
	APIKey     string `env:"STRIPE_API_KEY"`
	APIKeyPath string `env:"STRIPE_API_KEY_PATH"`
	BaseURL    string `env:"STRIPE_BASE_URL"`

	BreakerMaxFailures uint32        `env:"GATEWAY_BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerTimeout     time.Duration `env:"GATEWAY_BREAKER_TIMEOUT" envDefault:"30s"`
}

// WebhookConfig configures outbound event delivery. Empty URL disables it.
type WebhookConfig struct {
	URL         string `env:"WEBHOOK_URL"`
	Secret      string `env:"WEBHOOK_SECRET"`
	SecretPath  string `env:"WEBHOOK_SECRET_PATH"`
	QueueSize   int    `env:"WEBHOOK_QUEUE_SIZE" envDefault:"1000"`
	MaxAttempts int    `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"5"`
}

// NATSConfig configures the event bus publisher. Empty URL disables it.
type NATSConfig struct {
	URL           string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"billing"`
}

// SecretsConfig selects the secret backend
type SecretsConfig struct {
	Provider  string `env:"SECRETS_PROVIDER" envDefault:"local"`
	LocalPath string `env:"SECRETS_LOCAL_PATH" envDefault:"./secrets"`

	AWSRegion  string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSProfile string `env:"AWS_PROFILE"`

	VaultAddress    string `env:"VAULT_ADDR" envDefault:"http://127.0.0.1:8200"`
	VaultAuthMethod string `env:"VAULT_AUTH_METHOD" envDefault:"token"`
	VaultToken      string `env:"VAULT_TOKEN"`
	VaultRoleID     string `env:"VAULT_ROLE_ID"`
	VaultSecretID   string `env:"VAULT_SECRET_ID"`
	VaultMountPath  string `env:"VAULT_MOUNT_PATH" envDefault:"secret"`
	VaultNamespace  string `env:"VAULT_NAMESPACE"`

	CacheTTL time.Duration `env:"SECRETS_CACHE_TTL" envDefault:"5m"`
}

// CatalogConfig points at the plan seed file loaded at startup
type CatalogConfig struct {
	SeedFile string        `env:"CATALOG_SEED_FILE"`
	CacheTTL time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"10m"`
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"` // debug, info, warn, error
}

var (
	ErrInvalidTickInterval = errors.New("billing tick interval must be positive")
	ErrUnknownProvider     = errors.New("unknown secrets provider")
)

// Load reads .env when present, then parses the environment
func Load() (*Config, error) {
	// the .env file is optional
	_ = godotenv.Load()
	return Parse()
}

// Parse builds a Config from the process environment and validates it
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the scheduler and secret backends cannot run with
func (c *Config) Validate() error {
	if c.Billing.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}
	if c.Billing.ItemPause < 0 || c.Billing.GatewayTimeout <= 0 || c.Billing.ClaimLease <= 0 {
		return fmt.Errorf("billing pause, gateway timeout and claim lease must be positive")
	}
	if c.Billing.BatchSize <= 0 {
		return fmt.Errorf("billing batch size must be positive, got %d", c.Billing.BatchSize)
	}

	switch c.Secrets.Provider {
	case "local", "aws", "vault":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Secrets.Provider)
	}

	if c.Webhook.URL != "" && c.Webhook.Secret == "" && c.Webhook.SecretPath == "" {
		return fmt.Errorf("WEBHOOK_SECRET or WEBHOOK_SECRET_PATH is required when WEBHOOK_URL is set")
	}
	return nil
}

// UsePostgres reports whether a database is configured
func (c *DatabaseConfig) UsePostgres() bool {
	return c.Host != ""
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString(password string) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, password, c.Database, c.SSLMode,
	)
}
