package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the credit engine
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Storage       StorageConfig
	Vault         VaultConfig
	Tasks         TasksConfig
	Security      SecurityConfig
	Monitoring    MonitoringConfig
	Notifications NotificationsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds durable store configuration
type DatabaseConfig struct {
	// Backend selects the durable account store: "postgres" or "mongo"
	Backend         string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MongoURI        string
	MongoDatabase   string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BillingConfig holds charging and payment configuration
type BillingConfig struct {
	// PaymentEnabled turns on balance enforcement; self-hosted deployments run with it off
	PaymentEnabled      bool
	StripeSecretKey     string
	StripeWebhookSecret string
	LedgerWriteAttempts int
	LedgerWriteDelay    time.Duration
	AutoTopUpCooldown   time.Duration
	AutoTopUpRetry      time.Duration
	OrderTTL            time.Duration
	PricingConfigPath   string
	ReconcileInterval   time.Duration
}

// StorageConfig holds storage billing configuration
type StorageConfig struct {
	BillingInterval time.Duration
	BatchSize       int
}

// VaultConfig holds sealing configuration
type VaultConfig struct {
	MasterKey string
}

// TasksConfig sizes the detached task pool
type TasksConfig struct {
	Workers   int
	QueueSize int
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	InternalAPIToken string
	// AllowedOrigins enables CORS for the websocket when set
	AllowedOrigins []string
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	MetricsPath string
	LogLevel    string
}

// NotificationsConfig holds operator alert configuration
type NotificationsConfig struct {
	SlackWebhookURL  string
	SlackChannel     string
	WebhookURL       string
	WebhookSecret    string
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int
	DeliveryTimeout  time.Duration
	// EventRouting maps event types to channels, e.g. {"topup.failed": ["slack"]}
	EventRouting map[string][]string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Backend:         getEnv("DURABLE_BACKEND", "postgres"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "credits"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "credit_engine"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
			MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase:   getEnv("MONGO_DATABASE", "credit_engine"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			PaymentEnabled:      getEnvAsBool("PAYMENT_ENABLED", true),
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			LedgerWriteAttempts: getEnvAsInt("LEDGER_WRITE_ATTEMPTS", 3),
			LedgerWriteDelay:    getEnvAsDuration("LEDGER_WRITE_DELAY", "5s"),
			AutoTopUpCooldown:   getEnvAsDuration("AUTO_TOPUP_COOLDOWN", "1h"),
			AutoTopUpRetry:      getEnvAsDuration("AUTO_TOPUP_RETRY_COOLDOWN", "5m"),
			OrderTTL:            getEnvAsDuration("ORDER_TTL", "24h"),
			PricingConfigPath:   getEnv("PRICING_CONFIG_PATH", ""),
			ReconcileInterval:   getEnvAsDuration("RECONCILE_INTERVAL", "10m"),
		},
		Storage: StorageConfig{
			BillingInterval: getEnvAsDuration("STORAGE_BILLING_INTERVAL", "168h"),
			BatchSize:       getEnvAsInt("STORAGE_BILLING_BATCH_SIZE", 50),
		},
		Vault: VaultConfig{
			MasterKey: getEnv("VAULT_MASTER_KEY", ""),
		},
		Tasks: TasksConfig{
			Workers:   getEnvAsInt("TASK_WORKERS", 8),
			QueueSize: getEnvAsInt("TASK_QUEUE_SIZE", 1024),
		},
		Security: SecurityConfig{
			InternalAPIToken: getEnv("INTERNAL_API_TOKEN", ""),
			AllowedOrigins:   getEnvAsSlice("CORS_ALLOWED_ORIGINS"),
		},
		Monitoring: MonitoringConfig{
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Notifications: NotificationsConfig{
			SlackWebhookURL:  getEnv("NOTIFICATIONS_SLACK_WEBHOOK_URL", ""),
			SlackChannel:     getEnv("NOTIFICATIONS_SLACK_CHANNEL", ""),
			WebhookURL:       getEnv("NOTIFICATIONS_WEBHOOK_URL", ""),
			WebhookSecret:    getEnv("NOTIFICATIONS_WEBHOOK_SECRET", ""),
			MaxRetries:       getEnvAsInt("NOTIFICATIONS_MAX_RETRIES", 3),
			RetryBackoffBase: getEnvAsDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", "5s"),
			RetryQueueSize:   getEnvAsInt("NOTIFICATIONS_RETRY_QUEUE_SIZE", 100),
			RetryWorkers:     getEnvAsInt("NOTIFICATIONS_RETRY_WORKERS", 2),
			DeliveryTimeout:  getEnvAsDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", "10s"),
			EventRouting:     getEnvEventRouting("NOTIFICATIONS_EVENT_ROUTING"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("VAULT_MASTER_KEY is required")
	}

	if c.Security.InternalAPIToken == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN is required")
	}

	if c.Billing.PaymentEnabled && c.Billing.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_ENABLED is set")
	}

	switch c.Database.Backend {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "mongo":
	default:
		return fmt.Errorf("unsupported DURABLE_BACKEND %q", c.Database.Backend)
	}

	if c.Billing.LedgerWriteAttempts < 1 {
		return fmt.Errorf("LEDGER_WRITE_ATTEMPTS must be at least 1")
	}

	if c.Storage.BatchSize < 1 {
		return fmt.Errorf("STORAGE_BILLING_BATCH_SIZE must be at least 1")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvEventRouting(key string) map[string][]string {
	routing := make(map[string][]string)
	if value := os.Getenv(key); value != "" {
		if err := json.Unmarshal([]byte(value), &routing); err != nil {
			return make(map[string][]string)
		}
	}
	return routing
}
