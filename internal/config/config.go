package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the credit service
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Billing        BillingConfig
	Provider       ProviderConfig
	Reconciliation ReconciliationConfig
	Security       SecurityConfig
	Monitoring     MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BillingConfig holds credit accounting configuration
type BillingConfig struct {
	// Disabled makes every preflight allow and every settle a no-op.
	Disabled bool

	MarkupFactor       decimal.Decimal
	MinimumCost        decimal.Decimal
	RefreshWindow      time.Duration
	BalanceCacheTTL    time.Duration
	TierConfigPath     string
	TrialCredits       decimal.Decimal
	TrialDays          int
	FreeModels         []string
	SetupLockTTL       time.Duration
	PurchaseSuccessURL string
	PurchaseCancelURL  string
	PortalReturnURL    string
}

// ProviderConfig holds payment provider configuration
type ProviderConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	CallTimeout         time.Duration
	IdempotencyBucket   time.Duration

	BreakerFailureThreshold int
	BreakerFailureRate      float64
	BreakerMinRequests      int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
}

// ReconciliationConfig holds reconciliation sweep configuration
type ReconciliationConfig struct {
	Enabled         bool
	Interval        time.Duration
	PendingTimeout  time.Duration
	RepairDrift     bool
	DuplicateWindow time.Duration
	ExpiryGrace     time.Duration
	BatchSize       int
	Concurrency     int
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken     string
	ServiceAPIToken   string
	AllowedOrigins    []string
	AllowedHosts      []string
	CheckoutRateLimit int
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
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
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "crosslogic"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "crosslogic_credits"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			Disabled:           getEnvAsBool("BILLING_DISABLED", false),
			MarkupFactor:       getEnvAsDecimal("CREDIT_MARKUP_FACTOR", "1.2"),
			MinimumCost:        getEnvAsDecimal("CREDIT_MINIMUM_COST", "0.01"),
			RefreshWindow:      time.Duration(getEnvAsInt("DAILY_REFRESH_WINDOW_HOURS", 20)) * time.Hour,
			BalanceCacheTTL:    getEnvAsDuration("BALANCE_CACHE_TTL", "30s"),
			TierConfigPath:     getEnv("TIER_CONFIG_PATH", ""),
			TrialCredits:       getEnvAsDecimal("TRIAL_CREDITS", "5"),
			TrialDays:          getEnvAsInt("TRIAL_DAYS", 7),
			FreeModels:         getEnvAsList("FREE_MODELS", "mock,test-model"),
			SetupLockTTL:       getEnvAsDuration("SETUP_LOCK_TTL", "30s"),
			PurchaseSuccessURL: getEnv("PURCHASE_SUCCESS_URL", "https://app.crosslogic.ai/billing?status=success"),
			PurchaseCancelURL:  getEnv("PURCHASE_CANCEL_URL", "https://app.crosslogic.ai/billing?status=cancelled"),
			PortalReturnURL:    getEnv("PORTAL_RETURN_URL", "https://app.crosslogic.ai/billing"),
		},
		Provider: ProviderConfig{
			StripeSecretKey:         getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret:     getEnv("STRIPE_WEBHOOK_SECRET", ""),
			CallTimeout:             getEnvAsDuration("PROVIDER_CALL_TIMEOUT", "10s"),
			IdempotencyBucket:       getEnvAsDuration("IDEMPOTENCY_BUCKET", "60m"),
			BreakerFailureThreshold: getEnvAsInt("PROVIDER_BREAKER_FAILURE_THRESHOLD", 5),
			BreakerFailureRate:      getEnvAsFloat("PROVIDER_BREAKER_FAILURE_RATE", 0.5),
			BreakerMinRequests:      getEnvAsInt("PROVIDER_BREAKER_MIN_REQUESTS", 10),
			BreakerWindow:           getEnvAsDuration("PROVIDER_BREAKER_WINDOW", "1m"),
			BreakerCooldown:         getEnvAsDuration("PROVIDER_BREAKER_COOLDOWN", "30s"),
		},
		Reconciliation: ReconciliationConfig{
			Enabled:         getEnvAsBool("RECONCILIATION_ENABLED", true),
			Interval:        getEnvAsDuration("RECONCILIATION_INTERVAL", "15m"),
			PendingTimeout:  getEnvAsDuration("RECONCILIATION_PENDING_TIMEOUT", "1h"),
			RepairDrift:     getEnvAsBool("RECONCILIATION_REPAIR_DRIFT", true),
			DuplicateWindow: getEnvAsDuration("RECONCILIATION_DUPLICATE_WINDOW", "168h"),
			ExpiryGrace:     getEnvAsDuration("RECONCILIATION_EXPIRY_GRACE", "1h"),
			BatchSize:       getEnvAsInt("RECONCILIATION_BATCH_SIZE", 200),
			Concurrency:     getEnvAsInt("RECONCILIATION_CONCURRENCY", 4),
		},
		Security: SecurityConfig{
			AdminAPIToken:     getEnv("ADMIN_API_TOKEN", ""),
			ServiceAPIToken:   getEnv("SERVICE_API_TOKEN", ""),
			AllowedOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", ""),
			AllowedHosts:      getEnvAsList("ALLOWED_HOSTS", ""),
			CheckoutRateLimit: getEnvAsInt("CHECKOUT_RATE_LIMIT", 10),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	if c.Security.ServiceAPIToken == "" {
		return fmt.Errorf("SERVICE_API_TOKEN is required")
	}

	if !c.Billing.Disabled {
		if c.Provider.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required unless BILLING_DISABLED is set")
		}
		if c.Provider.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required unless BILLING_DISABLED is set")
		}
	}

	if !c.Billing.MarkupFactor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("CREDIT_MARKUP_FACTOR must be greater than 1.0, got %s", c.Billing.MarkupFactor)
	}

	if c.Billing.MinimumCost.IsNegative() {
		return fmt.Errorf("CREDIT_MINIMUM_COST must not be negative, got %s", c.Billing.MinimumCost)
	}

	if c.Billing.TrialCredits.IsNegative() {
		return fmt.Errorf("TRIAL_CREDITS must not be negative, got %s", c.Billing.TrialCredits)
	}

	if c.Billing.RefreshWindow <= 0 {
		return fmt.Errorf("DAILY_REFRESH_WINDOW_HOURS must be positive")
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
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

// getEnvAsDecimal parses money values without going through float64.
func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.RequireFromString(defaultValue)
	}
	return value
}

func getEnvAsList(key string, defaultValue string) []string {
	valueStr := getEnv(key, defaultValue)
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
