// Package config handles loading and managing application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Payment gateway configuration
	Gateway GatewayConfig

	// Mercado Pago, used when Gateway.Provider is "mercadopago"
	MercadoPago MercadoPagoConfig

	// Order lifecycle rules
	Orders OrdersConfig

	// Reconciliation poller
	Reconcile ReconcileConfig

	// Storage backends
	Database DatabaseConfig
	Redis    RedisConfig

	// Downstream event delivery
	Events EventsConfig

	// Security settings
	Security SecurityConfig

	// Logging and metrics
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    string `validate:"required,numeric"`
	GinMode string `validate:"oneof=debug release test"` // "debug", "release", or "test"
}

// GatewayConfig holds Bank of Georgia API configuration.
type GatewayConfig struct {
	Provider       string        `validate:"oneof=bog mercadopago"`
	BaseURL        string        `validate:"required,url"`
	OAuthURL       string        `validate:"required,url"`
	ClientID       string        `validate:"required_if=Provider bog"`
	ClientSecret   string        `validate:"required_if=Provider bog"`
	MerchantID     string
	CallbackURL    string        `validate:"omitempty,url"`
	ReturnURL      string        `validate:"omitempty,url"` // Frontend base for success/fail pages
	RequestTimeout time.Duration `validate:"gt=0"`
	TokenMargin    time.Duration `validate:"gte=0"` // Refresh tokens this long before expiry
	MaxAttempts    int           `validate:"gte=1,lte=10"`
	BackoffInitial time.Duration `validate:"gt=0"`
	BackoffMax     time.Duration `validate:"gtefield=BackoffInitial"`
}

// MercadoPagoConfig holds Mercado Pago settings.
type MercadoPagoConfig struct {
	AccessToken string `validate:"required_if=Enabled true"`
	Enabled     bool
	Sandbox     bool // Use the sandbox checkout URL
}

// OrdersConfig holds order lifecycle settings.
type OrdersConfig struct {
	SupportedCurrencies []string `validate:"min=1,dive,len=3,uppercase"`
	DefaultCurrency     string   `validate:"len=3"`
}

// ReconcileConfig holds reconciliation poller settings.
type ReconcileConfig struct {
	Enabled      bool
	Interval     time.Duration `validate:"gt=0"`
	GracePeriod  time.Duration `validate:"gte=0"`
	ExpiryWindow time.Duration `validate:"gtfield=GracePeriod"`
	MaxPolls     int           `validate:"gte=1"`
	BatchSize    int           `validate:"gte=1"`
	Workers      int           `validate:"gte=1"`
}

// DatabaseConfig holds order storage settings.
type DatabaseConfig struct {
	Driver string `validate:"oneof=mysql sqlite memory"`
	DSN    string `validate:"required_unless=Driver memory"`
}

// RedisConfig holds cache settings. Empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

// EventsConfig selects where payment events are delivered.
type EventsConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	WebhookURL    string `validate:"omitempty,url"`
	WebhookSecret string
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	CallbackSecret  string `validate:"required"`
	SignatureHeader string `validate:"required"`
	ServiceAPIKey   string
	CallbackLease   time.Duration
}

// TelemetryConfig holds logging and metrics settings.
type TelemetryConfig struct {
	ServiceName  string `validate:"required"`
	LogLevel     string `validate:"oneof=debug info warn error"`
	LogFormat    string `validate:"oneof=json console"`
	OTLPEndpoint string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is read first when present;
// real environment variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	provider := strings.ToLower(getEnv("PAYMENT_GATEWAY", "bog"))

	return &Config{
		Server: ServerConfig{
			Port:    getEnv("PORT", "8080"),
			GinMode: getEnv("GIN_MODE", "debug"),
		},
		Gateway: GatewayConfig{
			Provider:       provider,
			BaseURL:        getEnv("BOG_API_URL", "https://api.bog.ge"),
			OAuthURL:       getEnv("BOG_OAUTH_URL", "https://oauth.bog.ge/oauth2/token"),
			ClientID:       getEnv("BOG_CLIENT_ID", ""),
			ClientSecret:   getEnv("BOG_CLIENT_SECRET", ""),
			MerchantID:     getEnv("BOG_MERCHANT_ID", ""),
			CallbackURL:    getEnv("BOG_CALLBACK_URL", ""),
			ReturnURL:      getEnv("APP_PUBLIC_URL", "http://localhost:3000"),
			RequestTimeout: getEnvDuration("GATEWAY_TIMEOUT", 10*time.Second),
			TokenMargin:    getEnvDuration("GATEWAY_TOKEN_MARGIN", 30*time.Second),
			MaxAttempts:    getEnvInt("GATEWAY_MAX_ATTEMPTS", 3),
			BackoffInitial: getEnvDuration("GATEWAY_BACKOFF_INITIAL", 500*time.Millisecond),
			BackoffMax:     getEnvDuration("GATEWAY_BACKOFF_MAX", 5*time.Second),
		},
		MercadoPago: MercadoPagoConfig{
			AccessToken: getEnv("MP_ACCESS_TOKEN", ""),
			Enabled:     provider == "mercadopago",
			Sandbox:     getEnvBool("MP_SANDBOX", false),
		},
		Orders: OrdersConfig{
			SupportedCurrencies: getEnvList("SUPPORTED_CURRENCIES", []string{"GEL"}),
			DefaultCurrency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", "GEL")),
		},
		Reconcile: ReconcileConfig{
			Enabled:      getEnvBool("RECONCILE_ENABLED", true),
			Interval:     getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			GracePeriod:  getEnvDuration("RECONCILE_GRACE_PERIOD", 15*time.Minute),
			ExpiryWindow: getEnvDuration("ORDER_EXPIRY_WINDOW", 48*time.Hour),
			MaxPolls:     getEnvInt("RECONCILE_MAX_POLLS", 20),
			BatchSize:    getEnvInt("RECONCILE_BATCH_SIZE", 100),
			Workers:      getEnvInt("RECONCILE_WORKERS", 4),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			DSN:    getEnv("DATABASE_URL", "file:payments.db?_busy_timeout=5000"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Events: EventsConfig{
			KafkaBrokers:  getEnvList("KAFKA_BROKERS", nil),
			KafkaTopic:    getEnv("KAFKA_TOPIC", "payments.events"),
			WebhookURL:    getEnv("ENROLLMENT_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("ENROLLMENT_WEBHOOK_SECRET", ""),
		},
		Security: SecurityConfig{
			CallbackSecret:  getEnv("BOG_CALLBACK_SECRET", getEnv("BOG_CLIENT_SECRET", "")),
			SignatureHeader: getEnv("CALLBACK_SIGNATURE_HEADER", "X-Signature"),
			ServiceAPIKey:   getEnv("SERVICE_API_KEY", ""),
			CallbackLease:   getEnvDuration("CALLBACK_PENDING_LEASE", 2*time.Minute),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  getEnv("SERVICE_NAME", "gli-payments"),
			LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", "info")),
			LogFormat:    strings.ToLower(getEnv("LOG_FORMAT", "json")),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
	}
}

// Validate checks the configuration against its struct rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer with a fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean with a fallback.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration parses values like "30s" or "48h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
