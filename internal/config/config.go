package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env  string
	Port string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSchema   string

	MonthlyFee decimal.Decimal
	Currency   string

	// PaymentProvider is "paypal" or "sandbox".
	PaymentProvider    string
	PayPalBaseURL      string
	PayPalClientID     string
	PayPalClientSecret string
	PayPalReturnURL    string
	PayPalCancelURL    string
	GatewayTimeout     time.Duration

	AWSEndpoint           string
	IdentityQueueURL      string
	IdentityDLQURL        string
	IdentityMaxReceives   int
	PaymentEventsTopicARN string

	ReminderSchedule     string
	ReconcileInterval    time.Duration
	ReconcileStaleAfter  time.Duration
	ReconcileExpireAfter time.Duration
}

// Load reads configuration from the environment (.env is loaded on import).
func Load() (*Config, error) {
	fee, err := decimal.NewFromString(getEnv("MONTHLY_FEE", "30.00"))
	if err != nil {
		return nil, fmt.Errorf("MONTHLY_FEE: %w", err)
	}
	if !fee.IsPositive() {
		return nil, fmt.Errorf("MONTHLY_FEE must be positive, got %s", fee)
	}

	cfg := &Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),

		DBHost:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
		DBPort:     getEnv("BLUEPRINT_DB_PORT", "5432"),
		DBUser:     os.Getenv("BLUEPRINT_DB_USERNAME"),
		DBPassword: os.Getenv("BLUEPRINT_DB_PASSWORD"),
		DBName:     os.Getenv("BLUEPRINT_DB_DATABASE"),
		DBSchema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),

		MonthlyFee: fee,
		Currency:   strings.ToUpper(getEnv("CURRENCY", "EUR")),

		PaymentProvider:    strings.ToLower(getEnv("PAYMENT_PROVIDER", "paypal")),
		PayPalBaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
		PayPalClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
		PayPalReturnURL:    getEnv("PAYPAL_RETURN_URL", "http://localhost:3000/payments/success"),
		PayPalCancelURL:    getEnv("PAYPAL_CANCEL_URL", "http://localhost:3000/payments/cancel"),

		AWSEndpoint:           os.Getenv("AWS_ENDPOINT"),
		IdentityQueueURL:      os.Getenv("IDENTITY_QUEUE_URL"),
		IdentityDLQURL:        os.Getenv("IDENTITY_DLQ_URL"),
		PaymentEventsTopicARN: os.Getenv("PAYMENT_EVENTS_TOPIC_ARN"),

		ReminderSchedule: getEnv("REMINDER_SCHEDULE", "0 9 1 * *"),
	}

	if cfg.GatewayTimeout, err = getDuration("GATEWAY_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getDuration("RECONCILE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileStaleAfter, err = getDuration("RECONCILE_STALE_AFTER", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileExpireAfter, err = getDuration("RECONCILE_EXPIRE_AFTER", 72*time.Hour); err != nil {
		return nil, err
	}
	if cfg.IdentityMaxReceives, err = strconv.Atoi(getEnv("IDENTITY_MAX_RECEIVES", "5")); err != nil {
		return nil, fmt.Errorf("IDENTITY_MAX_RECEIVES: %w", err)
	}

	if cfg.DBUser == "" || cfg.DBPassword == "" || cfg.DBName == "" {
		return nil, fmt.Errorf("missing required database environment variables")
	}
	switch cfg.PaymentProvider {
	case "paypal":
		if cfg.PayPalClientID == "" || cfg.PayPalClientSecret == "" {
			return nil, fmt.Errorf("missing PAYPAL_CLIENT_ID or PAYPAL_CLIENT_SECRET")
		}
	case "sandbox":
	default:
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.PaymentProvider)
	}
	return cfg, nil
}

// DatabaseURL is the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema,
	)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
