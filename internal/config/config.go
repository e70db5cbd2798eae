package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	Stripe StripeConfig
	Esewa  EsewaConfig

	Relay RelayConfig

	ProviderSettingsPath string
}

// ObservabilityConfig controls logging and OTLP export.
type ObservabilityConfig struct {
	LogLevel      string
	ConsoleLogs   bool
	OTLPEnabled   bool
	OTLPHTTP      bool
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type StripeConfig struct {
	WebhookSecret string
}

type EsewaConfig struct {
	MerchantCode string
}

type RelayConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	TargetURL string
	Timeout   time.Duration

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tsumshop"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			ConsoleLogs:   strings.EqualFold(strings.TrimSpace(getenv("LOG_FORMAT", "json")), "console"),
			OTLPEnabled:   getenvBool("OTEL_ENABLED", true),
			OTLPHTTP:      strings.HasPrefix(strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")), "http"),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tsumshop"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Stripe: StripeConfig{
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Esewa: EsewaConfig{
			MerchantCode: strings.TrimSpace(getenv("ESEWA_MERCHANT_CODE", "")),
		},

		Relay: RelayConfig{
			Enabled:   getenvBool("ORDER_EVENTS_RELAY_ENABLED", true),
			Interval:  getenvDuration("ORDER_EVENTS_RELAY_INTERVAL", 5*time.Second),
			BatchSize: getenvInt("ORDER_EVENTS_RELAY_BATCH_SIZE", 50),
			TargetURL: strings.TrimSpace(getenv("ORDER_EVENTS_WEBHOOK_URL", "")),
			Timeout:   getenvDuration("ORDER_EVENTS_WEBHOOK_TIMEOUT", 5*time.Second),

			MaxAttempts:    getenvInt("ORDER_EVENTS_RELAY_MAX_ATTEMPTS", 10),
			RetryBaseDelay: getenvDuration("ORDER_EVENTS_RELAY_RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:  getenvDuration("ORDER_EVENTS_RELAY_RETRY_MAX_DELAY", 10*time.Minute),
		},

		ProviderSettingsPath: strings.TrimSpace(getenv("PROVIDER_SETTINGS_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
