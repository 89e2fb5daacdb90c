package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Provide(Load)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	OTLPEndpoint string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ProviderAPIKey        string
	ProviderAPIBaseURL    string
	ProviderWebhookSecret string
	ProviderTimeout       time.Duration
	WebhookTolerance      time.Duration

	DispatcherWorkers   int
	DispatcherQueueSize int

	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetrySweepInterval time.Duration

	ReconcileInterval      time.Duration
	ReconcileRunInterval   time.Duration
	ReconcileBatchSize     int
	ReconcileSkewTolerance time.Duration
	ReconcileAfterFailures int

	EntitlementCacheTTL time.Duration

	SeedDefaultCatalog bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	return Config{
		AppName:     getenv("APP_SERVICE", "grantway"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: environment,

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "grantway"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		ProviderAPIKey:        strings.TrimSpace(getenv("PROVIDER_API_KEY", "")),
		ProviderAPIBaseURL:    getenv("PROVIDER_API_BASE_URL", "https://api.stripe.com"),
		ProviderWebhookSecret: strings.TrimSpace(getenv("PROVIDER_WEBHOOK_SECRET", "")),
		ProviderTimeout:       getenvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		WebhookTolerance:      getenvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),

		DispatcherWorkers:   getenvInt("DISPATCHER_WORKERS", 8),
		DispatcherQueueSize: getenvInt("DISPATCHER_QUEUE_SIZE", 256),

		RetryMaxAttempts:   getenvInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:     getenvDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:      getenvDuration("RETRY_MAX_DELAY", 30*time.Minute),
		RetrySweepInterval: getenvDuration("RETRY_SWEEP_INTERVAL", time.Minute),

		ReconcileInterval:      getenvDuration("RECONCILE_INTERVAL", 24*time.Hour),
		ReconcileRunInterval:   getenvDuration("RECONCILE_RUN_INTERVAL", time.Minute),
		ReconcileBatchSize:     getenvInt("RECONCILE_BATCH_SIZE", 50),
		ReconcileSkewTolerance: getenvDuration("RECONCILE_SKEW_TOLERANCE", 5*time.Minute),
		ReconcileAfterFailures: getenvInt("RECONCILE_AFTER_FAILURES", 3),

		EntitlementCacheTTL: getenvDuration("ENTITLEMENT_CACHE_TTL", 45*time.Second),

		SeedDefaultCatalog: getenvBool("SEED_DEFAULT_CATALOG", environment != "production"),
	}
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
