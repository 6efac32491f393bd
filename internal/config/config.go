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
)

const (
	defaultAppName         = "WalletRecon"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultExchange        = "wallet.events"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultMaxRetries      = 5
	defaultRetryBackoff    = 10 * time.Millisecond
	defaultLockTimeout     = 2 * time.Second
	defaultSourceDir       = "./data/external"
	defaultSourceTimeout   = 5 * time.Second
	defaultReconcileTO     = 30 * time.Second
	defaultReportCacheTTL  = time.Hour
	defaultReportRateLimit = 30
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName      string
	AppEnv       string
	Port         string
	LogLevel     string
	LogFormat    string
	DatabaseURL  string
	RedisURL     string
	RabbitMQURL  string
	Exchange     string
	OTLPEndpoint string

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	LedgerMaxRetries   int
	LedgerRetryBackoff time.Duration
	LedgerLockTimeout  time.Duration

	ExternalSourceDir     string
	ExternalSourceURL     string
	ExternalSourceTimeout time.Duration
	ReconcileTimeout      time.Duration
	ReconcileEpsilon      decimal.Decimal
	ReconcileLocation     *time.Location
	ReportCacheTTL        time.Duration
	ReportRateLimit       int
}

// Load reads an optional .env file, then populates a Config from the
// environment. Variables already set in the environment win over .env.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv populates a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RabbitMQURL:       os.Getenv("RABBITMQ_URL"),
		Exchange:          getEnv("RABBITMQ_EXCHANGE", defaultExchange),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ShutdownPeriod:    defaultShutdownDelay,
		IdempotencyTTL:    defaultIdempotencyTTL,
		ExternalSourceDir: getEnv("EXTERNAL_SOURCE_DIR", defaultSourceDir),
		ExternalSourceURL: os.Getenv("EXTERNAL_SOURCE_URL"),
		ReconcileEpsilon:  decimal.RequireFromString("0.005"),
		ReconcileLocation: time.UTC,
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LedgerMaxRetries, err = getInt("LEDGER_MAX_RETRIES", defaultMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.LedgerRetryBackoff, err = getDuration("LEDGER_RETRY_BACKOFF", defaultRetryBackoff); err != nil {
		return Config{}, err
	}
	if cfg.LedgerLockTimeout, err = getDuration("LEDGER_LOCK_TIMEOUT", defaultLockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ExternalSourceTimeout, err = getDuration("EXTERNAL_SOURCE_TIMEOUT", defaultSourceTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileTimeout, err = getDuration("RECONCILE_TIMEOUT", defaultReconcileTO); err != nil {
		return Config{}, err
	}
	if cfg.ReportCacheTTL, err = getDuration("REPORT_CACHE_TTL", defaultReportCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.ReportRateLimit, err = getInt("REPORT_RATE_LIMIT", defaultReportRateLimit); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("RECONCILE_EPSILON"); v != "" {
		eps, err := decimal.NewFromString(v)
		if err != nil || !eps.IsPositive() {
			return Config{}, fmt.Errorf("invalid RECONCILE_EPSILON %q", v)
		}
		cfg.ReconcileEpsilon = eps
	}
	if v := os.Getenv("RECONCILE_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RECONCILE_TIMEZONE: %w", err)
		}
		cfg.ReconcileLocation = loc
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// IsDevelopment reports whether in-memory fallbacks are allowed.
func (c Config) IsDevelopment() bool {
	switch c.AppEnv {
	case "development", "dev", "local", "test":
		return true
	}
	return false
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return getDuration(durationKey, fallback)
}
