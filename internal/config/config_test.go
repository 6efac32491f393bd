package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_NAME", "APP_ENV", "PORT", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "REDIS_URL",
		"RABBITMQ_URL", "RABBITMQ_EXCHANGE", "OTEL_EXPORTER_OTLP_ENDPOINT",
		shutdownSecondsEnvVar, shutdownDurationEnvVar, idemTTLSecondsEnvVar, idemTTLDurEnvVar,
		"LEDGER_MAX_RETRIES", "LEDGER_RETRY_BACKOFF", "LEDGER_LOCK_TIMEOUT",
		"EXTERNAL_SOURCE_DIR", "EXTERNAL_SOURCE_URL", "EXTERNAL_SOURCE_TIMEOUT",
		"RECONCILE_TIMEOUT", "RECONCILE_EPSILON", "RECONCILE_TIMEZONE",
		"REPORT_CACHE_TTL", "REPORT_RATE_LIMIT",
	} {
		t.Setenv(key, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 5, cfg.LedgerMaxRetries)
	assert.Equal(t, "0.005", cfg.ReconcileEpsilon.String())
	assert.Equal(t, time.UTC, cfg.ReconcileLocation)
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", ":9090")
	t.Setenv(shutdownSecondsEnvVar, "3")
	t.Setenv(idemTTLDurEnvVar, "90m")
	t.Setenv("LEDGER_MAX_RETRIES", "8")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "250ms")
	t.Setenv("RECONCILE_EPSILON", "0.01")
	t.Setenv("RECONCILE_TIMEZONE", "Africa/Brazzaville")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, 3*time.Second, cfg.ShutdownPeriod)
	assert.Equal(t, 90*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, 8, cfg.LedgerMaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.LedgerLockTimeout)
	assert.Equal(t, "0.01", cfg.ReconcileEpsilon.String())
	assert.Equal(t, "Africa/Brazzaville", cfg.ReconcileLocation.String())
}

func TestFromEnv_ProductionRequiresBackends(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")

	_, err := FromEnv()
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost/wallets")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "REDIS_URL")

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	_, err = FromEnv()
	assert.NoError(t, err)
}

func TestFromEnv_RejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("RECONCILE_EPSILON", "-1")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "RECONCILE_EPSILON")

	clearEnv(t)
	t.Setenv("LEDGER_RETRY_BACKOFF", "soon")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "LEDGER_RETRY_BACKOFF")
}
