package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, uint64(1000), cfg.BackendMaxRange)
	assert.Nil(t, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Redis.VerifyTTL)
	assert.Equal(t, 600, cfg.RateLimit.ReadsPerMinute)
	assert.Equal(t, 60, cfg.RateLimit.WritesPerMinute)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "POSTGRES")
	t.Setenv("DATABASE_URL", "postgres://ledger@localhost/ledger")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("BACKEND_MAX_RANGE", "250")
	t.Setenv("REDIS_VERIFY_TTL", "2m")
	t.Setenv("RATE_LIMIT_WRITES", "0")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, uint64(250), cfg.BackendMaxRange)
	assert.Equal(t, 2*time.Minute, cfg.Redis.VerifyTTL)
	assert.Zero(t, cfg.RateLimit.WritesPerMinute)
}

func TestFromEnvRejectsInvalid(t *testing.T) {
	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("LEDGER_BACKEND", "postgres")
		t.Setenv("DATABASE_URL", "")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("LEDGER_BACKEND", "fabric")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("negative rate limit", func(t *testing.T) {
		t.Setenv("LEDGER_BACKEND", "memory")
		t.Setenv("RATE_LIMIT_READS", "-1")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("zero max range", func(t *testing.T) {
		t.Setenv("LEDGER_BACKEND", "memory")
		t.Setenv("BACKEND_MAX_RANGE", "0")
		_, err := FromEnv()
		require.Error(t, err)
	})
}
