package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8012, cfg.HTTPPort)
	assert.Equal(t, StoragePostgres, cfg.StorageDriver)
	assert.Equal(t, "warehouse_db", cfg.PostgresDB)
	assert.Equal(t, 15*time.Minute, cfg.LockTTL())
	assert.Equal(t, 3, cfg.LockMaxRetries)
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.Equal(t, 500, cfg.SweepBatchSize)
	assert.Equal(t, 2*time.Second, cfg.ShippingTimeout())
	assert.True(t, cfg.KafkaEnabled)
	assert.True(t, cfg.RedisEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WAREHOUSE_HTTP_PORT", "9100")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("LOCK_TTL_SECONDS", "60")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SHIPPING_SERVICE_URL", "http://shipping:8010")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, time.Minute, cfg.LockTTL())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "http://shipping:8010", cfg.ShippingServiceURL)
	assert.False(t, cfg.RedisEnabled)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"port too high", "WAREHOUSE_HTTP_PORT", "70000", "invalid HTTP port"},
		{"unknown driver", "STORAGE_DRIVER", "mongo", "STORAGE_DRIVER must be"},
		{"zero ttl", "LOCK_TTL_SECONDS", "0", "LOCK_TTL_SECONDS must be > 0"},
		{"negative retries", "LOCK_MAX_RETRIES", "-1", "LOCK_MAX_RETRIES must be >= 0"},
		{"zero sweep interval", "SWEEP_INTERVAL_SECONDS", "0", "SWEEP_INTERVAL_SECONDS must be > 0"},
		{"zero sweep batch", "SWEEP_BATCH_SIZE", "0", "SWEEP_BATCH_SIZE must be > 0"},
		{"sample rate", "OTEL_SAMPLE_RATE", "1.5", "OTEL_SAMPLE_RATE must be between"},
		{"not a number", "LOCK_TTL_SECONDS", "soon", "load warehouse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()

			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_KafkaBrokersRequiredWhenEnabled(t *testing.T) {
	cfg := &Config{
		HTTPPort:             8012,
		StorageDriver:        StorageMemory,
		KafkaEnabled:         true,
		LockTTLSeconds:       900,
		SweepIntervalSeconds: 60,
		SweepBatchSize:       500,
		ShippingTimeoutMs:    2000,
	}
	assert.ErrorContains(t, cfg.validate(), "KAFKA_BROKERS is required")

	cfg.KafkaEnabled = false
	assert.NoError(t, cfg.validate())
}
