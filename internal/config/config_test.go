package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serverKeys = []string{
	"CONFIG_FILE", "HTTP_ADDR", "AUTH_SECRET", "REDIS_ADDR", "KAFKA_BROKERS", "EVENT_BROKER",
	"RABBITMQ_URL", "PG_DSN", "MIGRATE", "MATCHER_TOP_N", "MATCHER_RETRY_INTERVAL",
	"MATCHER_IN_BAND_DELAY", "GEOFENCE_RADIUS_MILES", "LOG_LEVEL", "LOG_FORMAT",
	"AVAILABILITY_TOPIC", "KAFKA_GROUP", "CONSUMER_MAX_BACKOFF",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range serverKeys {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 4*time.Second, cfg.RetryInterval)
	assert.Equal(t, 2, cfg.ImmediateRetries)
	assert.Equal(t, 0.25, cfg.GeofenceRadiusMiles)
	assert.Equal(t, 30*time.Second, cfg.ETARecheck)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.EventBroker)
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
retry_interval: 6s
matcher_top_n: 3
kafka_brokers: ["k1:9092", "k2:9092"]
event_broker: kafka
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MATCHER_TOP_N", "12")
	t.Setenv("LOG_FORMAT", "Console")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 6*time.Second, cfg.RetryInterval)
	assert.Equal(t, 12, cfg.MatcherTopN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestErrorsAreJoined(t *testing.T) {
	clearEnv(t)
	t.Setenv("MATCHER_TOP_N", "zero")
	t.Setenv("MATCHER_RETRY_INTERVAL", "soon")
	t.Setenv("EVENT_BROKER", "rabbitmq")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid MATCHER_TOP_N")
	assert.Contains(t, err.Error(), "invalid MATCHER_RETRY_INTERVAL")
	assert.Contains(t, err.Error(), "RABBITMQ_URL")
}

func TestMissingFileIsAnError(t *testing.T) {
	clearEnv(t)
	_, err := LoadServerConfigFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestConsumerConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("KAFKA_BROKERS", "a:1, b:2,")
	t.Setenv("KAFKA_GROUP", "g")
	t.Setenv("CONSUMER_MAX_BACKOFF", "5s")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.Equal(t, "g", cfg.Group)
	assert.Equal(t, "fixer-availability", cfg.Topic)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
}
