package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.True(t, cfg.RetryQueue.Enabled)
	assert.Equal(t, "logs/retry-queue.jsonl", cfg.RetryQueue.Path)
	assert.Equal(t, 5000, cfg.RetryQueue.MaxSize)
	assert.Equal(t, 5*time.Second, cfg.RetryQueue.FlushInterval)
	assert.Equal(t, 15*time.Second, cfg.RetryQueue.Cooldown)

	assert.Equal(t, 50, cfg.Batching.Messages.BatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Batching.Leads.FlushInterval)

	assert.False(t, cfg.StreamQueue.Enabled)
	assert.NotEmpty(t, cfg.StreamQueue.ConsumerName)
	assert.Equal(t, 14, cfg.Ingest.HistoryDays)
	assert.Equal(t, "none", cfg.Realtime.Type)
	assert.Empty(t, cfg.Agents.APIURL)
	assert.Equal(t, 10*time.Second, cfg.Agents.Timeout)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
retry_queue:
  path: /var/lib/connector/retry.jsonl
  max_size: 10
stream_queue:
  enabled: true
  stream_key: inbound
  consumer_name: worker-1
batching:
  messages:
    batch_size: 100
    flush_interval: 50ms
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("RETRY_QUEUE_COOLDOWN", "30s")
	t.Setenv("REALTIME_TYPE", "kafka")
	t.Setenv("REALTIME_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("AGENTS_API_URL", "http://agents:3000")
	t.Setenv("AGENTS_API_KEY", "secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/connector/retry.jsonl", cfg.RetryQueue.Path)
	assert.Equal(t, 10, cfg.RetryQueue.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.RetryQueue.Cooldown)
	assert.True(t, cfg.StreamQueue.Enabled)
	assert.Equal(t, "inbound", cfg.StreamQueue.StreamKey)
	assert.Equal(t, "worker-1", cfg.StreamQueue.ConsumerName)
	assert.Equal(t, 100, cfg.Batching.Messages.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Batching.Messages.FlushInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Realtime.Kafka.Brokers)
	assert.Equal(t, "http://agents:3000", cfg.Agents.APIURL)
	assert.Equal(t, "secret", cfg.Agents.APIKey)
}

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateStatic(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero batch size", func(c *Config) { c.Batching.Leads.BatchSize = 0 }, "batching.leads.batch_size"},
		{"retry queue without path", func(c *Config) { c.RetryQueue.Path = " " }, "retry_queue.path"},
		{"retry queue disabled skips checks", func(c *Config) {
			c.RetryQueue.Enabled = false
			c.RetryQueue.Path = ""
		}, ""},
		{"stream without group", func(c *Config) {
			c.StreamQueue.Enabled = true
			c.StreamQueue.ConsumerGroup = ""
		}, "stream_queue.consumer_group"},
		{"kafka realtime without brokers", func(c *Config) { c.Realtime.Type = "kafka" }, "realtime.kafka.brokers"},
		{"unknown realtime", func(c *Config) { c.Realtime.Type = "pusher" }, "realtime.type"},
		{"media without bucket", func(c *Config) { c.Media.Enabled = true }, "media.bucket"},
		{"relative agents url", func(c *Config) { c.Agents.APIURL = "agents.local/api" }, "agents.api_url"},
		{"agents url", func(c *Config) { c.Agents.APIURL = "https://agents.internal/api/" }, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := ValidateStatic(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
