package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads configFile (optional) and applies defaults and environment overrides.
// An empty configFile or a missing file leaves the connector running on defaults plus env.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10)
	viper.SetDefault("server.write_timeout_seconds", 10)
	viper.SetDefault("server.rate_limit.enabled", true)
	viper.SetDefault("server.rate_limit.rps", 200.0)
	viper.SetDefault("server.rate_limit.burst", 400)
	viper.SetDefault("server.rate_limit.cleanup_interval", 60)
	viper.SetDefault("server.rate_limit.max_age", 300)

	viper.SetDefault("database.postgres.host", "localhost")
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.user", "postgres")
	viper.SetDefault("database.postgres.password", "")
	viper.SetDefault("database.postgres.dbname", "connector")
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.postgres.max_open_conns", 20)
	viper.SetDefault("database.postgres.max_idle_conns", 5)
	viper.SetDefault("database.postgres.query_timeout", "15s")
	viper.SetDefault("database.redis.host", "localhost")
	viper.SetDefault("database.redis.port", 6379)
	viper.SetDefault("database.redis.password", "")
	viper.SetDefault("database.redis.db", 0)
	viper.SetDefault("database.run_migrations", false)
	viper.SetDefault("database.migrations_path", "file://migrations/postgres")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	for _, name := range []string{"messages", "leads", "attachments"} {
		viper.SetDefault("batching."+name+".batch_size", 50)
		viper.SetDefault("batching."+name+".flush_interval", "200ms")
		viper.SetDefault("batching."+name+".flush_timeout", "15s")
	}

	viper.SetDefault("retry_queue.enabled", true)
	viper.SetDefault("retry_queue.path", "logs/retry-queue.jsonl")
	viper.SetDefault("retry_queue.max_size", 5000)
	viper.SetDefault("retry_queue.flush_interval", "5s")
	viper.SetDefault("retry_queue.cooldown", "15s")

	viper.SetDefault("stream_queue.enabled", false)
	viper.SetDefault("stream_queue.stream_key", "connector:inbound")
	viper.SetDefault("stream_queue.consumer_group", "connector-workers")
	viper.SetDefault("stream_queue.consumer_name", "")
	viper.SetDefault("stream_queue.batch_size", 10)
	viper.SetDefault("stream_queue.block", "5s")
	viper.SetDefault("stream_queue.max_len", 100000)
	viper.SetDefault("stream_queue.claim_min_idle", "60s")
	viper.SetDefault("stream_queue.retry.max_attempts", 0)
	viper.SetDefault("stream_queue.retry.initial_interval", "500ms")
	viper.SetDefault("stream_queue.retry.max_interval", "30s")
	viper.SetDefault("stream_queue.retry.multiplier", 2.0)

	viper.SetDefault("realtime.type", "none")
	viper.SetDefault("realtime.channel_prefix", "private-")
	viper.SetDefault("realtime.kafka.topic", "connector.realtime")
	viper.SetDefault("realtime.kafka.write_timeout", "5s")

	viper.SetDefault("media.enabled", false)
	viper.SetDefault("media.region", "auto")
	viper.SetDefault("media.prefix", "inbox-attachments")

	viper.SetDefault("ingest.filter_expression", "")
	viper.SetDefault("ingest.history_days", 14)

	viper.SetDefault("agents.api_url", "")
	viper.SetDefault("agents.timeout", "10s")

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", "60s")
	viper.SetDefault("circuit_breaker.timeout", "15s")
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 5)

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "wa-connector")
	viper.SetDefault("tracing.sampler.type", "always_on")
	viper.SetDefault("tracing.sampler.param", 1.0)
}

func bindEnvVariables() {
	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("retry_queue.enabled", "RETRY_QUEUE_ENABLED")
	viper.BindEnv("retry_queue.path", "RETRY_QUEUE_PATH")
	viper.BindEnv("retry_queue.max_size", "RETRY_QUEUE_MAX_SIZE")
	viper.BindEnv("retry_queue.flush_interval", "RETRY_QUEUE_FLUSH_INTERVAL")
	viper.BindEnv("retry_queue.cooldown", "RETRY_QUEUE_COOLDOWN")

	viper.BindEnv("stream_queue.enabled", "STREAM_QUEUE_ENABLED")
	viper.BindEnv("stream_queue.stream_key", "STREAM_QUEUE_STREAM_KEY")
	viper.BindEnv("stream_queue.consumer_group", "STREAM_QUEUE_CONSUMER_GROUP")
	viper.BindEnv("stream_queue.consumer_name", "STREAM_QUEUE_CONSUMER_NAME")

	viper.BindEnv("realtime.type", "REALTIME_TYPE")
	viper.BindEnv("realtime.kafka.topic", "REALTIME_KAFKA_TOPIC")

	viper.BindEnv("media.enabled", "MEDIA_ENABLED")
	viper.BindEnv("media.endpoint", "MEDIA_ENDPOINT")
	viper.BindEnv("media.bucket", "MEDIA_BUCKET")
	viper.BindEnv("media.access_key_id", "MEDIA_ACCESS_KEY_ID")
	viper.BindEnv("media.secret_access_key", "MEDIA_SECRET_ACCESS_KEY")

	viper.BindEnv("ingest.filter_expression", "INGEST_FILTER_EXPRESSION")

	viper.BindEnv("agents.api_url", "AGENTS_API_URL")
	viper.BindEnv("agents.api_key", "AGENTS_API_KEY")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("REALTIME_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Realtime.Kafka.Brokers = brokers
		}
	}

	if cfg.StreamQueue.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve consumer name: %w", err)
		}
		cfg.StreamQueue.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return nil
}
