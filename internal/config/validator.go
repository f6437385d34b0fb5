package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateDatabase(c.Database) },
		func(c *Config) error { return validateBatching(c.Batching) },
		func(c *Config) error { return validateRetryQueue(c.RetryQueue) },
		func(c *Config) error { return validateStreamQueue(c.StreamQueue) },
		func(c *Config) error { return validateRealtime(c.Realtime) },
		func(c *Config) error { return validateMedia(c.Media) },
		func(c *Config) error { return validateAgents(c.Agents) },
		func(c *Config) error { return validateLogging(c.Logging) },
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RPS <= 0 || cfg.RateLimit.Burst <= 0) {
		return &ValidationError{
			Field:   "server.rate_limit",
			Message: "rps and burst must be positive when rate limiting is enabled",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Postgres.Port < 1 || cfg.Postgres.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Postgres.Port),
		}
	}

	if cfg.Postgres.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "database name is required",
		}
	}

	if cfg.RunMigrations && cfg.MigrationsPath == "" {
		return &ValidationError{
			Field:   "database.migrations_path",
			Message: "migrations path is required when run_migrations is enabled",
		}
	}

	return nil
}

func validateBatching(cfg BatchingConfig) error {
	batches := map[string]BatchConfig{
		"messages":    cfg.Messages,
		"leads":       cfg.Leads,
		"attachments": cfg.Attachments,
	}

	for name, b := range batches {
		if b.BatchSize < 1 {
			return &ValidationError{
				Field:   "batching." + name + ".batch_size",
				Message: fmt.Sprintf("batch size must be at least 1, got %d", b.BatchSize),
			}
		}
		if b.FlushInterval < 0 {
			return &ValidationError{
				Field:   "batching." + name + ".flush_interval",
				Message: "flush interval must be non-negative",
			}
		}
	}

	return nil
}

func validateRetryQueue(cfg RetryQueueConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if strings.TrimSpace(cfg.Path) == "" {
		return &ValidationError{
			Field:   "retry_queue.path",
			Message: "path is required when the retry queue is enabled",
		}
	}

	if cfg.MaxSize < 1 {
		return &ValidationError{
			Field:   "retry_queue.max_size",
			Message: fmt.Sprintf("max size must be at least 1, got %d", cfg.MaxSize),
		}
	}

	if cfg.FlushInterval <= 0 {
		return &ValidationError{
			Field:   "retry_queue.flush_interval",
			Message: "flush interval must be positive",
		}
	}

	if cfg.Cooldown < 0 {
		return &ValidationError{
			Field:   "retry_queue.cooldown",
			Message: "cooldown must be non-negative",
		}
	}

	return nil
}

func validateStreamQueue(cfg StreamQueueConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.StreamKey == "" {
		return &ValidationError{
			Field:   "stream_queue.stream_key",
			Message: "stream key is required when the stream queue is enabled",
		}
	}

	if cfg.ConsumerGroup == "" {
		return &ValidationError{
			Field:   "stream_queue.consumer_group",
			Message: "consumer group is required when the stream queue is enabled",
		}
	}

	if cfg.BatchSize < 1 {
		return &ValidationError{
			Field:   "stream_queue.batch_size",
			Message: fmt.Sprintf("batch size must be at least 1, got %d", cfg.BatchSize),
		}
	}

	if cfg.Block < 0 {
		return &ValidationError{
			Field:   "stream_queue.block",
			Message: "block must be non-negative",
		}
	}

	if cfg.MaxLen < 0 {
		return &ValidationError{
			Field:   "stream_queue.max_len",
			Message: "max_len must be non-negative",
		}
	}

	return nil
}

func validateRealtime(cfg RealtimeConfig) error {
	switch cfg.Type {
	case "", "none", "redis":
		return nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return &ValidationError{
				Field:   "realtime.kafka.brokers",
				Message: "at least one Kafka broker is required",
			}
		}
		for i, broker := range cfg.Kafka.Brokers {
			if broker == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("realtime.kafka.brokers[%d]", i),
					Message: "broker address cannot be empty",
				}
			}
		}
		if cfg.Kafka.Topic == "" {
			return &ValidationError{
				Field:   "realtime.kafka.topic",
				Message: "topic is required",
			}
		}
		return nil
	default:
		return &ValidationError{
			Field:   "realtime.type",
			Message: fmt.Sprintf("unknown realtime type: %s (supported: none, redis, kafka)", cfg.Type),
		}
	}
}

func validateAgents(cfg AgentsConfig) error {
	if cfg.APIURL == "" {
		return nil
	}
	u, err := url.Parse(cfg.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{
			Field:   "agents.api_url",
			Message: fmt.Sprintf("must be an absolute http(s) URL, got %q", cfg.APIURL),
		}
	}
	if cfg.Timeout <= 0 {
		return &ValidationError{
			Field:   "agents.timeout",
			Message: "timeout must be positive",
		}
	}
	return nil
}

func validateMedia(cfg MediaConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Bucket == "" {
		return &ValidationError{
			Field:   "media.bucket",
			Message: "bucket is required when media uploads are enabled",
		}
	}

	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return &ValidationError{
			Field:   "media.access_key_id",
			Message: "access key id and secret are required when media uploads are enabled",
		}
	}

	return nil
}

func validateLogging(cfg LoggingConfig) error {
	switch cfg.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level: %s", cfg.Level),
		}
	}

	switch cfg.Format {
	case "", "json", "console":
	default:
		return &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format: %s", cfg.Format),
		}
	}

	return nil
}
