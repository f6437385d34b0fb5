package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Batching       BatchingConfig       `mapstructure:"batching"`
	RetryQueue     RetryQueueConfig     `mapstructure:"retry_queue"`
	StreamQueue    StreamQueueConfig    `mapstructure:"stream_queue"`
	Realtime       RealtimeConfig       `mapstructure:"realtime"`
	Media          MediaConfig          `mapstructure:"media"`
	Ingest         IngestConfig         `mapstructure:"ingest"`
	Agents         AgentsConfig         `mapstructure:"agents"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port                int             `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration   `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration   `mapstructure:"write_timeout_seconds"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	RunMigrations bool           `mapstructure:"run_migrations"`
	// MigrationsPath is a golang-migrate source URL, e.g. file://migrations/postgres.
	MigrationsPath string `mapstructure:"migrations_path"`
}

type PostgresConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BatchingConfig struct {
	Messages    BatchConfig `mapstructure:"messages"`
	Leads       BatchConfig `mapstructure:"leads"`
	Attachments BatchConfig `mapstructure:"attachments"`
}

type BatchConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// FlushTimeout bounds the store call of a single flush.
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

type RetryQueueConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	MaxSize       int           `mapstructure:"max_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

type StreamQueueConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	StreamKey     string        `mapstructure:"stream_key"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
	ConsumerName  string        `mapstructure:"consumer_name"`
	BatchSize     int64         `mapstructure:"batch_size"`
	Block         time.Duration `mapstructure:"block"`
	MaxLen        int64         `mapstructure:"max_len"`
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type RealtimeConfig struct {
	Type          string              `mapstructure:"type"` // "none", "redis", "kafka"
	ChannelPrefix string              `mapstructure:"channel_prefix"`
	Kafka         RealtimeKafkaConfig `mapstructure:"kafka"`
}

type RealtimeKafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AgentsConfig points at the agents service notified of inbound contact messages. An empty
// APIURL disables notifications.
type AgentsConfig struct {
	APIURL  string        `mapstructure:"api_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
}

type IngestConfig struct {
	// FilterExpression is an optional CEL expression evaluated against each inbound message;
	// messages for which it evaluates to false are skipped.
	FilterExpression string `mapstructure:"filter_expression"`
	HistoryDays      int    `mapstructure:"history_days"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
