package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"waconnector/internal/config"
	"waconnector/internal/constants"
	"waconnector/internal/logger"
	"waconnector/pkg/tracing"
)

// Envelope is the wire form of one realtime event.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
	Close() error
}

func encode(channel, event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal realtime payload: %w", err)
	}
	return json.Marshal(Envelope{Channel: channel, Event: event, Data: data})
}

// NewPublisher builds the publisher selected by cfg.Type. The redis client is only used by the
// "redis" type and is not closed by the returned publisher.
func NewPublisher(cfg config.RealtimeConfig, client redis.UniversalClient, log logger.Logger) (Publisher, error) {
	switch cfg.Type {
	case "", "none":
		return NopPublisher{}, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("realtime type redis requires a redis client")
		}
		return NewRedisPublisher(client), nil
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown realtime type: %s", cfg.Type)
	}
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }
func (NopPublisher) Close() error                                      { return nil }

// RedisPublisher sends events with PUBLISH on the event channel itself.
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	body, err := encode(channel, event, payload)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish redis message: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return nil }

// KafkaPublisher writes every event to one topic keyed by channel, so events of a channel keep
// their order within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaPublisher(cfg config.RealtimeKafkaConfig, log logger.Logger) *KafkaPublisher {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = constants.KafkaWriteTimeout
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, logger: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	body, err := encode(channel, event, payload)
	if err != nil {
		return err
	}

	headers := []kafka.Header{{Key: "event", Value: []byte(event)}}
	headers = tracing.InjectTraceContext(ctx, headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(channel),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
