package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"waconnector/internal/config"
	"waconnector/internal/logger"
)

func subscribe(t *testing.T, client *redis.Client, channel string) <-chan *redis.Message {
	t.Helper()
	sub := client.Subscribe(context.Background(), channel)
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub.Channel()
}

func receive(t *testing.T, ch <-chan *redis.Message) (Envelope, map[string]any) {
	t.Helper()
	select {
	case msg := <-ch:
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		var data map[string]any
		require.NoError(t, json.Unmarshal(env.Data, &data))
		return env, data
	case <-time.After(2 * time.Second):
		t.Fatal("no realtime event received")
		return Envelope{}, nil
	}
}

func newRedisEmitter(t *testing.T) (*Emitter, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	e := NewEmitter(NewRedisPublisher(client), "private-", logger.NopLogger())
	e.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	return e, client
}

func ptr(s string) *string { return &s }

func TestEmitter_MessageCreated(t *testing.T) {
	e, client := newRedisEmitter(t)
	ch := subscribe(t, client, "private-conversation-c1")

	e.EmitMessageCreated(context.Background(), "w1", "c1", MessagePayload{
		ID:        "row-1",
		Author:    "contato",
		Type:      "texto",
		Content:   ptr("oi"),
		CreatedAt: "2026-05-01T09:59:00Z",
	})

	env, data := receive(t, ch)
	assert.Equal(t, EventMessageCreated, env.Event)
	assert.Equal(t, "private-conversation-c1", env.Channel)
	assert.Equal(t, "w1", data["workspace_id"])
	assert.Equal(t, "c1", data["conversation_id"])
	assert.Equal(t, "2026-05-01T10:00:00Z", data["emitted_at"])
	assert.NotEmpty(t, data["event_id"])

	msg := data["message"].(map[string]any)
	assert.Equal(t, "row-1", msg["id"])
	assert.Equal(t, "oi", msg["conteudo"])
	assert.Equal(t, false, msg["interno"])
	assert.Contains(t, msg, "quoted_message_id")
	assert.Nil(t, msg["quoted_message_id"])
}

func TestEmitter_ConversationUpdatedOnWorkspaceChannel(t *testing.T) {
	e, client := newRedisEmitter(t)
	ch := subscribe(t, client, "private-workspace-w1")

	e.EmitConversationUpdated(context.Background(), ConversationUpdate{
		WorkspaceID:    "w1",
		ConversationID: "c1",
		Status:         "aberta",
		LastMessage:    ptr("oi"),
		LastAt:         time.Date(2026, 5, 1, 9, 59, 0, 0, time.UTC),
	})

	env, data := receive(t, ch)
	assert.Equal(t, EventConversationUpdated, env.Event)
	assert.Equal(t, "aberta", data["status"])
	assert.Equal(t, "oi", data["ultima_mensagem"])
	assert.Equal(t, "2026-05-01T09:59:00Z", data["ultima_mensagem_em"])
}

func TestEmitter_ConversationUpdatedOmitsUnsetFields(t *testing.T) {
	e, client := newRedisEmitter(t)
	ch := subscribe(t, client, "private-workspace-w1")

	e.EmitConversationUpdated(context.Background(), ConversationUpdate{WorkspaceID: "w1", ConversationID: "c1"})

	_, data := receive(t, ch)
	assert.NotContains(t, data, "status")
	assert.NotContains(t, data, "ultima_mensagem")
	assert.NotContains(t, data, "ultima_mensagem_em")
}

func TestEmitter_AttachmentCreated(t *testing.T) {
	e, client := newRedisEmitter(t)
	ch := subscribe(t, client, "private-conversation-c1")

	size := int64(42)
	e.EmitAttachmentCreated(context.Background(), "w1", "c1", "row-1", AttachmentPayload{
		ID:          "att-1",
		StoragePath: "w1/c1/file.pdf",
		Type:        "pdf",
		SizeBytes:   &size,
	})

	env, data := receive(t, ch)
	assert.Equal(t, EventAttachmentCreated, env.Event)
	assert.Equal(t, "row-1", data["message_id"])
	att := data["attachment"].(map[string]any)
	assert.Equal(t, "att-1", att["id"])
	assert.Equal(t, float64(42), att["tamanho_bytes"])
}

type failingPublisher struct{ closed bool }

func (p *failingPublisher) Publish(context.Context, string, string, any) error {
	return errors.New("broker down")
}

func (p *failingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestEmitter_FailuresAreLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &failingPublisher{}
	e := NewEmitter(pub, "private-", logger.FromZap(zap.New(core)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.EmitConversationUpdated(ctx, ConversationUpdate{WorkspaceID: "w1", ConversationID: "c1"})
	e.Wait()

	assert.Equal(t, 1, logs.FilterMessage("Failed to publish realtime event").Len())
	require.NoError(t, e.Close(context.Background()))
	assert.True(t, pub.closed)
}

func TestNewPublisher(t *testing.T) {
	log := logger.NopLogger()

	pub, err := NewPublisher(config.RealtimeConfig{Type: "none"}, nil, log)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, pub)

	_, err = NewPublisher(config.RealtimeConfig{Type: "redis"}, nil, log)
	assert.Error(t, err)

	_, err = NewPublisher(config.RealtimeConfig{Type: "pusher"}, nil, log)
	assert.Error(t, err)

	pub, err = NewPublisher(config.RealtimeConfig{
		Type:  "kafka",
		Kafka: config.RealtimeKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "connector.realtime"},
	}, nil, log)
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, pub)
	assert.NoError(t, pub.Close())
}
