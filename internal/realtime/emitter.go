package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"waconnector/internal/logger"
	"waconnector/pkg/metrics"
)

const (
	EventMessageCreated      = "message:created"
	EventConversationUpdated = "conversation:updated"
	EventAttachmentCreated   = "attachment:created"

	publishTimeout = 5 * time.Second
)

// MessagePayload is the message row as the inbox renders it.
type MessagePayload struct {
	ID               string  `json:"id"`
	Author           string  `json:"autor"`
	Type             string  `json:"tipo"`
	Content          *string `json:"conteudo"`
	CreatedAt        string  `json:"created_at"`
	Internal         bool    `json:"interno"`
	SenderID         *string `json:"sender_id"`
	SenderName       *string `json:"sender_nome"`
	SenderAvatarURL  *string `json:"sender_avatar_url"`
	QuotedMessageID  *string `json:"quoted_message_id"`
	QuotedAuthor     *string `json:"quoted_autor"`
	QuotedSenderID   *string `json:"quoted_sender_id"`
	QuotedSenderName *string `json:"quoted_sender_nome"`
	QuotedType       *string `json:"quoted_tipo"`
	QuotedContent    *string `json:"quoted_conteudo"`
}

type AttachmentPayload struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
	Type        string `json:"tipo"`
	SizeBytes   *int64 `json:"tamanho_bytes"`
}

type ConversationUpdate struct {
	WorkspaceID    string
	ConversationID string
	Status         string
	LastMessage    *string
	LastAt         time.Time
}

type messageCreated struct {
	EventID        string         `json:"event_id"`
	EmittedAt      string         `json:"emitted_at"`
	WorkspaceID    string         `json:"workspace_id"`
	ConversationID string         `json:"conversation_id"`
	Message        MessagePayload `json:"message"`
}

type conversationUpdated struct {
	EventID        string  `json:"event_id"`
	EmittedAt      string  `json:"emitted_at"`
	WorkspaceID    string  `json:"workspace_id"`
	ConversationID string  `json:"conversation_id"`
	Status         string  `json:"status,omitempty"`
	LastMessage    *string `json:"ultima_mensagem,omitempty"`
	LastAt         string  `json:"ultima_mensagem_em,omitempty"`
}

type attachmentCreated struct {
	EventID        string            `json:"event_id"`
	EmittedAt      string            `json:"emitted_at"`
	WorkspaceID    string            `json:"workspace_id"`
	ConversationID string            `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Attachment     AttachmentPayload `json:"attachment"`
}

// Emitter publishes inbox events without blocking the caller. Publish failures are logged and
// never reach the ingestion path.
type Emitter struct {
	pub    Publisher
	prefix string
	log    logger.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

func NewEmitter(pub Publisher, channelPrefix string, log logger.Logger) *Emitter {
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Emitter{pub: pub, prefix: channelPrefix, log: log, now: time.Now}
}

func (e *Emitter) WorkspaceChannel(workspaceID string) string {
	return e.prefix + "workspace-" + workspaceID
}

func (e *Emitter) ConversationChannel(conversationID string) string {
	return e.prefix + "conversation-" + conversationID
}

func (e *Emitter) EmitMessageCreated(ctx context.Context, workspaceID, conversationID string, msg MessagePayload) {
	e.emit(ctx, e.ConversationChannel(conversationID), EventMessageCreated, messageCreated{
		EventID:        uuid.NewString(),
		EmittedAt:      e.stamp(),
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Message:        msg,
	})
}

func (e *Emitter) EmitConversationUpdated(ctx context.Context, u ConversationUpdate) {
	ev := conversationUpdated{
		EventID:        uuid.NewString(),
		EmittedAt:      e.stamp(),
		WorkspaceID:    u.WorkspaceID,
		ConversationID: u.ConversationID,
		Status:         u.Status,
		LastMessage:    u.LastMessage,
	}
	if !u.LastAt.IsZero() {
		ev.LastAt = u.LastAt.UTC().Format(time.RFC3339Nano)
	}
	e.emit(ctx, e.WorkspaceChannel(u.WorkspaceID), EventConversationUpdated, ev)
}

func (e *Emitter) EmitAttachmentCreated(ctx context.Context, workspaceID, conversationID, messageID string, att AttachmentPayload) {
	e.emit(ctx, e.ConversationChannel(conversationID), EventAttachmentCreated, attachmentCreated{
		EventID:        uuid.NewString(),
		EmittedAt:      e.stamp(),
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Attachment:     att,
	})
}

// Wait blocks until every event emitted so far has been published or dropped.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

// Close waits for in-flight events, bounded by ctx, and closes the publisher.
func (e *Emitter) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warnw("Realtime events still in flight at shutdown")
	}
	return e.pub.Close()
}

func (e *Emitter) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e *Emitter) emit(ctx context.Context, channel, event string, payload any) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		if err := e.pub.Publish(pubCtx, channel, event, payload); err != nil {
			metrics.IncRealtimePublish(event, "error")
			e.log.WarnwCtx(pubCtx, "Failed to publish realtime event", "event", event, "channel", channel, "error", err)
			return
		}
		metrics.IncRealtimePublish(event, "success")
	}()
}
