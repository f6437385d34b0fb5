package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"waconnector/internal/agents"
	"waconnector/internal/logger"
	"waconnector/internal/media"
	"waconnector/internal/persistence"
	"waconnector/internal/processing"
	"waconnector/internal/realtime"
	"waconnector/internal/session"
	"waconnector/pkg/cel"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/logging"
	"waconnector/pkg/metrics"
	"waconnector/pkg/models"
	"waconnector/pkg/tracing"
)

const (
	recentWindow     = 2 * time.Minute
	slowProcessingAt = time.Second

	userServer = "@s.whatsapp.net"
)

// AgentsNotifier hands inbound contact messages to the agents service without blocking.
type AgentsNotifier interface {
	Notify(ctx context.Context, n agents.Notification)
}

// RetryQueue is the durable fallback used while the store is unavailable.
type RetryQueue interface {
	Enqueue(ctx context.Context, msg processing.QueuedMessage) bool
	IsDBUnavailable() bool
	MarkDBUnavailable()
}

type Deps struct {
	Batchers      *persistence.Batchers
	Conversations *persistence.Repository
	RetryQueue    RetryQueue
	// Media is optional; without it attachments are not stored.
	Media media.Sink
	// Emitter is optional; without it no realtime events are sent.
	Emitter *realtime.Emitter
	// Agents is optional.
	Agents      AgentsNotifier
	Filter      *cel.Filter
	IsTransient processing.TransientClassifier
	Logger      logger.Logger
}

// Processor turns one inbound message into lead, conversation, message and attachment rows.
type Processor struct {
	deps        Deps
	historyDays int
	now         func() time.Time
}

func NewProcessor(deps Deps, historyDays int) *Processor {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	return &Processor{deps: deps, historyDays: historyDays, now: time.Now}
}

// Process stores req.Message. Messages that cannot belong to the inbox are skipped without error.
// With QueueOnDBFail set, a transient store failure, or an open cooldown window, diverts the
// message to the retry queue and Process returns nil.
func (p *Processor) Process(ctx context.Context, req processing.Request) error {
	msg := req.Message
	s := req.Session
	source := req.Source
	if source == "" {
		source = models.SourceRealtime
	}

	if msg.Key.RemoteJID == "" || !s.Usable() || msg.IsStatusBroadcast() {
		metrics.IncMessagesProcessed(source, "skipped")
		return nil
	}
	if source == models.SourceHistory && !p.withinHistory(msg) {
		metrics.IncMessagesProcessed(source, "skipped")
		return nil
	}

	queued := processing.QueuedMessage{IntegrationAccountID: s.IntegrationAccountID, Source: source, Message: msg}
	ctx = logging.WithWorkspaceID(logging.WithIntegrationAccountID(ctx, s.IntegrationAccountID), s.WorkspaceID)

	if p.deps.Filter != nil {
		ok, err := p.deps.Filter.Match(ctx, queued, p.now())
		if err != nil {
			p.deps.Logger.WarnwCtx(ctx, "Message filter failed, processing message", "expression", p.deps.Filter.Expression(), "error", err)
		} else if !ok {
			metrics.IncMessagesProcessed(source, "filtered")
			return nil
		}
	}

	if req.QueueOnDBFail && p.deps.RetryQueue != nil && p.deps.RetryQueue.IsDBUnavailable() {
		if p.deps.RetryQueue.Enqueue(ctx, queued) {
			metrics.IncMessagesProcessed(source, "queued")
			return nil
		}
	}

	ctx, span := tracing.StartSpan(ctx, "ingest.process",
		attribute.String("message.id", msg.Key.ID),
		attribute.String("message.source", source),
	)
	defer span.End()

	err := p.persist(ctx, req, s, source)
	if err == nil {
		metrics.IncMessagesProcessed(source, "processed")
		return nil
	}
	tracing.RecordError(span, err)

	if req.QueueOnDBFail && p.deps.RetryQueue != nil && p.isTransient(err) {
		p.deps.RetryQueue.MarkDBUnavailable()
		if p.deps.RetryQueue.Enqueue(ctx, queued) {
			metrics.IncMessagesProcessed(source, "queued")
			p.deps.Logger.WarnwCtx(ctx, "Store unavailable, message queued for retry", "message_id", msg.Key.ID, "error", err)
			return nil
		}
	}
	metrics.IncMessagesProcessed(source, "failed")
	return err
}

func (p *Processor) isTransient(err error) bool {
	if p.deps.IsTransient != nil {
		return p.deps.IsTransient(err)
	}
	return apperrors.IsTransient(err)
}

func (p *Processor) withinHistory(msg models.InboundMessage) bool {
	if p.historyDays <= 0 {
		return true
	}
	now := p.now()
	cutoff := now.Add(-time.Duration(p.historyDays) * 24 * time.Hour)
	return !msg.Timestamp(now).Before(cutoff)
}

func (p *Processor) persist(ctx context.Context, req processing.Request, s *session.Session, source string) error {
	startedAt := p.now()
	msg := req.Message
	remoteJID := msg.Key.RemoteJID

	waID := msg.WaID()
	if waID == "" {
		return nil
	}

	chats := req.ChatMap
	if s.Chats != nil {
		chats = s.Chats
	}
	if chats != nil && (msg.ChatName != "" || msg.AvatarURL != "") {
		chats.Put(session.Chat{JID: remoteJID, Name: msg.ChatName, AvatarURL: msg.AvatarURL})
	}
	chat, _ := chats.Get(remoteJID)

	displayName := firstNonEmpty(chat.Name, msg.ChatName)
	if displayName == "" && !msg.Key.FromMe && !msg.IsGroup() {
		displayName = msg.PushName
	}
	avatarURL := firstNonEmpty(chat.AvatarURL, msg.AvatarURL)

	createdAt := msg.Timestamp(startedAt)
	text := msg.Text

	leadID, err := p.deps.Batchers.Leads.Enqueue(ctx, persistence.LeadRecord{
		WorkspaceID:  s.WorkspaceID,
		WhatsAppWaID: waID,
		Phone:        leadPhone(msg, waID),
		Name:         displayName,
		AvatarURL:    avatarURL,
	})
	if err != nil {
		return err
	}
	if leadID == "" {
		return apperrors.ErrProcessingFailed.WithCause(fmt.Errorf("lead %s was not stored", waID))
	}

	conversationID, isNewConversation, err := p.deps.Conversations.UpsertConversation(ctx, persistence.ConversationUpdate{
		WorkspaceID:          s.WorkspaceID,
		LeadID:               leadID,
		IntegrationAccountID: s.IntegrationAccountID,
		LastMessage:          text,
		LastAt:               createdAt,
	})
	if err != nil {
		return err
	}

	record := p.messageRecord(msg, s, displayName)
	record.ConversationID = conversationID
	record.CreatedAt = createdAt

	stored, err := p.deps.Batchers.Messages.Submit(record).Outcome(ctx)
	if err != nil {
		return err
	}
	messageID := stored.ID

	now := p.now()
	emitRealtime := source == models.SourceRealtime || now.Sub(createdAt) < recentWindow
	emitConversation := emitRealtime || (source == models.SourceHistory && isNewConversation)

	if elapsed := now.Sub(startedAt); (emitRealtime || emitConversation) && elapsed > slowProcessingAt {
		p.deps.Logger.WarnwCtx(ctx, "Message processing latency",
			"processing_ms", elapsed.Milliseconds(),
			"message_lag_ms", now.Sub(createdAt).Milliseconds(),
			"source", source,
			"conversation_id", conversationID,
			"message_id", msg.Key.ID,
		)
	}

	if p.deps.Agents != nil && record.Author == persistence.AuthorContact && emitRealtime {
		p.deps.Agents.Notify(ctx, agents.Notification{
			WorkspaceID:          s.WorkspaceID,
			IntegrationAccountID: s.IntegrationAccountID,
			ConversationID:       conversationID,
			MessageRowID:         optional(messageID),
			MessageExternalID:    optional(msg.Key.ID),
			Text:                 optional(text),
			IsGroup:              msg.IsGroup(),
		})
	}

	if p.deps.Emitter != nil {
		if emitRealtime && messageID != "" && !stored.Existing {
			p.deps.Emitter.EmitMessageCreated(ctx, s.WorkspaceID, conversationID, messagePayload(messageID, stored.Stored))
		}
		if emitConversation {
			p.deps.Emitter.EmitConversationUpdated(ctx, realtime.ConversationUpdate{
				WorkspaceID:    s.WorkspaceID,
				ConversationID: conversationID,
				Status:         persistence.ConversationOpen,
				LastMessage:    &text,
				LastAt:         createdAt,
			})
		}
	}

	if messageID == "" || msg.Media == nil || msg.Media.ViewOnce || len(msg.Media.Data) == 0 || p.deps.Media == nil {
		return nil
	}
	return p.storeAttachment(ctx, s, conversationID, messageID, msg.Media, emitRealtime)
}

func (p *Processor) storeAttachment(ctx context.Context, s *session.Session, conversationID, messageID string, m *models.Media, emit bool) error {
	exists, err := p.deps.Conversations.HasAttachment(ctx, messageID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	storagePath, err := p.deps.Media.Upload(ctx, media.Upload{
		WorkspaceID:    s.WorkspaceID,
		ConversationID: conversationID,
		FileName:       m.FileName,
		ContentType:    m.Mimetype,
		Body:           m.Data,
	})
	if err != nil {
		return err
	}

	attachment := persistence.AttachmentRecord{
		WorkspaceID: s.WorkspaceID,
		MessageID:   messageID,
		StoragePath: storagePath,
		Type:        persistence.AttachmentType(m.Type),
		SizeBytes:   int64(len(m.Data)),
	}
	attachmentID, err := p.deps.Batchers.Attachments.Enqueue(ctx, attachment)
	if err != nil {
		return err
	}

	if emit && attachmentID != "" && p.deps.Emitter != nil {
		size := attachment.SizeBytes
		p.deps.Emitter.EmitAttachmentCreated(ctx, s.WorkspaceID, conversationID, messageID, realtime.AttachmentPayload{
			ID:          attachmentID,
			StoragePath: storagePath,
			Type:        attachment.Type,
			SizeBytes:   &size,
		})
	}
	return nil
}

func (p *Processor) messageRecord(msg models.InboundMessage, s *session.Session, displayName string) persistence.MessageRecord {
	record := persistence.MessageRecord{
		WorkspaceID:       s.WorkspaceID,
		WhatsAppMessageID: msg.Key.ID,
		Author:            persistence.AuthorContact,
		Type:              msg.Type,
		Content:           msg.Text,
	}
	if record.Type == "" {
		record.Type = "texto"
	}

	switch {
	case msg.Key.FromMe:
		record.Author = persistence.AuthorTeam
		record.SenderID = s.Number
		record.SenderName = firstNonEmpty(s.Name, msg.PushName)
		record.SenderAvatarURL = s.SelfAvatarURL
	case msg.IsGroup() && msg.Key.Participant != "":
		record.SenderID = msg.Key.Participant
		record.SenderName = firstNonEmpty(msg.SenderName, msg.PushName)
		record.SenderAvatarURL = msg.SenderAvatarURL
	}

	if q := msg.Quoted; q != nil {
		record.QuotedMessageID = q.MessageID
		record.QuotedContent = q.Text
		record.QuotedType = q.Type
		if q.SenderID != "" {
			record.QuotedSenderID = q.SenderID
			record.QuotedAuthor = persistence.AuthorContact
			if s.Number != "" && models.NormalizeJID(q.SenderID) == models.NormalizeJID(s.Number) {
				record.QuotedAuthor = persistence.AuthorTeam
			}
			switch {
			case q.SenderName != "":
				record.QuotedSenderName = q.SenderName
			case record.QuotedAuthor == persistence.AuthorTeam:
				record.QuotedSenderName = s.Name
			case !msg.IsGroup():
				record.QuotedSenderName = displayName
			}
		}
	}
	return record
}

func messagePayload(id string, r persistence.MessageRecord) realtime.MessagePayload {
	return realtime.MessagePayload{
		ID:               id,
		Author:           r.Author,
		Type:             r.Type,
		Content:          optional(r.Content),
		CreatedAt:        r.CreatedAt.UTC().Format(time.RFC3339Nano),
		SenderID:         optional(r.SenderID),
		SenderName:       optional(r.SenderName),
		SenderAvatarURL:  optional(r.SenderAvatarURL),
		QuotedMessageID:  optional(r.QuotedMessageID),
		QuotedAuthor:     optional(r.QuotedAuthor),
		QuotedSenderID:   optional(r.QuotedSenderID),
		QuotedSenderName: optional(r.QuotedSenderName),
		QuotedType:       optional(r.QuotedType),
		QuotedContent:    optional(r.QuotedContent),
	}
}

// leadPhone prefers the phone resolved by the bridge and falls back to the user part of a
// phone-number JID.
func leadPhone(msg models.InboundMessage, waID string) string {
	if msg.Phone != "" {
		return msg.Phone
	}
	if strings.HasSuffix(models.NormalizeJID(msg.Key.RemoteJID), userServer) && isDigits(waID) {
		return waID
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
