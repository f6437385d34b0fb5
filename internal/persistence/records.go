package persistence

import (
	"strings"
	"time"

	"waconnector/internal/store"
)

// Message authors.
const (
	AuthorContact = "contato"
	AuthorTeam    = "equipe"
	AuthorAgent   = "agente"
)

const (
	ChannelWhatsApp  = "whatsapp"
	LeadStatusNew    = "novo"
	ConversationOpen = "aberta"
)

// Attachment kinds stored in attachments.tipo.
const (
	AttachmentAudio   = "audio"
	AttachmentPDF     = "pdf"
	AttachmentVideo   = "video"
	AttachmentSticker = "sticker"
	AttachmentImage   = "imagem"
)

const (
	TableMessages      = "messages"
	TableLeads         = "leads"
	TableAttachments   = "attachments"
	TableConversations = "conversations"
)

// MessageRecord is one row of the messages table.
type MessageRecord struct {
	WorkspaceID       string
	ConversationID    string
	WhatsAppMessageID string
	Author            string
	Type              string
	Content           string
	CreatedAt         time.Time

	SenderID        string
	SenderName      string
	SenderAvatarURL string

	QuotedMessageID  string
	QuotedContent    string
	QuotedType       string
	QuotedAuthor     string
	QuotedSenderID   string
	QuotedSenderName string
}

func (m MessageRecord) key() (string, bool) {
	if m.WorkspaceID == "" || m.WhatsAppMessageID == "" {
		return "", false
	}
	return m.WorkspaceID + ":" + m.WhatsAppMessageID, true
}

func (m MessageRecord) row() store.Row {
	row := store.Row{
		"workspace_id":        m.WorkspaceID,
		"conversation_id":     nullable(m.ConversationID),
		"whatsapp_message_id": m.WhatsAppMessageID,
		"autor":               m.Author,
		"tipo":                m.Type,
		"conteudo":            nullable(m.Content),
		"sender_id":           nullable(m.SenderID),
		"sender_nome":         nullable(m.SenderName),
		"sender_avatar_url":   nullable(m.SenderAvatarURL),
		"quoted_message_id":   nullable(m.QuotedMessageID),
		"quoted_conteudo":     nullable(m.QuotedContent),
		"quoted_tipo":         nullable(m.QuotedType),
		"quoted_autor":        nullable(m.QuotedAuthor),
		"quoted_sender_id":    nullable(m.QuotedSenderID),
		"quoted_sender_nome":  nullable(m.QuotedSenderName),
	}
	if !m.CreatedAt.IsZero() {
		row["created_at"] = m.CreatedAt.UTC()
	}
	return row
}

// LeadRecord is one row of the leads table. Name and AvatarURL are only written when set, so a
// message without profile data never clears what is stored.
type LeadRecord struct {
	WorkspaceID  string
	WhatsAppWaID string
	Phone        string
	Name         string
	AvatarURL    string
}

func (l LeadRecord) key() (string, bool) {
	if l.WorkspaceID == "" || l.WhatsAppWaID == "" {
		return "", false
	}
	return l.WorkspaceID + ":" + l.WhatsAppWaID, true
}

func (l LeadRecord) row() store.Row {
	row := store.Row{
		"workspace_id":   l.WorkspaceID,
		"whatsapp_wa_id": l.WhatsAppWaID,
		"telefone":       nullable(l.Phone),
		"canal_origem":   ChannelWhatsApp,
		"status":         LeadStatusNew,
	}
	if name := strings.TrimSpace(l.Name); name != "" {
		row["nome"] = name
	}
	if l.AvatarURL != "" {
		row["avatar_url"] = l.AvatarURL
	}
	return row
}

// AttachmentRecord is one row of the attachments table.
type AttachmentRecord struct {
	WorkspaceID string
	MessageID   string
	StoragePath string
	Type        string
	SizeBytes   int64
}

func (a AttachmentRecord) key() (string, bool) {
	if a.WorkspaceID == "" || a.MessageID == "" || a.StoragePath == "" {
		return "", false
	}
	return a.WorkspaceID + ":" + a.MessageID + ":" + a.StoragePath, true
}

func (a AttachmentRecord) row() store.Row {
	row := store.Row{
		"workspace_id": a.WorkspaceID,
		"message_id":   a.MessageID,
		"storage_path": a.StoragePath,
		"tipo":         a.Type,
	}
	if a.SizeBytes > 0 {
		row["tamanho_bytes"] = a.SizeBytes
	} else {
		row["tamanho_bytes"] = nil
	}
	return row
}

// AttachmentType maps a protocol media type to the stored attachment kind.
func AttachmentType(mediaType string) string {
	switch mediaType {
	case "audio":
		return AttachmentAudio
	case "document":
		return AttachmentPDF
	case "video":
		return AttachmentVideo
	case "sticker":
		return AttachmentSticker
	default:
		return AttachmentImage
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
