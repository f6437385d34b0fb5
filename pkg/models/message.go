package models

import (
	"strings"
	"time"
)

const (
	StatusBroadcastJID = "status@broadcast"
	GroupJIDSuffix     = "@g.us"
)

// Message sources.
const (
	SourceRealtime = "realtime"
	SourceHistory  = "history"
)

// MessageKey identifies a message on the protocol side.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

// InboundMessage is the message shape handed over by the protocol bridge, already unwrapped.
type InboundMessage struct {
	Key              MessageKey     `json:"key"`
	PushName         string         `json:"pushName,omitempty"`
	MessageTimestamp int64          `json:"messageTimestamp,omitempty"`
	Type             string         `json:"type,omitempty"`
	Text             string         `json:"text,omitempty"`
	ChatName         string         `json:"chatName,omitempty"`
	AvatarURL        string         `json:"avatarUrl,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	SenderName       string         `json:"senderName,omitempty"`
	SenderAvatarURL  string         `json:"senderAvatarUrl,omitempty"`
	Quoted           *QuotedMessage `json:"quoted,omitempty"`
	Media            *Media         `json:"media,omitempty"`
}

type QuotedMessage struct {
	MessageID  string `json:"messageId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
}

// Media carries a downloaded attachment. Data is base64 encoded on the wire.
type Media struct {
	Type     string `json:"type"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Data     []byte `json:"data,omitempty"`
	ViewOnce bool   `json:"viewOnce,omitempty"`
}

func (m *InboundMessage) IsGroup() bool {
	return strings.HasSuffix(m.Key.RemoteJID, GroupJIDSuffix)
}

func (m *InboundMessage) IsStatusBroadcast() bool {
	return NormalizeJID(m.Key.RemoteJID) == StatusBroadcastJID
}

// Timestamp returns the message time. Second and millisecond epochs are both accepted;
// a missing timestamp yields now.
func (m *InboundMessage) Timestamp(now time.Time) time.Time {
	raw := m.MessageTimestamp
	if raw <= 0 {
		return now
	}
	if raw > 1_000_000_000_000 {
		return time.UnixMilli(raw).UTC()
	}
	return time.Unix(raw, 0).UTC()
}

// WaID returns the bare user part of the remote JID, used as the lead identity.
func (m *InboundMessage) WaID() string {
	jid := NormalizeJID(m.Key.RemoteJID)
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// NormalizeJID strips the device suffix ("user:12@s.whatsapp.net" -> "user@s.whatsapp.net").
func NormalizeJID(jid string) string {
	at := strings.IndexByte(jid, '@')
	if at < 0 {
		return jid
	}
	user, server := jid[:at], jid[at:]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user + server
}
