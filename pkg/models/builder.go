package models

import "time"

type InboundMessageBuilder struct {
	msg *InboundMessage
}

func NewInboundMessageBuilder() *InboundMessageBuilder {
	return &InboundMessageBuilder{
		msg: &InboundMessage{Type: "texto"},
	}
}

func (b *InboundMessageBuilder) WithKey(remoteJID, id string, fromMe bool) *InboundMessageBuilder {
	b.msg.Key = MessageKey{RemoteJID: remoteJID, ID: id, FromMe: fromMe}
	return b
}

func (b *InboundMessageBuilder) WithParticipant(participant string) *InboundMessageBuilder {
	b.msg.Key.Participant = participant
	return b
}

func (b *InboundMessageBuilder) WithText(text string) *InboundMessageBuilder {
	b.msg.Text = text
	return b
}

func (b *InboundMessageBuilder) WithPushName(name string) *InboundMessageBuilder {
	b.msg.PushName = name
	return b
}

func (b *InboundMessageBuilder) WithTimestamp(ts time.Time) *InboundMessageBuilder {
	b.msg.MessageTimestamp = ts.Unix()
	return b
}

func (b *InboundMessageBuilder) WithMedia(media Media) *InboundMessageBuilder {
	b.msg.Media = &media
	if media.Type != "" {
		b.msg.Type = media.Type
	}
	return b
}

func (b *InboundMessageBuilder) WithQuoted(quoted QuotedMessage) *InboundMessageBuilder {
	b.msg.Quoted = &quoted
	return b
}

func (b *InboundMessageBuilder) Build() InboundMessage {
	return *b.msg
}
