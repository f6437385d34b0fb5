package processing

import (
	"context"

	"waconnector/internal/session"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/models"
)

// QueuedMessage is the replayable unit shared by the retry queue and the stream adapter.
type QueuedMessage = models.QueuedMessage

// Request is one message handed to a Processor.
type Request struct {
	Message models.InboundMessage
	Session *session.Session
	ChatMap *session.ChatMap
	Source  string
	// QueueOnDBFail lets the processor divert transient store failures to the retry queue.
	// Replays from the retry queue itself set it to false.
	QueueOnDBFail bool
}

type Processor interface {
	Process(ctx context.Context, req Request) error
}

type ProcessorFunc func(ctx context.Context, req Request) error

func (f ProcessorFunc) Process(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// SessionLookup resolves a session from the in-process cache. It must not block on I/O.
type SessionLookup interface {
	Get(integrationAccountID string) *session.Session
}

// TransientClassifier reports whether err is a transient store failure.
type TransientClassifier func(err error) bool

// Usable reports whether s exists and may process traffic.
func Usable(s *session.Session) bool {
	return s.Usable()
}

// NewRequest builds the request for a queued item on behalf of s.
func NewRequest(item QueuedMessage, s *session.Session, queueOnDBFail bool) Request {
	chats := s.Chats
	if chats == nil {
		chats = session.NewChatMap()
	}
	return Request{
		Message:       item.Message,
		Session:       s,
		ChatMap:       chats,
		Source:        item.SourceOrDefault(),
		QueueOnDBFail: queueOnDBFail,
	}
}

// SafeProcess runs p and converts a panic into a permanent error.
func SafeProcess(ctx context.Context, p Processor, req Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
		}
	}()
	return p.Process(ctx, req)
}
