package persistence

import (
	"context"
	"fmt"
	"time"

	"waconnector/internal/store"
	apperrors "waconnector/pkg/errors"
)

// ConversationUpdate is the write applied to the lead's latest WhatsApp conversation.
type ConversationUpdate struct {
	WorkspaceID          string
	LeadID               string
	IntegrationAccountID string
	LastMessage          string
	LastAt               time.Time
}

func (c ConversationUpdate) row() store.Row {
	return store.Row{
		"workspace_id":           c.WorkspaceID,
		"lead_id":                c.LeadID,
		"integration_account_id": nullable(c.IntegrationAccountID),
		"canal":                  ChannelWhatsApp,
		"status":                 ConversationOpen,
		"ultima_mensagem":        nullable(c.LastMessage),
		"ultima_mensagem_em":     c.LastAt.UTC(),
	}
}

// Repository holds the single-row reads and writes of the ingest path that are not batched.
type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// UpsertConversation updates the lead's most recent WhatsApp conversation or opens a new one.
func (r *Repository) UpsertConversation(ctx context.Context, c ConversationUpdate) (id string, isNew bool, err error) {
	filter := store.Where(
		store.Eq("workspace_id", c.WorkspaceID),
		store.Eq("lead_id", c.LeadID),
		store.Eq("canal", ChannelWhatsApp),
	)
	filter.OrderBy = "ultima_mensagem_em"
	filter.Descending = true
	filter.Limit = 1

	existing, err := r.store.Select(ctx, TableConversations, []string{"id"}, filter)
	if err != nil {
		return "", false, err
	}

	if len(existing) > 0 {
		existingID := existing[0].String("id")
		rows, err := r.store.Update(ctx, TableConversations, c.row(), store.Where(store.Eq("id", existingID)), []string{"id"})
		if err != nil {
			return "", false, err
		}
		if len(rows) == 0 || rows[0].String("id") == "" {
			return "", false, apperrors.ErrStoreFailure.WithCause(fmt.Errorf("conversation %s was not updated", existingID))
		}
		return rows[0].String("id"), false, nil
	}

	rows, err := r.store.BulkInsert(ctx, TableConversations, []store.Row{c.row()}, []string{"id"})
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 || rows[0].String("id") == "" {
		return "", false, apperrors.ErrStoreFailure.WithCause(fmt.Errorf("conversation for lead %s was not inserted", c.LeadID))
	}
	return rows[0].String("id"), true, nil
}

// HasAttachment reports whether any attachment is already stored for the message row.
func (r *Repository) HasAttachment(ctx context.Context, messageID string) (bool, error) {
	filter := store.Where(store.Eq("message_id", messageID))
	filter.Limit = 1
	rows, err := r.store.Select(ctx, TableAttachments, []string{"id"}, filter)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
