package persistence

import (
	"context"

	"waconnector/internal/store"
)

var (
	messageConflict  = []string{"workspace_id", "whatsapp_message_id"}
	messageReturning = []string{"id", "workspace_id", "whatsapp_message_id"}

	leadConflict  = []string{"workspace_id", "whatsapp_wa_id"}
	leadReturning = []string{"id", "workspace_id", "whatsapp_wa_id"}

	attachmentReturning = []string{"id", "workspace_id", "message_id", "storage_path"}
)

// MessagePolicy upserts messages on (workspace_id, whatsapp_message_id). Rows already authored by
// an agent keep that authorship.
type MessagePolicy struct {
	store store.Store
}

func NewMessagePolicy(s store.Store) *MessagePolicy {
	return &MessagePolicy{store: s}
}

func (p *MessagePolicy) Key(m MessageRecord) (string, bool) {
	return m.key()
}

// BeforeWrite looks up stored rows with one query per distinct workspace. Keys found are
// reported as existing.
func (p *MessagePolicy) BeforeWrite(ctx context.Context, items []MessageRecord) ([]MessageRecord, map[string]bool, error) {
	byWorkspace := make(map[string][]interface{})
	order := make([]string, 0)
	for _, m := range items {
		if _, ok := byWorkspace[m.WorkspaceID]; !ok {
			order = append(order, m.WorkspaceID)
		}
		byWorkspace[m.WorkspaceID] = append(byWorkspace[m.WorkspaceID], m.WhatsAppMessageID)
	}

	existing := make(map[string]bool)
	agent := make(map[string]bool)
	for _, workspaceID := range order {
		rows, err := p.store.Select(ctx, TableMessages, []string{"whatsapp_message_id", "autor"},
			store.Where(store.Eq("workspace_id", workspaceID), store.In("whatsapp_message_id", byWorkspace[workspaceID]...)))
		if err != nil {
			return nil, nil, err
		}
		for _, row := range rows {
			key := workspaceID + ":" + row.String("whatsapp_message_id")
			existing[key] = true
			if row.String("autor") == AuthorAgent {
				agent[key] = true
			}
		}
	}

	for i := range items {
		if key, _ := items[i].key(); agent[key] {
			items[i].Author = AuthorAgent
		}
	}
	return items, existing, nil
}

func (p *MessagePolicy) Write(ctx context.Context, items []MessageRecord) (map[string]string, error) {
	rows := make([]store.Row, len(items))
	for i, m := range items {
		rows[i] = m.row()
	}
	result, err := p.store.BulkUpsert(ctx, TableMessages, rows, messageConflict, messageReturning)
	if err != nil {
		return nil, err
	}
	return idsByKey(result, "workspace_id", "whatsapp_message_id"), nil
}

// LeadPolicy upserts leads on (workspace_id, whatsapp_wa_id).
type LeadPolicy struct {
	store store.Store
}

func NewLeadPolicy(s store.Store) *LeadPolicy {
	return &LeadPolicy{store: s}
}

func (p *LeadPolicy) Key(l LeadRecord) (string, bool) {
	return l.key()
}

func (p *LeadPolicy) Write(ctx context.Context, items []LeadRecord) (map[string]string, error) {
	rows := make([]store.Row, len(items))
	for i, l := range items {
		rows[i] = l.row()
	}
	result, err := p.store.BulkUpsert(ctx, TableLeads, rows, leadConflict, leadReturning)
	if err != nil {
		return nil, err
	}
	return idsByKey(result, "workspace_id", "whatsapp_wa_id"), nil
}

// AttachmentPolicy inserts attachments. Duplicates across batches are the caller's concern.
type AttachmentPolicy struct {
	store store.Store
}

func NewAttachmentPolicy(s store.Store) *AttachmentPolicy {
	return &AttachmentPolicy{store: s}
}

func (p *AttachmentPolicy) Key(a AttachmentRecord) (string, bool) {
	return a.key()
}

func (p *AttachmentPolicy) Write(ctx context.Context, items []AttachmentRecord) (map[string]string, error) {
	rows := make([]store.Row, len(items))
	for i, a := range items {
		rows[i] = a.row()
	}
	result, err := p.store.BulkInsert(ctx, TableAttachments, rows, attachmentReturning)
	if err != nil {
		return nil, err
	}
	return idsByKey(result, "workspace_id", "message_id", "storage_path"), nil
}

func idsByKey(rows []store.Row, keyColumns ...string) map[string]string {
	ids := make(map[string]string, len(rows))
	for _, row := range rows {
		key := ""
		for i, col := range keyColumns {
			if i > 0 {
				key += ":"
			}
			key += row.String(col)
		}
		ids[key] = row.String("id")
	}
	return ids
}
