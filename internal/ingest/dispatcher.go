package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"waconnector/internal/logger"
	"waconnector/internal/processing"
	"waconnector/internal/session"
	"waconnector/internal/store"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/logging"
	"waconnector/pkg/models"
)

const (
	syncRunning = "running"
	syncDone    = "done"

	syncProgressEvery = 50
)

// StreamQueue is the optional distributed channel in front of direct processing.
type StreamQueue interface {
	Enabled() bool
	Enqueue(ctx context.Context, msg processing.QueuedMessage) bool
}

// PendingFlusher replays the retry queue when a session comes back.
type PendingFlusher interface {
	HasPending() bool
	Flush(ctx context.Context)
}

// SessionEvent is a connection state change reported by the protocol bridge.
type SessionEvent struct {
	WorkspaceID string         `json:"workspaceId"`
	Status      session.Status `json:"status,omitempty"`
	QR          string         `json:"qr,omitempty"`
	Number      string         `json:"numero,omitempty"`
	Name        string         `json:"nome,omitempty"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Blocked     *bool          `json:"blocked,omitempty"`
	Chats       []session.Chat `json:"chats,omitempty"`
	// ManualDisconnect records that the user disconnected the account on purpose.
	ManualDisconnect bool `json:"manualDisconnect,omitempty"`
}

// HistoryBatch is one history sync delivery.
type HistoryBatch struct {
	Messages []models.InboundMessage `json:"messages"`
	Chats    []session.Chat          `json:"chats,omitempty"`
}

type DispatcherDeps struct {
	Sessions   *session.Registry
	Repository *session.Repository
	Processor  processing.Processor
	Stream     StreamQueue
	RetryQueue PendingFlusher
	Logger     logger.Logger
}

// Dispatcher is the entry point for inbound protocol events.
type Dispatcher struct {
	deps        DispatcherDeps
	historyDays int
	now         func() time.Time
}

func NewDispatcher(deps DispatcherDeps, historyDays int) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	return &Dispatcher{deps: deps, historyDays: historyDays, now: time.Now}
}

// Ingest hands a realtime message to the stream when enabled, or processes it directly. A failed
// stream append falls back to direct processing.
func (d *Dispatcher) Ingest(ctx context.Context, msg processing.QueuedMessage) error {
	if !msg.Valid() {
		return apperrors.ErrMalformedPayload.WithDetail("message", "integrationAccountId and key.remoteJid are required")
	}
	s := d.deps.Sessions.Get(msg.IntegrationAccountID)
	if !s.Usable() {
		return apperrors.ErrSessionUnavailable.WithDetail("integration_account_id", msg.IntegrationAccountID)
	}

	ctx = logging.WithIntegrationAccountID(ctx, msg.IntegrationAccountID)
	if d.deps.Stream != nil && d.deps.Stream.Enabled() && d.deps.Stream.Enqueue(ctx, msg) {
		return nil
	}
	return processing.SafeProcess(ctx, d.deps.Processor, processing.NewRequest(msg, s, true))
}

// IngestHistory processes a history sync oldest first and reports progress on the integration
// account. Messages older than the history window are left out. Failures of single messages are
// logged and do not stop the sync.
func (d *Dispatcher) IngestHistory(ctx context.Context, integrationAccountID string, batch HistoryBatch) (int, error) {
	s := d.deps.Sessions.Get(integrationAccountID)
	if !s.Usable() {
		return 0, apperrors.ErrSessionUnavailable.WithDetail("integration_account_id", integrationAccountID)
	}
	ctx = logging.WithIntegrationAccountID(ctx, integrationAccountID)
	log := d.deps.Logger

	for _, c := range batch.Chats {
		if c.JID != "" {
			s.Chats.Put(c)
		}
	}

	now := d.now()
	valid := make([]models.InboundMessage, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		if m.Key.RemoteJID == "" {
			continue
		}
		if d.historyDays > 0 && m.Timestamp(now).Before(now.Add(-time.Duration(d.historyDays)*24*time.Hour)) {
			continue
		}
		valid = append(valid, m)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Timestamp(now).Before(valid[j].Timestamp(now))
	})

	chatIDs := make(map[string]struct{}, len(batch.Chats))
	for _, c := range batch.Chats {
		if c.JID != "" {
			chatIDs[c.JID] = struct{}{}
		}
	}
	total := len(valid)
	log.InfowCtx(ctx, "Received messaging history", "total_messages", len(batch.Messages), "total_chats", len(chatIDs))

	d.updateSync(ctx, integrationAccountID, store.Row{
		"sync_status":      syncRunning,
		"sync_total":       total,
		"sync_done":        0,
		"sync_total_chats": len(chatIDs),
		"sync_done_chats":  0,
		"sync_started_at":  now.UTC(),
		"sync_finished_at": nil,
		"sync_last_error":  nil,
	})

	processed := 0
	seen := make(map[string]struct{}, len(chatIDs))
	for _, m := range valid {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		chatChanged := false
		if _, known := chatIDs[m.Key.RemoteJID]; known {
			if _, ok := seen[m.Key.RemoteJID]; !ok {
				seen[m.Key.RemoteJID] = struct{}{}
				chatChanged = true
			}
		}

		req := processing.NewRequest(processing.QueuedMessage{
			IntegrationAccountID: integrationAccountID,
			Source:               models.SourceHistory,
			Message:              m,
		}, s, true)
		if err := processing.SafeProcess(ctx, d.deps.Processor, req); err != nil {
			log.ErrorwCtx(ctx, "Failed to process history message", "message_id", m.Key.ID, "error", err)
		}

		processed++
		if chatChanged || processed%syncProgressEvery == 0 || processed == total {
			d.updateSync(ctx, integrationAccountID, store.Row{
				"sync_done":       processed,
				"sync_done_chats": len(seen),
			})
		}
	}

	d.updateSync(ctx, integrationAccountID, store.Row{
		"sync_status":      syncDone,
		"sync_finished_at": d.now().UTC(),
		"sync_done_chats":  len(chatIDs),
	})
	log.InfowCtx(ctx, "Messaging history sync completed", "processed", processed, "total", total)
	return processed, nil
}

func (d *Dispatcher) updateSync(ctx context.Context, integrationAccountID string, values store.Row) {
	if d.deps.Repository == nil {
		return
	}
	// The repository logs each failed statement.
	_ = d.deps.Repository.UpdateSyncStatus(ctx, integrationAccountID, values)
}

// HandleSessionUpdate applies a connection state change to the registry and persists it. When a
// session reconnects, pending retry queue items are replayed in the background.
func (d *Dispatcher) HandleSessionUpdate(ctx context.Context, integrationAccountID string, ev SessionEvent) (*session.Session, error) {
	if ev.Status != "" && !ev.Status.Valid() {
		return nil, apperrors.ErrValidation.WithDetail("message", fmt.Sprintf("unknown status %q", ev.Status))
	}
	ctx = logging.WithIntegrationAccountID(ctx, integrationAccountID)

	isNew := d.deps.Sessions.Get(integrationAccountID) == nil
	if isNew && ev.WorkspaceID == "" {
		return nil, apperrors.ErrValidation.WithDetail("message", "workspaceId is required for a new session")
	}

	status := ev.Status
	if status == "" && ev.QR != "" {
		status = session.StatusConnecting
	}

	s := d.deps.Sessions.Update(integrationAccountID, func(s *session.Session) {
		if ev.WorkspaceID != "" {
			s.WorkspaceID = ev.WorkspaceID
		}
		if status != "" {
			s.Status = status
		}
		if ev.Blocked != nil {
			s.Blocked = *ev.Blocked
		}
		switch status {
		case session.StatusConnecting:
			if ev.QR != "" {
				s.LastQR = ev.QR
			}
		case session.StatusConnected:
			s.LastQR = ""
			if ev.Number != "" {
				s.Number = models.NormalizeJID(ev.Number)
			}
			if ev.Name != "" {
				s.Name = ev.Name
			}
			if ev.AvatarURL != "" {
				s.SelfAvatarURL = ev.AvatarURL
			}
		}
	})
	for _, c := range ev.Chats {
		if c.JID != "" {
			s.Chats.Put(c)
		}
	}

	err := d.persistSession(ctx, s, ev, status, isNew)

	if status == session.StatusConnected && d.deps.RetryQueue != nil && d.deps.RetryQueue.HasPending() {
		go d.deps.RetryQueue.Flush(context.WithoutCancel(ctx))
	}
	return s, err
}

func (d *Dispatcher) persistSession(ctx context.Context, s *session.Session, ev SessionEvent, status session.Status, isNew bool) error {
	repo := d.deps.Repository
	if repo == nil {
		return nil
	}

	var errs []error
	if isNew {
		errs = append(errs, repo.EnsureRow(ctx, s.IntegrationAccountID, s.WorkspaceID))
	}

	switch status {
	case session.StatusConnecting:
		row := store.Row{"status": string(status)}
		if ev.QR != "" {
			row["last_qr"] = ev.QR
		}
		errs = append(errs,
			repo.UpdateRow(ctx, s.IntegrationAccountID, row),
			repo.UpdateIntegrationAccount(ctx, s.IntegrationAccountID, store.Row{"status": string(status)}),
		)
	case session.StatusConnected:
		account := store.Row{
			"status":          string(status),
			"connected_at":    d.now().UTC(),
			"numero":          nullable(s.Number),
			"sync_last_error": nil,
		}
		if s.Name != "" {
			account["nome"] = s.Name
		}
		if ev.AvatarURL != "" {
			account["avatar_url"] = ev.AvatarURL
		}
		errs = append(errs,
			repo.UpdateRow(ctx, s.IntegrationAccountID, store.Row{
				"status":  string(status),
				"last_qr": nil,
				"numero":  nullable(s.Number),
				"nome":    nullable(s.Name),
			}),
			repo.UpdateIntegrationAccount(ctx, s.IntegrationAccountID, account),
		)
	case session.StatusDisconnected:
		account := store.Row{"status": string(status)}
		if ev.ManualDisconnect {
			account["sync_last_error"] = session.ManualDisconnect
		}
		errs = append(errs,
			repo.UpdateRow(ctx, s.IntegrationAccountID, store.Row{"status": string(status)}),
			repo.UpdateIntegrationAccount(ctx, s.IntegrationAccountID, account),
		)
	}

	err := errors.Join(errs...)
	if err != nil {
		d.deps.Logger.WarnwCtx(ctx, "Failed to persist session state", "status", status, "error", err)
	}
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
