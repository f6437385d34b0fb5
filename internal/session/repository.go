package session

import (
	"context"
	"errors"
	"time"

	"waconnector/internal/logger"
	"waconnector/internal/store"
)

const (
	TableSessions            = "whatsapp_baileys_sessions"
	TableIntegrationAccounts = "integration_accounts"

	ProviderBaileys = "whatsapp_baileys"

	// ManualDisconnect marks accounts the user disconnected on purpose; they are not restored.
	ManualDisconnect = "manual_disconnect"
)

var syncCounterColumns = []string{"sync_total_chats", "sync_done_chats"}

// Account is an integration account served by this connector.
type Account struct {
	ID            string
	IntegrationID string
	WorkspaceID   string
	Provider      string
	Status        Status
	SyncLastError string
}

// Snapshot is the persisted state of a session row.
type Snapshot struct {
	Status Status
	LastQR string
	Number string
	Name   string
}

// Repository persists session state and integration account status.
type Repository struct {
	store store.Store
	log   logger.Logger
	now   func() time.Time
}

func NewRepository(s store.Store, log logger.Logger) *Repository {
	return &Repository{store: s, log: log, now: time.Now}
}

// EnsureRow creates or resets the session row of the account to the connecting state.
func (r *Repository) EnsureRow(ctx context.Context, integrationAccountID, workspaceID string) error {
	_, err := r.store.BulkUpsert(ctx, TableSessions, []store.Row{{
		"integration_account_id": integrationAccountID,
		"workspace_id":           workspaceID,
		"status":                 string(StatusConnecting),
		"last_seen_at":           r.now().UTC(),
	}}, []string{"integration_account_id"}, nil)
	return err
}

// UpdateRow updates the session row and refreshes last_seen_at.
func (r *Repository) UpdateRow(ctx context.Context, integrationAccountID string, values store.Row) error {
	row := make(store.Row, len(values)+1)
	for k, v := range values {
		row[k] = v
	}
	row["last_seen_at"] = r.now().UTC()
	_, err := r.store.Update(ctx, TableSessions, row, store.Where(store.Eq("integration_account_id", integrationAccountID)), nil)
	return err
}

func (r *Repository) UpdateIntegrationAccount(ctx context.Context, integrationAccountID string, values store.Row) error {
	if len(values) == 0 {
		return nil
	}
	_, err := r.store.Update(ctx, TableIntegrationAccounts, values, store.Where(store.Eq("id", integrationAccountID)), nil)
	return err
}

// UpdateSyncStatus writes sync progress. Chat counters go in a separate statement so a failure
// on them never loses the status fields. Both statements are attempted.
func (r *Repository) UpdateSyncStatus(ctx context.Context, integrationAccountID string, values store.Row) error {
	if len(values) == 0 {
		return nil
	}

	base := make(store.Row, len(values))
	counters := make(store.Row, 2)
	for k, v := range values {
		base[k] = v
	}
	for _, col := range syncCounterColumns {
		if v, ok := base[col]; ok {
			counters[col] = v
			delete(base, col)
		}
	}

	var errs []error
	if len(base) > 0 {
		if err := r.UpdateIntegrationAccount(ctx, integrationAccountID, base); err != nil {
			r.log.WarnwCtx(ctx, "Failed to update sync status", "integration_account_id", integrationAccountID, "error", err)
			errs = append(errs, err)
		}
	}
	if len(counters) > 0 {
		if err := r.UpdateIntegrationAccount(ctx, integrationAccountID, counters); err != nil {
			r.log.WarnwCtx(ctx, "Failed to update sync chat counters", "integration_account_id", integrationAccountID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FetchIntegrationAccount returns the account if it exists and belongs to this provider.
func (r *Repository) FetchIntegrationAccount(ctx context.Context, integrationAccountID string) (*Account, error) {
	filter := store.Where(store.Eq("id", integrationAccountID), store.Eq("provider", ProviderBaileys))
	filter.Limit = 1
	rows, err := r.store.Select(ctx, TableIntegrationAccounts, accountColumns, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	account := accountFromRow(rows[0])
	return &account, nil
}

func (r *Repository) FetchSnapshot(ctx context.Context, integrationAccountID string) (*Snapshot, error) {
	filter := store.Where(store.Eq("integration_account_id", integrationAccountID))
	filter.Limit = 1
	rows, err := r.store.Select(ctx, TableSessions, []string{"status", "last_qr", "numero", "nome"}, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &Snapshot{
		Status: Status(rows[0].String("status")),
		LastQR: rows[0].String("last_qr"),
		Number: rows[0].String("numero"),
		Name:   rows[0].String("nome"),
	}, nil
}

// ListActive returns the accounts to restore on startup, skipping manual disconnects.
func (r *Repository) ListActive(ctx context.Context) ([]Account, error) {
	rows, err := r.store.Select(ctx, TableIntegrationAccounts, accountColumns, store.Where(
		store.Eq("provider", ProviderBaileys),
		store.In("status", string(StatusConnected), string(StatusConnecting), string(StatusDisconnected)),
	))
	if err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(rows))
	for _, row := range rows {
		account := accountFromRow(row)
		if account.SyncLastError == ManualDisconnect || account.WorkspaceID == "" {
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

var accountColumns = []string{"id", "integration_id", "workspace_id", "provider", "status", "sync_last_error"}

func accountFromRow(row store.Row) Account {
	return Account{
		ID:            row.String("id"),
		IntegrationID: row.String("integration_id"),
		WorkspaceID:   row.String("workspace_id"),
		Provider:      row.String("provider"),
		Status:        Status(row.String("status")),
		SyncLastError: row.String("sync_last_error"),
	}
}

// Bootstrap loads the active accounts into the registry. Accounts whose snapshot cannot be read
// are registered with their account status.
func Bootstrap(ctx context.Context, repo *Repository, registry *Registry, log logger.Logger) (int, error) {
	accounts, err := repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	for _, account := range accounts {
		s := &Session{
			IntegrationAccountID: account.ID,
			WorkspaceID:          account.WorkspaceID,
			Status:               account.Status,
		}
		snapshot, err := repo.FetchSnapshot(ctx, account.ID)
		if err != nil {
			log.WarnwCtx(ctx, "Failed to bootstrap session", "integration_account_id", account.ID, "error", err)
		} else if snapshot != nil {
			if snapshot.Status.Valid() {
				s.Status = snapshot.Status
			}
			s.Number = snapshot.Number
			s.Name = snapshot.Name
			s.LastQR = snapshot.LastQR
		}
		registry.Put(s)
	}
	return len(accounts), nil
}
