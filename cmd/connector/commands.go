package main

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/internal/retryqueue"
	"waconnector/pkg/bootstrap"
	"waconnector/pkg/migrations"
)

type migrator struct {
	db     *sql.DB
	source string
}

func (m *migrator) up() error {
	return migrations.Up(m.db, m.source)
}

func (m *migrator) down(steps int) error {
	return migrations.Down(m.db, m.source, steps)
}

func runMigration(ctx context.Context, fn func(m *migrator) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	if ctx == nil {
		ctx = context.Background()
	}

	connector := bootstrap.NewDatabaseConnector(cfg, log)
	db, err := connector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	m := &migrator{db: db, source: migrationSource(cfg)}
	if err := fn(m); err != nil {
		return err
	}

	version, dirty, err := migrations.Version(db, m.source)
	if err != nil {
		return err
	}
	log.InfowCtx(ctx, "Schema migrated", "version", version, "dirty", dirty, "source", m.source)
	return nil
}

func migrationSource(cfg *config.Config) string {
	if cfg.Database.MigrationsPath != "" {
		return cfg.Database.MigrationsPath
	}
	return migrations.DefaultSource
}

type retryQueueSummary struct {
	Path     string
	Items    int
	Corrupt  int
	Oldest   time.Time
	Newest   time.Time
	Accounts map[string]int
}

func (s retryQueueSummary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "path:    %s\n", s.Path)
	fmt.Fprintf(&sb, "items:   %d\n", s.Items)
	fmt.Fprintf(&sb, "corrupt: %d\n", s.Corrupt)
	if s.Items == 0 {
		return sb.String()
	}
	fmt.Fprintf(&sb, "oldest:  %s\n", s.Oldest.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "newest:  %s\n", s.Newest.UTC().Format(time.RFC3339))

	accounts := make([]string, 0, len(s.Accounts))
	for id := range s.Accounts {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	sb.WriteString("accounts:\n")
	for _, id := range accounts {
		fmt.Fprintf(&sb, "  %s\t%d\n", id, s.Accounts[id])
	}
	return sb.String()
}

// inspectRetryQueue reads the durable log without touching it.
func inspectRetryQueue(path string, log logger.Logger) (retryQueueSummary, error) {
	summary := retryQueueSummary{Path: path, Accounts: make(map[string]int)}

	items, err := retryqueue.NewFileLog(path).Load(func(line int, err error) {
		summary.Corrupt++
		log.Warnw("Unreadable retry queue line", "line", line, "error", err)
	})
	if err != nil {
		return summary, err
	}

	for _, item := range items {
		summary.Items++
		summary.Accounts[item.IntegrationAccountID]++
		if summary.Oldest.IsZero() || item.QueuedAt.Before(summary.Oldest) {
			summary.Oldest = item.QueuedAt
		}
		if item.QueuedAt.After(summary.Newest) {
			summary.Newest = item.QueuedAt
		}
	}
	return summary, nil
}
