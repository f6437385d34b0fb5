//go:build integration

package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgresmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"waconnector/internal/persistence"
	"waconnector/internal/store"
	"waconnector/pkg/migrations"
)

const (
	workspaceID = "5b0c6a3e-8f57-4a39-9d0e-6f1a2b3c4d5e"
	accountID   = "7d2e4f60-1a2b-4c3d-8e9f-0a1b2c3d4e5f"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	container, err := postgresmodule.Run(ctx, "postgres:15",
		postgresmodule.WithDatabase("test_db"),
		postgresmodule.WithUsername("test_user"),
		postgresmodule.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", conn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(pingCtx))

	wd, err := os.Getwd()
	require.NoError(t, err)
	source := fmt.Sprintf("file://%s", filepath.Join(wd, "..", "..", "migrations", "postgres"))
	require.NoError(t, migrations.Up(db, source))

	version, dirty, err := migrations.Version(db, source)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 2, version)

	return db
}

func TestPostgresIngestRoundTrip(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	s := store.NewPostgres(db, 5*time.Second)

	leads, err := persistence.NewLeadPolicy(s).Write(ctx, []persistence.LeadRecord{
		{WorkspaceID: workspaceID, WhatsAppWaID: "5511999@s.whatsapp.net", Phone: "5511999", Name: "Ana"},
	})
	require.NoError(t, err)
	leadID := leads[workspaceID+":5511999@s.whatsapp.net"]
	require.NotEmpty(t, leadID)

	// A later message without a push name keeps the stored one.
	again, err := persistence.NewLeadPolicy(s).Write(ctx, []persistence.LeadRecord{
		{WorkspaceID: workspaceID, WhatsAppWaID: "5511999@s.whatsapp.net", Phone: "5511999"},
	})
	require.NoError(t, err)
	assert.Equal(t, leadID, again[workspaceID+":5511999@s.whatsapp.net"])

	rows, err := s.Select(ctx, persistence.TableLeads, []string{"nome"}, store.Where(store.Eq("id", leadID)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ana", rows[0].String("nome"))

	repo := persistence.NewRepository(s)
	convID, isNew, err := repo.UpsertConversation(ctx, persistence.ConversationUpdate{
		WorkspaceID:          workspaceID,
		LeadID:               leadID,
		IntegrationAccountID: accountID,
		LastMessage:          "oi",
		LastAt:               time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, isNew)

	sameID, isNew, err := repo.UpsertConversation(ctx, persistence.ConversationUpdate{
		WorkspaceID: workspaceID,
		LeadID:      leadID,
		LastMessage: "tudo bem?",
		LastAt:      time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, convID, sameID)

	policy := persistence.NewMessagePolicy(s)
	ids, err := policy.Write(ctx, []persistence.MessageRecord{{
		WorkspaceID:       workspaceID,
		ConversationID:    convID,
		WhatsAppMessageID: "ABC",
		Author:            persistence.AuthorAgent,
		Type:              "texto",
		Content:           "oi",
		CreatedAt:         time.Now(),
	}})
	require.NoError(t, err)
	messageID := ids[workspaceID+":ABC"]
	require.NotEmpty(t, messageID)

	// The replayed copy arrives as a contact message; the stored agent authorship wins.
	records, existing, err := policy.BeforeWrite(ctx, []persistence.MessageRecord{{
		WorkspaceID:       workspaceID,
		ConversationID:    convID,
		WhatsAppMessageID: "ABC",
		Author:            persistence.AuthorContact,
		Type:              "texto",
		Content:           "oi",
	}})
	require.NoError(t, err)
	assert.True(t, existing[workspaceID+":ABC"])
	ids, err = policy.Write(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, messageID, ids[workspaceID+":ABC"])

	rows, err = s.Select(ctx, persistence.TableMessages, []string{"autor", "interno"},
		store.Where(store.Eq("workspace_id", workspaceID), store.In("whatsapp_message_id", "ABC", "missing")))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, persistence.AuthorAgent, rows[0].String("autor"))
	assert.Equal(t, false, rows[0]["interno"])

	has, err := repo.HasAttachment(ctx, messageID)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = persistence.NewAttachmentPolicy(s).Write(ctx, []persistence.AttachmentRecord{{
		WorkspaceID: workspaceID,
		MessageID:   messageID,
		StoragePath: workspaceID + "/" + convID + "/foto.jpg",
		Type:        persistence.AttachmentImage,
		SizeBytes:   1024,
	}})
	require.NoError(t, err)

	has, err = repo.HasAttachment(ctx, messageID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPostgresConstraintViolationIsPermanent(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	s := store.NewPostgres(db, 5*time.Second)

	_, err := s.BulkInsert(ctx, persistence.TableMessages, []store.Row{{
		"workspace_id":        workspaceID,
		"whatsapp_message_id": "X1",
		"autor":               "desconhecido",
		"tipo":                "texto",
	}}, []string{"id"})
	require.Error(t, err)
	assert.False(t, store.IsTransientError(err))
}
