package persistence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/internal/store"
)

func newMockStore(t *testing.T) (store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewPostgres(db, time.Second), mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestMessagePolicy_PreservesAgentAuthorship(t *testing.T) {
	s, mock := newMockStore(t)
	policy := NewMessagePolicy(s)

	mock.ExpectQuery(q(`SELECT "whatsapp_message_id", "autor" FROM "messages" WHERE "workspace_id" = $1 AND "whatsapp_message_id" IN ($2, $3)`)).
		WithArgs("w1", "m1", "m2").
		WillReturnRows(sqlmock.NewRows([]string{"whatsapp_message_id", "autor"}).
			AddRow("m1", "agente").
			AddRow("m2", "contato"))
	mock.ExpectQuery(q(`SELECT "whatsapp_message_id", "autor" FROM "messages" WHERE "workspace_id" = $1 AND "whatsapp_message_id" IN ($2)`)).
		WithArgs("w2", "m1").
		WillReturnRows(sqlmock.NewRows([]string{"whatsapp_message_id", "autor"}))

	items, existing, err := policy.BeforeWrite(context.Background(), []MessageRecord{
		{WorkspaceID: "w1", WhatsAppMessageID: "m1", Author: AuthorContact},
		{WorkspaceID: "w1", WhatsAppMessageID: "m2", Author: AuthorTeam},
		{WorkspaceID: "w2", WhatsAppMessageID: "m1", Author: AuthorContact},
	})
	require.NoError(t, err)

	assert.Equal(t, AuthorAgent, items[0].Author)
	assert.Equal(t, AuthorTeam, items[1].Author)
	assert.Equal(t, AuthorContact, items[2].Author, "agent rows of another workspace must not leak")
	assert.Equal(t, map[string]bool{"w1:m1": true, "w1:m2": true}, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageBatcher_DuplicateResolvesToSameID(t *testing.T) {
	s, mock := newMockStore(t)
	cfg := config.BatchingConfig{
		Messages:    config.BatchConfig{BatchSize: 10, FlushInterval: 20 * time.Millisecond},
		Leads:       config.BatchConfig{BatchSize: 10, FlushInterval: time.Hour},
		Attachments: config.BatchConfig{BatchSize: 10, FlushInterval: time.Hour},
	}
	batchers := NewBatchers(s, cfg, logger.NopLogger())

	mock.ExpectQuery(q(`SELECT "whatsapp_message_id", "autor" FROM "messages"`)).
		WithArgs("w1", "m1").
		WillReturnRows(sqlmock.NewRows([]string{"whatsapp_message_id", "autor"}))
	mock.ExpectQuery(q(`INSERT INTO "messages"`) + `.*` + q(`ON CONFLICT ("workspace_id", "whatsapp_message_id")`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "whatsapp_message_id"}).AddRow("row-1", "w1", "m1"))

	record := MessageRecord{WorkspaceID: "w1", WhatsAppMessageID: "m1", Author: AuthorContact, Type: "texto", Content: "oi"}
	p1 := batchers.Messages.Submit(record)
	p2 := batchers.Messages.Submit(record)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id1, err := p1.Wait(ctx)
	require.NoError(t, err)
	id2, err := p2.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "row-1", id1)
	assert.Equal(t, id1, id2)

	out, err := p1.Outcome(ctx)
	require.NoError(t, err)
	assert.False(t, out.Existing)
	require.NoError(t, batchers.Close(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadPolicy_Write(t *testing.T) {
	s, mock := newMockStore(t)
	policy := NewLeadPolicy(s)

	mock.ExpectQuery(q(`INSERT INTO "leads" ("canal_origem", "nome", "status", "telefone", "whatsapp_wa_id", "workspace_id") VALUES ($1, $2, $3, $4, $5, $6) `+
		`ON CONFLICT ("workspace_id", "whatsapp_wa_id") DO UPDATE SET "canal_origem" = EXCLUDED."canal_origem", "nome" = EXCLUDED."nome", `+
		`"status" = EXCLUDED."status", "telefone" = EXCLUDED."telefone" RETURNING "id", "workspace_id", "whatsapp_wa_id"`)).
		WithArgs("whatsapp", "Ana", "novo", "5511999", "5511999", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "whatsapp_wa_id"}).AddRow("lead-1", "w1", "5511999"))

	ids, err := policy.Write(context.Background(), []LeadRecord{
		{WorkspaceID: "w1", WhatsAppWaID: "5511999", Phone: "5511999", Name: "  Ana "},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"w1:5511999": "lead-1"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeadRecord_SparseProfileColumns(t *testing.T) {
	row := LeadRecord{WorkspaceID: "w1", WhatsAppWaID: "55", Name: "   "}.row()
	assert.NotContains(t, row, "nome")
	assert.NotContains(t, row, "avatar_url")
	assert.Nil(t, row["telefone"])
	assert.Equal(t, LeadStatusNew, row["status"])
}

func TestAttachmentPolicy_Write(t *testing.T) {
	s, mock := newMockStore(t)
	policy := NewAttachmentPolicy(s)

	mock.ExpectQuery(q(`INSERT INTO "attachments" ("message_id", "storage_path", "tamanho_bytes", "tipo", "workspace_id") VALUES ($1, $2, $3, $4, $5) `+
		`RETURNING "id", "workspace_id", "message_id", "storage_path"`)).
		WithArgs("msg-1", "w1/c1/a.png", int64(42), "imagem", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "workspace_id", "message_id", "storage_path"}).
			AddRow("att-1", "w1", "msg-1", "w1/c1/a.png"))

	ids, err := policy.Write(context.Background(), []AttachmentRecord{
		{WorkspaceID: "w1", MessageID: "msg-1", StoragePath: "w1/c1/a.png", Type: AttachmentImage, SizeBytes: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, "att-1", ids["w1:msg-1:w1/c1/a.png"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyKeys(t *testing.T) {
	_, ok := NewMessagePolicy(nil).Key(MessageRecord{WorkspaceID: "w1"})
	assert.False(t, ok)

	key, ok := NewLeadPolicy(nil).Key(LeadRecord{WorkspaceID: "w1", WhatsAppWaID: "55"})
	assert.True(t, ok)
	assert.Equal(t, "w1:55", key)

	_, ok = NewAttachmentPolicy(nil).Key(AttachmentRecord{WorkspaceID: "w1", MessageID: "m"})
	assert.False(t, ok)
}

func TestRepository_UpsertConversation(t *testing.T) {
	s, mock := newMockStore(t)
	repo := NewRepository(s)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	update := ConversationUpdate{WorkspaceID: "w1", LeadID: "l1", IntegrationAccountID: "acc", LastMessage: "oi", LastAt: at}

	selectSQL := q(`SELECT "id" FROM "conversations" WHERE "workspace_id" = $1 AND "lead_id" = $2 AND "canal" = $3 ORDER BY "ultima_mensagem_em" DESC LIMIT 1`)

	mock.ExpectQuery(selectSQL).WithArgs("w1", "l1", "whatsapp").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))
	mock.ExpectQuery(q(`UPDATE "conversations" SET`) + `.*` + q(`WHERE "id" = $8 RETURNING "id"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-1"))

	id, isNew, err := repo.UpsertConversation(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)
	assert.False(t, isNew)

	mock.ExpectQuery(selectSQL).WithArgs("w1", "l1", "whatsapp").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q(`INSERT INTO "conversations"`) + `.*` + q(`RETURNING "id"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("conv-2"))

	id, isNew, err = repo.UpsertConversation(context.Background(), update)
	require.NoError(t, err)
	assert.Equal(t, "conv-2", id)
	assert.True(t, isNew)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_HasAttachment(t *testing.T) {
	s, mock := newMockStore(t)
	repo := NewRepository(s)

	mock.ExpectQuery(q(`SELECT "id" FROM "attachments" WHERE "message_id" = $1 LIMIT 1`)).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("att-1"))

	found, err := repo.HasAttachment(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachmentType(t *testing.T) {
	tests := map[string]string{
		"audio":    AttachmentAudio,
		"document": AttachmentPDF,
		"video":    AttachmentVideo,
		"sticker":  AttachmentSticker,
		"image":    AttachmentImage,
		"":         AttachmentImage,
	}
	for in, want := range tests {
		assert.Equal(t, want, AttachmentType(in), in)
	}
}
