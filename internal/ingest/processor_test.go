package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waconnector/internal/persistence"
	"waconnector/internal/realtime"
	"waconnector/internal/session"
	"waconnector/pkg/cel"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/models"
)

const contactJID = "5511999@s.whatsapp.net"

func textMessage(id string, at time.Time) models.InboundMessage {
	return models.NewInboundMessageBuilder().
		WithKey(contactJID, id, false).
		WithText("oi").
		WithPushName("Ana").
		WithTimestamp(at).
		Build()
}

func TestProcessor_RealtimeMessage(t *testing.T) {
	h := newHarness()
	defer h.close()

	err := h.processor.Process(context.Background(), h.request(textMessage("m1", testNow.Add(-time.Minute)), models.SourceRealtime, true))
	require.NoError(t, err)
	h.emitter.Wait()

	leads := h.store.rows(persistence.TableLeads)
	require.Len(t, leads, 1)
	assert.Equal(t, "5511999", leads[0]["whatsapp_wa_id"])
	assert.Equal(t, "5511999", leads[0]["telefone"])
	assert.Equal(t, "Ana", leads[0]["nome"])

	convs := h.store.rows(persistence.TableConversations)
	require.Len(t, convs, 1)
	assert.Equal(t, leads[0]["id"], convs[0]["lead_id"])
	assert.Equal(t, "oi", convs[0]["ultima_mensagem"])
	assert.Equal(t, "aberta", convs[0]["status"])

	msgs := h.store.rows(persistence.TableMessages)
	require.Len(t, msgs, 1)
	assert.Equal(t, persistence.AuthorContact, msgs[0]["autor"])
	assert.Equal(t, convs[0]["id"], msgs[0]["conversation_id"])
	assert.Nil(t, msgs[0]["sender_id"])

	convID := convs[0]["id"].(string)
	assert.ElementsMatch(t, []string{
		"message:created@private-conversation-" + convID,
		"conversation:updated@private-workspace-w1",
	}, h.pub.names())

	for _, ev := range h.pub.events {
		if ev.event != realtime.EventMessageCreated {
			continue
		}
		body, err := json.Marshal(ev.payload)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"id":"`+msgs[0]["id"].(string)+`"`)
		assert.Contains(t, string(body), `"autor":"contato"`)
	}
	assert.Empty(t, h.queue.queued)
}

func TestProcessor_FromMeUsesSessionIdentity(t *testing.T) {
	h := newHarness()
	defer h.close()

	msg := models.NewInboundMessageBuilder().
		WithKey(contactJID, "m1", true).
		WithText("bom dia").
		WithPushName("Atendente").
		WithTimestamp(testNow).
		Build()
	require.NoError(t, h.processor.Process(context.Background(), h.request(msg, models.SourceRealtime, true)))

	row := h.store.rows(persistence.TableMessages)[0]
	assert.Equal(t, persistence.AuthorTeam, row["autor"])
	assert.Equal(t, "5511000@s.whatsapp.net", row["sender_id"])
	assert.Equal(t, "Loja", row["sender_nome"])
	assert.Equal(t, "https://cdn/self.png", row["sender_avatar_url"])

	lead := h.store.rows(persistence.TableLeads)[0]
	assert.NotContains(t, lead, "nome", "push name of our own message is not the contact name")
}

func TestProcessor_GroupParticipantAndQuote(t *testing.T) {
	h := newHarness()
	defer h.close()

	msg := models.NewInboundMessageBuilder().
		WithKey("120363@g.us", "m1", false).
		WithParticipant("5511777@s.whatsapp.net").
		WithPushName("Bruno").
		WithText("concordo").
		WithTimestamp(testNow).
		WithQuoted(models.QuotedMessage{MessageID: "q1", SenderID: "5511000:4@s.whatsapp.net", Type: "texto", Text: "promo"}).
		Build()
	msg.ChatName = "Clientes VIP"
	require.NoError(t, h.processor.Process(context.Background(), h.request(msg, models.SourceRealtime, true)))

	lead := h.store.rows(persistence.TableLeads)[0]
	assert.Equal(t, "120363", lead["whatsapp_wa_id"])
	assert.Nil(t, lead["telefone"])
	assert.Equal(t, "Clientes VIP", lead["nome"])

	row := h.store.rows(persistence.TableMessages)[0]
	assert.Equal(t, "5511777@s.whatsapp.net", row["sender_id"])
	assert.Equal(t, "Bruno", row["sender_nome"])
	assert.Equal(t, "q1", row["quoted_message_id"])
	assert.Equal(t, persistence.AuthorTeam, row["quoted_autor"])
	assert.Equal(t, "Loja", row["quoted_sender_nome"])

	chat, ok := h.session.Chats.Get("120363@g.us")
	assert.True(t, ok)
	assert.Equal(t, "Clientes VIP", chat.Name)
}

func TestProcessor_Skips(t *testing.T) {
	blocked := &session.Session{IntegrationAccountID: "acc-1", WorkspaceID: "w1", Status: session.StatusConnected, Blocked: true}
	disconnected := &session.Session{IntegrationAccountID: "acc-1", WorkspaceID: "w1", Status: session.StatusDisconnected}

	tests := []struct {
		name    string
		msg     models.InboundMessage
		source  string
		session *session.Session
	}{
		{"missing remote jid", models.InboundMessage{Key: models.MessageKey{ID: "m1"}}, models.SourceRealtime, nil},
		{"status broadcast", models.NewInboundMessageBuilder().WithKey("status@broadcast", "m1", false).Build(), models.SourceRealtime, nil},
		{"blocked session", textMessage("m1", testNow), models.SourceRealtime, blocked},
		{"disconnected session", textMessage("m1", testNow), models.SourceRealtime, disconnected},
		{"history beyond window", textMessage("m1", testNow.AddDate(0, 0, -15)), models.SourceHistory, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			defer h.close()
			req := h.request(tt.msg, tt.source, true)
			if tt.session != nil {
				req.Session = tt.session
			}

			require.NoError(t, h.processor.Process(context.Background(), req))
			assert.Empty(t, h.store.callLog())
			assert.Empty(t, h.queue.queued)
		})
	}
}

func TestProcessor_FilterExpression(t *testing.T) {
	h := newHarness()
	defer h.close()
	filter, err := cel.NewFilter(`!is_group`)
	require.NoError(t, err)
	h.processor.deps.Filter = filter

	group := models.NewInboundMessageBuilder().WithKey("120363@g.us", "m1", false).WithText("x").Build()
	require.NoError(t, h.processor.Process(context.Background(), h.request(group, models.SourceRealtime, true)))
	assert.Empty(t, h.store.callLog())

	require.NoError(t, h.processor.Process(context.Background(), h.request(textMessage("m2", testNow), models.SourceRealtime, true)))
	assert.Len(t, h.store.rows(persistence.TableMessages), 1)
}

func TestProcessor_CooldownShortCircuitsToRetryQueue(t *testing.T) {
	h := newHarness()
	defer h.close()
	h.queue.unavailable = true

	require.NoError(t, h.processor.Process(context.Background(), h.request(textMessage("m1", testNow), models.SourceRealtime, true)))

	assert.Empty(t, h.store.callLog())
	require.Len(t, h.queue.queued, 1)
	assert.Equal(t, "acc-1", h.queue.queued[0].IntegrationAccountID)
	assert.Equal(t, models.SourceRealtime, h.queue.queued[0].Source)
	assert.Equal(t, "m1", h.queue.queued[0].Message.Key.ID)
}

func TestProcessor_ReplayIgnoresCooldown(t *testing.T) {
	h := newHarness()
	defer h.close()
	h.queue.unavailable = true

	require.NoError(t, h.processor.Process(context.Background(), h.request(textMessage("m1", testNow), models.SourceHistory, false)))

	assert.Empty(t, h.queue.queued)
	assert.Len(t, h.store.rows(persistence.TableMessages), 1)
}

func TestProcessor_TransientFailureIsQueued(t *testing.T) {
	h := newHarness()
	defer h.close()
	h.store.errOn["upsert:"+persistence.TableMessages] = errStoreDown

	err := h.processor.Process(context.Background(), h.request(textMessage("m1", testNow), models.SourceRealtime, true))
	require.NoError(t, err)

	assert.Equal(t, 1, h.queue.marked)
	require.Len(t, h.queue.queued, 1)
	assert.Equal(t, "m1", h.queue.queued[0].Message.Key.ID)
}

func TestProcessor_TransientFailureDuringReplayPropagates(t *testing.T) {
	h := newHarness()
	defer h.close()
	h.store.errOn["upsert:"+persistence.TableLeads] = errStoreDown

	err := h.processor.Process(context.Background(), h.request(textMessage("m1", testNow), models.SourceRealtime, false))
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Empty(t, h.queue.queued)
	assert.Zero(t, h.queue.marked)
}

func TestProcessor_TransientFailureWithDisabledQueuePropagates(t *testing.T) {
	h := newHarness()
	defer h.close()
	h.queue.disabled = true
	h.store.errOn["select:"+persistence.TableConversations] = errStoreDown

	err := h.processor.Process(context.Background(), h.request(textMessage("m1", testNow), models.SourceRealtime, true))
	assert.ErrorIs(t, err, errStoreDown)
}

func TestProcessor_PermanentFailurePropagates(t *testing.T) {
	h := newHarness()
	defer h.close()
	permanent := apperrors.ErrStoreFailure.WithCause(errors.New("violates check constraint"))
	h.store.errOn["upsert:"+persistence.TableMessages] = permanent

	err := h.processor.Process(context.Background(), h.request(textMessage("m1", testNow), models.SourceRealtime, true))
	require.Error(t, err)
	assert.Empty(t, h.queue.queued)
	assert.Zero(t, h.queue.marked)
}

func TestProcessor_StoresMediaAttachment(t *testing.T) {
	h := newHarness()
	defer h.close()

	msg := models.NewInboundMessageBuilder().
		WithKey(contactJID, "m1", false).
		WithTimestamp(testNow).
		WithMedia(models.Media{Type: "document", Mimetype: "application/pdf", FileName: "Boleto.pdf", Data: []byte("%PDF-1.4")}).
		Build()
	require.NoError(t, h.processor.Process(context.Background(), h.request(msg, models.SourceRealtime, true)))
	h.emitter.Wait()

	require.Len(t, h.sink.uploads, 1)
	assert.Equal(t, "Boleto.pdf", h.sink.uploads[0].FileName)

	atts := h.store.rows(persistence.TableAttachments)
	require.Len(t, atts, 1)
	assert.Equal(t, persistence.AttachmentPDF, atts[0]["tipo"])
	assert.Equal(t, int64(8), atts[0]["tamanho_bytes"])
	assert.Equal(t, h.store.rows(persistence.TableMessages)[0]["id"], atts[0]["message_id"])

	convID := h.store.rows(persistence.TableConversations)[0]["id"].(string)
	names := h.pub.names()
	assert.Len(t, names, 3)
	assert.Contains(t, names, realtime.EventAttachmentCreated+"@private-conversation-"+convID)
}

func TestProcessor_ExistingAttachmentIsNotUploadedAgain(t *testing.T) {
	h := newHarness()
	defer h.close()

	msg := models.NewInboundMessageBuilder().
		WithKey(contactJID, "m1", false).
		WithTimestamp(testNow).
		WithMedia(models.Media{Type: "image", Mimetype: "image/jpeg", Data: []byte{1, 2, 3}}).
		Build()
	require.NoError(t, h.processor.Process(context.Background(), h.request(msg, models.SourceRealtime, true)))
	require.NoError(t, h.processor.Process(context.Background(), h.request(msg, models.SourceRealtime, true)))

	assert.Len(t, h.sink.uploads, 1)
	assert.Len(t, h.store.rows(persistence.TableAttachments), 1)
	assert.Len(t, h.store.rows(persistence.TableMessages), 1)
}

func TestProcessor_ViewOnceMediaIsNotStored(t *testing.T) {
	h := newHarness()
	defer h.close()

	msg := models.NewInboundMessageBuilder().
		WithKey(contactJID, "m1", false).
		WithTimestamp(testNow).
		WithMedia(models.Media{Type: "image", Data: []byte{1}, ViewOnce: true}).
		Build()
	require.NoError(t, h.processor.Process(context.Background(), h.request(msg, models.SourceRealtime, true)))

	assert.Empty(t, h.sink.uploads)
	assert.Empty(t, h.store.rows(persistence.TableAttachments))
}

func TestProcessor_OldHistoryEmitsOnlyForNewConversation(t *testing.T) {
	h := newHarness()
	defer h.close()
	ctx := context.Background()

	require.NoError(t, h.processor.Process(ctx, h.request(textMessage("m1", testNow.Add(-time.Hour)), models.SourceHistory, true)))
	h.emitter.Wait()
	assert.Equal(t, []string{"conversation:updated@private-workspace-w1"}, h.pub.names())

	require.NoError(t, h.processor.Process(ctx, h.request(textMessage("m2", testNow.Add(-30*time.Minute)), models.SourceHistory, true)))
	h.emitter.Wait()
	assert.Len(t, h.pub.names(), 1, "existing conversation gets no event for old history")
	assert.Len(t, h.store.rows(persistence.TableConversations), 1)
}

func TestProcessor_PreservesAgentAuthorship(t *testing.T) {
	h := newHarness()
	defer h.close()
	h.store.seed(persistence.TableMessages, map[string]interface{}{
		"workspace_id":        "w1",
		"whatsapp_message_id": "m1",
		"autor":               persistence.AuthorAgent,
	})

	msg := models.NewInboundMessageBuilder().WithKey(contactJID, "m1", true).WithText("enviado pelo agente").WithTimestamp(testNow).Build()
	require.NoError(t, h.processor.Process(context.Background(), h.request(msg, models.SourceRealtime, true)))

	rows := h.store.rows(persistence.TableMessages)
	require.Len(t, rows, 1)
	assert.Equal(t, persistence.AuthorAgent, rows[0]["autor"])
	assert.Equal(t, "enviado pelo agente", rows[0]["conteudo"])

	h.emitter.Wait()
	assert.Equal(t, []string{"conversation:updated@private-workspace-w1"}, h.pub.names())
	assert.Empty(t, h.agents.notified())
}

func TestProcessor_ReplayedMessageIsNotAnnouncedAgain(t *testing.T) {
	h := newHarness()
	defer h.close()
	ctx := context.Background()
	msg := textMessage("m1", testNow.Add(-time.Minute))

	require.NoError(t, h.processor.Process(ctx, h.request(msg, models.SourceRealtime, true)))
	h.emitter.Wait()
	require.NoError(t, h.processor.Process(ctx, h.request(msg, models.SourceRealtime, false)))
	h.emitter.Wait()

	created := 0
	for _, name := range h.pub.names() {
		if strings.HasPrefix(name, realtime.EventMessageCreated+"@") {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, h.pub.names(), 3, "conversation:updated is still sent for the replay")
	assert.Len(t, h.store.rows(persistence.TableMessages), 1)
}

func TestProcessor_NotifiesAgentsOfRecentContactMessages(t *testing.T) {
	fromMe := models.NewInboundMessageBuilder().WithKey(contactJID, "m1", true).WithText("oi").WithTimestamp(testNow).Build()
	group := models.NewInboundMessageBuilder().
		WithKey("120363@g.us", "m1", false).
		WithParticipant("5511777@s.whatsapp.net").
		WithText("oi").
		WithTimestamp(testNow).
		Build()

	tests := []struct {
		name    string
		msg     models.InboundMessage
		source  string
		notify  bool
		isGroup bool
	}{
		{"realtime contact", textMessage("m1", testNow.Add(-time.Hour)), models.SourceRealtime, true, false},
		{"recent history contact", textMessage("m1", testNow.Add(-time.Minute)), models.SourceHistory, true, false},
		{"old history contact", textMessage("m1", testNow.Add(-time.Hour)), models.SourceHistory, false, false},
		{"own message", fromMe, models.SourceRealtime, false, false},
		{"group participant", group, models.SourceRealtime, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			defer h.close()

			require.NoError(t, h.processor.Process(context.Background(), h.request(tt.msg, tt.source, true)))

			notes := h.agents.notified()
			if !tt.notify {
				assert.Empty(t, notes)
				return
			}
			require.Len(t, notes, 1)
			msgRow := h.store.rows(persistence.TableMessages)[0]
			assert.Equal(t, "w1", notes[0].WorkspaceID)
			assert.Equal(t, "acc-1", notes[0].IntegrationAccountID)
			assert.Equal(t, msgRow["conversation_id"], notes[0].ConversationID)
			require.NotNil(t, notes[0].MessageRowID)
			assert.Equal(t, msgRow["id"], *notes[0].MessageRowID)
			assert.Equal(t, "m1", *notes[0].MessageExternalID)
			assert.Equal(t, "oi", *notes[0].Text)
			assert.Equal(t, tt.isGroup, notes[0].IsGroup)
		})
	}
}
