package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"waconnector/internal/agents"
	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/internal/media"
	"waconnector/internal/persistence"
	"waconnector/internal/processing"
	"waconnector/internal/realtime"
	"waconnector/internal/session"
	"waconnector/internal/store"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/models"
)

// memStore is an in-memory store.Store. Upserts merge on the conflict columns and every new row
// gets an id of the form "<table>-<n>".
type memStore struct {
	mu     sync.Mutex
	tables map[string][]store.Row
	calls  []string
	seq    int
	err    error
	errOn  map[string]error
}

func newMemStore() *memStore {
	return &memStore{tables: map[string][]store.Row{}, errOn: map[string]error{}}
}

func (m *memStore) fail(op, table string) error {
	m.calls = append(m.calls, op+":"+table)
	if err := m.errOn[op+":"+table]; err != nil {
		return err
	}
	return m.err
}

func (m *memStore) insertLocked(table string, row store.Row) store.Row {
	m.seq++
	stored := store.Row{"id": fmt.Sprintf("%s-%d", table, m.seq)}
	for k, v := range row {
		stored[k] = v
	}
	m.tables[table] = append(m.tables[table], stored)
	return stored
}

func (m *memStore) BulkInsert(ctx context.Context, table string, rows []store.Row, returning []string) ([]store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("insert", table); err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, project(m.insertLocked(table, r), returning))
	}
	return out, nil
}

func (m *memStore) BulkUpsert(ctx context.Context, table string, rows []store.Row, conflict []string, returning []string) ([]store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("upsert", table); err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		var target store.Row
		for _, existing := range m.tables[table] {
			if sameKey(existing, r, conflict) {
				target = existing
				break
			}
		}
		if target == nil {
			target = m.insertLocked(table, r)
		} else {
			for k, v := range r {
				target[k] = v
			}
		}
		out = append(out, project(target, returning))
	}
	return out, nil
}

func (m *memStore) Select(ctx context.Context, table string, columns []string, filter store.Filter) ([]store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("select", table); err != nil {
		return nil, err
	}
	var out []store.Row
	for _, r := range m.tables[table] {
		if matches(r, filter) {
			out = append(out, project(r, columns))
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) Update(ctx context.Context, table string, values store.Row, filter store.Filter, returning []string) ([]store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("update", table); err != nil {
		return nil, err
	}
	var out []store.Row
	for _, r := range m.tables[table] {
		if matches(r, filter) {
			for k, v := range values {
				r[k] = v
			}
			out = append(out, project(r, returning))
		}
	}
	return out, nil
}

func (m *memStore) rows(table string) []store.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Row(nil), m.tables[table]...)
}

func (m *memStore) seed(table string, row store.Row) store.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(table, row)
}

func (m *memStore) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func sameKey(a, b store.Row, cols []string) bool {
	for _, c := range cols {
		if a.String(c) != b.String(c) {
			return false
		}
	}
	return true
}

func matches(r store.Row, filter store.Filter) bool {
	for _, cond := range filter.Where {
		found := false
		for _, v := range cond.Values {
			if r.String(cond.Column) == fmt.Sprint(v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func project(r store.Row, columns []string) store.Row {
	out := store.Row{}
	for _, c := range columns {
		out[c] = r[c]
	}
	return out
}

type published struct {
	channel string
	event   string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{channel: channel, event: event, payload: payload})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.event + "@" + e.channel
	}
	return out
}

type fakeRetryQueue struct {
	mu          sync.Mutex
	unavailable bool
	marked      int
	queued      []processing.QueuedMessage
	disabled    bool
	flushed     chan struct{}
}

func (q *fakeRetryQueue) Enqueue(ctx context.Context, msg processing.QueuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disabled {
		return false
	}
	q.queued = append(q.queued, msg)
	return true
}

func (q *fakeRetryQueue) IsDBUnavailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unavailable
}

func (q *fakeRetryQueue) MarkDBUnavailable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.marked++
	q.unavailable = true
}

func (q *fakeRetryQueue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) > 0
}

func (q *fakeRetryQueue) Flush(ctx context.Context) {
	if q.flushed != nil {
		close(q.flushed)
	}
}

type fakeAgents struct {
	mu    sync.Mutex
	notes []agents.Notification
}

func (a *fakeAgents) Notify(ctx context.Context, n agents.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notes = append(a.notes, n)
}

func (a *fakeAgents) notified() []agents.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agents.Notification(nil), a.notes...)
}

type fakeSink struct {
	mu      sync.Mutex
	uploads []media.Upload
	err     error
}

func (s *fakeSink) Upload(ctx context.Context, u media.Upload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.uploads = append(s.uploads, u)
	return fmt.Sprintf("%s/%s/upload-%d-%s", u.WorkspaceID, u.ConversationID, len(s.uploads), strings.ToLower(u.FileName)), nil
}

var (
	testNow      = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	errStoreDown = apperrors.ErrStoreUnavailable.WithCause(fmt.Errorf("connection refused"))
)

type harness struct {
	store     *memStore
	batchers  *persistence.Batchers
	pub       *recordingPublisher
	emitter   *realtime.Emitter
	queue     *fakeRetryQueue
	sink      *fakeSink
	agents    *fakeAgents
	processor *Processor
	session   *session.Session
}

func newHarness() *harness {
	h := &harness{
		store:  newMemStore(),
		pub:    &recordingPublisher{},
		queue:  &fakeRetryQueue{},
		sink:   &fakeSink{},
		agents: &fakeAgents{},
	}
	batch := config.BatchConfig{BatchSize: 1, FlushInterval: time.Millisecond}
	h.batchers = persistence.NewBatchers(h.store, config.BatchingConfig{Messages: batch, Leads: batch, Attachments: batch}, logger.NopLogger())
	h.emitter = realtime.NewEmitter(h.pub, "private-", logger.NopLogger())
	h.processor = NewProcessor(Deps{
		Batchers:      h.batchers,
		Conversations: persistence.NewRepository(h.store),
		RetryQueue:    h.queue,
		Media:         h.sink,
		Emitter:       h.emitter,
		Agents:        h.agents,
		IsTransient:   store.IsTransientError,
	}, 14)
	h.processor.now = func() time.Time { return testNow }
	h.session = &session.Session{
		IntegrationAccountID: "acc-1",
		WorkspaceID:          "w1",
		Status:               session.StatusConnected,
		Number:               "5511000@s.whatsapp.net",
		Name:                 "Loja",
		SelfAvatarURL:        "https://cdn/self.png",
		Chats:                session.NewChatMap(),
	}
	return h
}

func (h *harness) request(msg models.InboundMessage, source string, queueOnDBFail bool) processing.Request {
	return processing.NewRequest(processing.QueuedMessage{
		IntegrationAccountID: h.session.IntegrationAccountID,
		Source:               source,
		Message:              msg,
	}, h.session, queueOnDBFail)
}

func (h *harness) close() {
	h.emitter.Wait()
	_ = h.batchers.Close(context.Background())
}
