package retryqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/internal/processing"
	"waconnector/pkg/logging"
	"waconnector/pkg/metrics"
	"waconnector/pkg/tracing"
)

// Deps are the collaborators a Queue replays through.
type Deps struct {
	Processor   processing.Processor
	Sessions    processing.SessionLookup
	IsTransient processing.TransientClassifier
	Logger      logger.Logger
}

// Status is a point-in-time view for operators.
type Status struct {
	Enabled       bool      `json:"enabled"`
	Depth         int       `json:"depth"`
	Flushing      bool      `json:"flushing"`
	DBUnavailable bool      `json:"db_unavailable"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Path          string    `json:"path"`
}

// Queue is a durable FIFO of messages whose processing failed on a transient store error.
// Items are replayed in order once the store is reachable again.
type Queue struct {
	cfg  config.RetryQueueConfig
	deps Deps
	file *FileLog
	now  func() time.Time

	mu                 sync.Mutex
	items              []Item
	flushing           bool
	dbUnavailableUntil time.Time

	runMu sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func New(cfg config.RetryQueueConfig, deps Deps) *Queue {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	return &Queue{
		cfg:  cfg,
		deps: deps,
		file: NewFileLog(cfg.Path),
		now:  time.Now,
	}
}

func (q *Queue) Enabled() bool {
	return q.cfg.Enabled
}

// Enqueue appends msg to the queue and to the durable log. When the queue is full the oldest
// item is evicted. It returns false only when the queue is disabled.
func (q *Queue) Enqueue(ctx context.Context, msg processing.QueuedMessage) bool {
	if !q.cfg.Enabled {
		return false
	}

	item := Item{
		ID:                   uuid.NewString(),
		IntegrationAccountID: msg.IntegrationAccountID,
		Source:               msg.Source,
		Message:              msg.Message,
		QueuedAt:             q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if len(q.items) >= q.cfg.MaxSize {
		evicted := q.items[0]
		q.items = append([]Item(nil), q.items[1:]...)
		dropped = true
		metrics.IncRetryQueueEvent("evicted")
		q.deps.Logger.WarnwCtx(ctx, "Retry queue full, dropping oldest message",
			"max", q.cfg.MaxSize,
			"dropped_id", evicted.ID,
			"integration_account_id", evicted.IntegrationAccountID,
		)
	}
	q.items = append(q.items, item)
	metrics.IncRetryQueueEvent("enqueued")
	metrics.SetRetryQueueDepth(len(q.items))

	var err error
	if dropped {
		err = q.file.Rewrite(q.items)
	} else {
		err = q.file.Append(item)
	}
	if err != nil {
		q.deps.Logger.WarnwCtx(ctx, "Failed to persist retry queue", "error", err)
	}
	return true
}

// MarkDBUnavailable starts the cooldown window.
func (q *Queue) MarkDBUnavailable() {
	if !q.cfg.Enabled {
		return
	}
	q.mu.Lock()
	q.dbUnavailableUntil = q.now().Add(q.cfg.Cooldown)
	q.mu.Unlock()
	metrics.IncRetryQueueCooldown()
}

// IsDBUnavailable reports whether the cooldown window is open.
func (q *Queue) IsDBUnavailable() bool {
	if !q.cfg.Enabled {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now().Before(q.dbUnavailableUntil)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) HasPending() bool {
	return q.Len() > 0
}

// Snapshot returns a copy of the queued items in order.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		Enabled:  q.cfg.Enabled,
		Depth:    len(q.items),
		Flushing: q.flushing,
		Path:     q.cfg.Path,
	}
	if q.cfg.Enabled && q.now().Before(q.dbUnavailableUntil) {
		st.DBUnavailable = true
		st.CooldownUntil = q.dbUnavailableUntil
	}
	return st
}

// LoadFromDisk restores the queue from the durable log. Corrupt lines are skipped with a
// warning and the log is compacted to the valid items. A backlog larger than MaxSize keeps the
// newest items.
func (q *Queue) LoadFromDisk(ctx context.Context) error {
	if !q.cfg.Enabled {
		return nil
	}

	corrupt := 0
	loaded, err := q.file.Load(func(line int, err error) {
		corrupt++
		q.deps.Logger.WarnwCtx(ctx, "Failed to read retry queue item", "line", line, "error", err)
	})
	if err != nil {
		q.deps.Logger.WarnwCtx(ctx, "Failed to load retry queue", "path", q.cfg.Path, "error", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(loaded, q.items...)
	trimmed := 0
	if over := len(q.items) - q.cfg.MaxSize; over > 0 {
		q.items = append([]Item(nil), q.items[over:]...)
		trimmed = over
		q.deps.Logger.WarnwCtx(ctx, "Retry queue backlog exceeds max size, dropping oldest", "dropped", over, "max", q.cfg.MaxSize)
	}
	if trimmed > 0 || corrupt > 0 {
		if err := q.file.Rewrite(q.items); err != nil {
			q.deps.Logger.WarnwCtx(ctx, "Failed to persist retry queue", "error", err)
		}
	}
	metrics.SetRetryQueueDepth(len(q.items))

	if len(q.items) > 0 {
		q.deps.Logger.InfowCtx(ctx, "Retry queue loaded from disk", "total", len(q.items), "trimmed", trimmed)
	}
	return err
}

// Flush replays queued items from the head. It is a no-op while another flush runs, while the
// cooldown window is open or when the queue is empty. Replay stops at the first item whose
// session is not usable, and at the first transient store error, which opens the cooldown.
// Items failing with any other error are dropped.
func (q *Queue) Flush(ctx context.Context) {
	if !q.cfg.Enabled {
		return
	}

	q.mu.Lock()
	if q.flushing || len(q.items) == 0 || q.now().Before(q.dbUnavailableUntil) {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	depth := len(q.items)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "retryqueue.flush", attribute.Int("queue.depth", depth))
	defer span.End()

	removed := 0
	for ctx.Err() == nil {
		item, ok := q.head()
		if !ok {
			break
		}

		s := q.deps.Sessions.Get(item.IntegrationAccountID)
		if !processing.Usable(s) {
			metrics.IncRetryQueueEvent("halted")
			q.deps.Logger.DebugwCtx(ctx, "Retry queue halted on unavailable session", "integration_account_id", item.IntegrationAccountID)
			break
		}

		itemCtx := logging.WithIntegrationAccountID(ctx, item.IntegrationAccountID)
		err := processing.SafeProcess(itemCtx, q.deps.Processor, processing.NewRequest(item.queued(), s, false))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if q.deps.IsTransient != nil && q.deps.IsTransient(err) {
				q.MarkDBUnavailable()
				metrics.IncRetryQueueEvent("transient_failure")
				q.deps.Logger.WarnwCtx(itemCtx, "Store unavailable, pausing retry queue", "cooldown", q.cfg.Cooldown, "error", err)
				tracing.RecordError(span, err)
				break
			}
			metrics.IncRetryQueueEvent("dropped")
			q.deps.Logger.ErrorwCtx(itemCtx, "Failed to replay queued message", "item_id", item.ID, "error", err)
		} else {
			metrics.IncRetryQueueEvent("replayed")
		}

		q.removeHead(item.ID)
		removed++
	}

	if removed > 0 {
		q.mu.Lock()
		if err := q.file.Rewrite(q.items); err != nil {
			q.deps.Logger.WarnwCtx(ctx, "Failed to persist retry queue", "error", err)
		}
		metrics.SetRetryQueueDepth(len(q.items))
		q.mu.Unlock()
	}
	span.SetAttributes(attribute.Int("queue.removed", removed))
}

func (q *Queue) head() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// removeHead drops the head if it is still the replayed item; an overflow eviction may have
// removed it while it was being processed.
func (q *Queue) removeHead(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.items[0].ID == id {
		q.items = append([]Item(nil), q.items[1:]...)
	}
}

// Start runs Flush every FlushInterval until ctx is done or Stop is called. Calling it again
// while running is a no-op.
func (q *Queue) Start(ctx context.Context) {
	if !q.cfg.Enabled || q.cfg.FlushInterval <= 0 {
		return
	}

	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.stop != nil {
		return
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(q.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				q.Flush(ctx)
			}
		}
	}(q.stop, q.done)
}

// Stop ends the flush loop and waits for a running flush to return.
func (q *Queue) Stop() {
	q.runMu.Lock()
	stop, done := q.stop, q.done
	q.stop, q.done = nil, nil
	q.runMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
