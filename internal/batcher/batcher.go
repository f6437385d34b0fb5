package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"waconnector/internal/logger"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/metrics"
	"waconnector/pkg/tracing"
)

var ErrClosed = errors.New("batcher is closed")

// Policy supplies the entity specific parts of a batcher: the dedup key of a payload
// and the single bulk store call for a deduplicated slice.
type Policy[P any] interface {
	// Key returns the composite natural key of p. ok is false when required key fields are missing.
	Key(p P) (key string, ok bool)
	// Write persists items in one store call and returns the generated id per key.
	Write(ctx context.Context, items []P) (map[string]string, error)
}

// PreWriter is implemented by policies that rewrite payloads before the store call. It returns
// the payloads in the same order along with the keys of rows that are already stored.
type PreWriter[P any] interface {
	BeforeWrite(ctx context.Context, items []P) (rewritten []P, existing map[string]bool, err error)
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

type entry[P any] struct {
	payload P
	pending *Pending[P]
}

// Batcher coalesces single-row writes into bounded bulk writes. A flush is started by a debounce
// timer armed on the first enqueue after a flush, or immediately once BatchSize items are queued.
type Batcher[P any] struct {
	name   string
	policy Policy[P]
	cfg    Config
	log    logger.Logger

	mu       sync.Mutex
	queue    []entry[P]
	timer    *time.Timer
	flushing bool
	idle     chan struct{}
	closed   bool

	wg sync.WaitGroup
}

func New[P any](name string, policy Policy[P], cfg Config, log logger.Logger) *Batcher[P] {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Batcher[P]{
		name:   name,
		policy: policy,
		cfg:    cfg,
		log:    log.With("batcher", name),
	}
}

func (b *Batcher[P]) Name() string {
	return b.name
}

// Submit queues p and returns its completion handle. It never blocks on the store.
func (b *Batcher[P]) Submit(p P) *Pending[P] {
	pending := newPending[P]()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		pending.settle(Outcome[P]{Stored: p}, ErrClosed)
		return pending
	}

	b.queue = append(b.queue, entry[P]{payload: p, pending: pending})
	depth := len(b.queue)

	if depth >= b.cfg.BatchSize {
		b.stopTimerLocked()
		b.mu.Unlock()
		b.goFlush()
	} else {
		if b.timer == nil {
			b.timer = time.AfterFunc(b.cfg.FlushInterval, b.onTimer)
		}
		b.mu.Unlock()
	}

	metrics.SetBatchQueueDepth(b.name, depth)
	return pending
}

// Enqueue queues p and waits for its batch to settle. The returned id is "" when the payload
// was malformed or its row was not returned by the store.
func (b *Batcher[P]) Enqueue(ctx context.Context, p P) (string, error) {
	return b.Submit(p).Wait(ctx)
}

// Len returns the number of queued items that are not yet in flight.
func (b *Batcher[P]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Batcher[P]) onTimer() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	b.Flush(context.Background())
}

func (b *Batcher[P]) goFlush() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Flush(context.Background())
	}()
}

func (b *Batcher[P]) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Flush writes up to BatchSize items from the head of the queue. It is a no-op while another
// flush is running or when the queue is empty.
func (b *Batcher[P]) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.flushing || len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	b.idle = make(chan struct{})

	n := len(b.queue)
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	batch := make([]entry[P], n)
	copy(batch, b.queue[:n])
	b.queue = append([]entry[P](nil), b.queue[n:]...)
	if len(b.queue) == 0 {
		b.stopTimerLocked()
	}
	remaining := len(b.queue)
	b.mu.Unlock()

	metrics.SetBatchQueueDepth(b.name, remaining)

	defer func() {
		b.mu.Lock()
		b.flushing = false
		close(b.idle)
		more := len(b.queue) > 0
		b.mu.Unlock()
		if more {
			b.goFlush()
		}
	}()

	b.process(ctx, batch)
}

func (b *Batcher[P]) process(ctx context.Context, batch []entry[P]) {
	start := time.Now()

	keys := make([]string, len(batch))
	valid := make([]bool, len(batch))
	position := make(map[string]int, len(batch))
	payloads := make([]P, 0, len(batch))

	for i, e := range batch {
		key, ok := b.policy.Key(e.payload)
		if !ok {
			e.pending.settle(Outcome[P]{Stored: e.payload}, nil)
			continue
		}
		keys[i] = key
		valid[i] = true
		if idx, seen := position[key]; seen {
			payloads[idx] = e.payload
			continue
		}
		position[key] = len(payloads)
		payloads = append(payloads, e.payload)
	}

	if len(payloads) == 0 {
		return
	}

	if b.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FlushTimeout)
		defer cancel()
	}

	ctx, span := tracing.StartSpan(ctx, "batcher.flush",
		attribute.String("batcher", b.name),
		attribute.Int("batch.items", len(batch)),
		attribute.Int("batch.rows", len(payloads)),
	)
	defer span.End()

	ids, written, existing, err := b.write(ctx, payloads)
	tracing.RecordError(span, err)

	if err != nil {
		metrics.ObserveBatchFlush(b.name, len(payloads), time.Since(start), "error")
		b.log.WarnwCtx(ctx, "batch write failed", "rows", len(payloads), "items", len(batch), "error", err)
		for i, e := range batch {
			if valid[i] {
				e.pending.settle(Outcome[P]{Stored: e.payload}, err)
			}
		}
		return
	}

	metrics.ObserveBatchFlush(b.name, len(payloads), time.Since(start), "success")
	for i, e := range batch {
		if !valid[i] {
			continue
		}
		stored := e.payload
		if idx := position[keys[i]]; idx < len(written) {
			stored = written[idx]
		}
		e.pending.settle(Outcome[P]{ID: ids[keys[i]], Existing: existing[keys[i]], Stored: stored}, nil)
	}
}

func (b *Batcher[P]) write(ctx context.Context, payloads []P) (ids map[string]string, written []P, existing map[string]bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.RecoverPanic(r)
		}
	}()

	if pw, ok := b.policy.(PreWriter[P]); ok {
		payloads, existing, err = pw.BeforeWrite(ctx, payloads)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	ids, err = b.policy.Write(ctx, payloads)
	return ids, payloads, existing, err
}

// Close stops accepting work and drains the queue, waiting for in-flight flushes.
func (b *Batcher[P]) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if !b.flushing && len(b.queue) == 0 {
			b.mu.Unlock()
			break
		}
		if b.flushing {
			idle := b.idle
			b.mu.Unlock()
			select {
			case <-idle:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		b.mu.Unlock()
		b.Flush(ctx)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
