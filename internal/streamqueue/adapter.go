package streamqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/internal/processing"
	"waconnector/internal/session"
	"waconnector/pkg/logging"
	"waconnector/pkg/metrics"
	"waconnector/pkg/retry"
	"waconnector/pkg/tracing"
)

const (
	fieldPayload  = "payload"
	fieldQueuedAt = "queued_at"

	ackTimeout = 5 * time.Second
)

// ProcessedHook runs after an entry was processed successfully and acknowledged.
type ProcessedHook func(ctx context.Context, msg processing.QueuedMessage, s *session.Session)

type Deps struct {
	Processor   processing.Processor
	Sessions    processing.SessionLookup
	Logger      logger.Logger
	OnProcessed ProcessedHook
}

// Adapter moves inbound messages through a Redis stream consumed by a consumer group, so several
// connector processes can share the load. Entries are acknowledged after their processing attempt.
type Adapter struct {
	client redis.UniversalClient
	cfg    config.StreamQueueConfig
	deps   Deps

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastReclaim time.Time
}

func New(client redis.UniversalClient, cfg config.StreamQueueConfig, deps Deps) *Adapter {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Adapter{client: client, cfg: cfg, deps: deps}
}

func (a *Adapter) Enabled() bool {
	return a != nil && a.cfg.Enabled && a.client != nil
}

// Enqueue appends msg to the stream, trimming it to roughly MaxLen entries. It returns false
// when the append failed; the caller then processes the message directly.
func (a *Adapter) Enqueue(ctx context.Context, msg processing.QueuedMessage) bool {
	if !a.Enabled() {
		return false
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		metrics.IncStreamEnqueue("error")
		a.deps.Logger.WarnwCtx(ctx, "Failed to encode stream message", "error", err)
		return false
	}

	values := map[string]interface{}{
		fieldPayload:  string(payload),
		fieldQueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range tracing.InjectMap(ctx) {
		values[k] = v
	}

	args := &redis.XAddArgs{
		Stream: a.cfg.StreamKey,
		Values: values,
	}
	if a.cfg.MaxLen > 0 {
		args.MaxLen = a.cfg.MaxLen
		args.Approx = true
	}

	if err := a.client.XAdd(ctx, args).Err(); err != nil {
		metrics.IncStreamEnqueue("error")
		a.deps.Logger.WarnwCtx(ctx, "Failed to enqueue stream message", "stream", a.cfg.StreamKey, "error", err)
		return false
	}
	metrics.IncStreamEnqueue("success")
	return true
}

// EnsureGroup creates the consumer group, and the stream with it. An existing group is not an error.
func (a *Adapter) EnsureGroup(ctx context.Context) error {
	err := a.client.XGroupCreateMkStream(ctx, a.cfg.StreamKey, a.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Start launches the consume loop. Calling it while the loop runs is a no-op.
func (a *Adapter) Start(ctx context.Context) {
	if !a.Enabled() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func(done chan<- struct{}) {
		defer close(done)
		a.consume(loopCtx)
	}(a.done)
}

// Stop ends the consume loop after its current read and closes the client.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.client == nil {
		return nil
	}
	if err := a.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		a.deps.Logger.Warnw("Redis quit failed", "error", err)
		return err
	}
	return nil
}

func (a *Adapter) consume(ctx context.Context) {
	log := a.deps.Logger.With("stream", a.cfg.StreamKey, "group", a.cfg.ConsumerGroup, "consumer", a.cfg.ConsumerName)

	policy := a.retryPolicy()
	policy.MaxElapsedTime = 0
	for {
		err := retry.Do(ctx, policy, func() error {
			return a.EnsureGroup(ctx)
		}, func(attempt int, err error, next time.Duration) {
			log.Warnw("Failed to create consumer group", "attempt", attempt, "retry_in", next, "error", err)
		})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Errorw("Consumer group still unavailable", "error", err)
		if !sleep(ctx, policy.MaxInterval) {
			return
		}
	}

	log.Infow("Stream consumer started")
	a.reclaim(ctx)

	readBackoff := policy.PollBackoff()
	for ctx.Err() == nil {
		streams, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    a.cfg.ConsumerGroup,
			Consumer: a.cfg.ConsumerName,
			Streams:  []string{a.cfg.StreamKey, ">"},
			Count:    a.cfg.BatchSize,
			Block:    a.cfg.Block,
		}).Result()

		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				break
			}
			metrics.IncStreamReadError()
			log.Warnw("Redis queue read failed", "error", err)
			if strings.Contains(err.Error(), "NOGROUP") {
				if gerr := a.EnsureGroup(ctx); gerr != nil {
					log.Warnw("Failed to recreate consumer group", "error", gerr)
				}
			}
			if !sleep(ctx, readBackoff.NextBackOff()) {
				break
			}
			continue
		}
		readBackoff.Reset()

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				a.processEntry(ctx, msg)
			}
		}

		if a.cfg.ClaimMinIdle > 0 && time.Since(a.lastReclaim) >= a.cfg.ClaimMinIdle {
			a.reclaim(ctx)
		}
	}
	log.Infow("Stream consumer stopped")
}

// reclaim takes over entries that another consumer received but never acknowledged for at least
// ClaimMinIdle, for example because it crashed mid-processing.
func (a *Adapter) reclaim(ctx context.Context) {
	a.lastReclaim = time.Now()
	if a.cfg.ClaimMinIdle <= 0 {
		return
	}

	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := a.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   a.cfg.StreamKey,
			Group:    a.cfg.ConsumerGroup,
			Consumer: a.cfg.ConsumerName,
			MinIdle:  a.cfg.ClaimMinIdle,
			Start:    start,
			Count:    a.cfg.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				a.deps.Logger.Warnw("Failed to reclaim pending stream entries", "error", err)
			}
			return
		}

		metrics.AddStreamReclaimed(len(msgs))
		for _, msg := range msgs {
			a.processEntry(ctx, msg)
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (a *Adapter) processEntry(ctx context.Context, msg redis.XMessage) {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}

	raw := fields[fieldPayload]
	if raw == "" {
		metrics.IncStreamEntry("invalid")
		a.ack(ctx, msg.ID)
		return
	}

	var payload processing.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		metrics.IncStreamEntry("invalid")
		a.deps.Logger.WarnwCtx(ctx, "Invalid redis payload", "entry_id", msg.ID, "error", err)
		a.ack(ctx, msg.ID)
		return
	}

	s := a.deps.Sessions.Get(payload.IntegrationAccountID)
	if !processing.Usable(s) {
		metrics.IncStreamEntry("skipped")
		a.ack(ctx, msg.ID)
		return
	}

	entryCtx := tracing.ExtractMap(ctx, fields)
	entryCtx = logging.WithIntegrationAccountID(entryCtx, payload.IntegrationAccountID)
	entryCtx, span := tracing.StartSpan(entryCtx, "streamqueue.process",
		attribute.String("stream.entry_id", msg.ID),
		attribute.String("integration_account_id", payload.IntegrationAccountID),
	)
	defer span.End()

	start := time.Now()
	err := processing.SafeProcess(entryCtx, a.deps.Processor, processing.NewRequest(payload, s, true))
	metrics.ObserveStreamProcessing(time.Since(start))

	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown; leave the entry pending so it is reclaimed.
		tracing.RecordError(span, err)
		return
	}
	if err != nil {
		tracing.RecordError(span, err)
		metrics.IncStreamEntry("failed")
		a.deps.Logger.ErrorwCtx(entryCtx, "Failed to process redis message", "entry_id", msg.ID, "error", err)
		a.ack(ctx, msg.ID)
		return
	}

	metrics.IncStreamEntry("processed")
	if !a.ack(ctx, msg.ID) {
		return
	}
	if a.deps.OnProcessed != nil {
		a.deps.OnProcessed(entryCtx, payload, s)
	}
}

func (a *Adapter) ack(ctx context.Context, id string) bool {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := a.client.XAck(ackCtx, a.cfg.StreamKey, a.cfg.ConsumerGroup, id).Err(); err != nil {
		a.deps.Logger.WarnwCtx(ctx, "Failed to ack stream entry", "entry_id", id, "error", err)
		return false
	}
	return true
}

func (a *Adapter) retryPolicy() retry.Policy {
	rc := a.cfg.Retry
	return retry.StreamPolicy().Override(retry.Policy{
		MaxAttempts:     rc.MaxAttempts,
		InitialInterval: rc.InitialInterval,
		MaxInterval:     rc.MaxInterval,
		Multiplier:      rc.Multiplier,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
