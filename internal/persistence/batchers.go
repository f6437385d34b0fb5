package persistence

import (
	"context"
	"errors"

	"waconnector/internal/batcher"
	"waconnector/internal/config"
	"waconnector/internal/logger"
	"waconnector/internal/store"
)

// Batchers are the three write batchers of the ingest path.
type Batchers struct {
	Messages    *batcher.Batcher[MessageRecord]
	Leads       *batcher.Batcher[LeadRecord]
	Attachments *batcher.Batcher[AttachmentRecord]
}

func NewBatchers(s store.Store, cfg config.BatchingConfig, log logger.Logger) *Batchers {
	return &Batchers{
		Messages:    batcher.New[MessageRecord]("messages", NewMessagePolicy(s), batcherConfig(cfg.Messages), log),
		Leads:       batcher.New[LeadRecord]("leads", NewLeadPolicy(s), batcherConfig(cfg.Leads), log),
		Attachments: batcher.New[AttachmentRecord]("attachments", NewAttachmentPolicy(s), batcherConfig(cfg.Attachments), log),
	}
}

func batcherConfig(c config.BatchConfig) batcher.Config {
	return batcher.Config{
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		FlushTimeout:  c.FlushTimeout,
	}
}

// Depths returns the queued item count per batcher.
func (b *Batchers) Depths() map[string]int {
	return map[string]int{
		b.Messages.Name():    b.Messages.Len(),
		b.Leads.Name():       b.Leads.Len(),
		b.Attachments.Name(): b.Attachments.Len(),
	}
}

// Close drains all batchers.
func (b *Batchers) Close(ctx context.Context) error {
	return errors.Join(
		b.Messages.Close(ctx),
		b.Leads.Close(ctx),
		b.Attachments.Close(ctx),
	)
}
