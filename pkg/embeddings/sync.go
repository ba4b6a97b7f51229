package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chorus-labs/chorus/pkg/store"
)

// SyncWorker keeps pgvector embeddings in sync with the SQLite message
// store. It polls for un-embedded or stale messages and processes them
// in batches.
type SyncWorker struct {
	messages  *store.Store
	vectors   *Store
	tei       *TEIClient
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a new background sync worker.
func NewSyncWorker(messages *store.Store, vectors *Store, tei *TEIClient, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		messages:  messages,
		vectors:   vectors,
		tei:       tei,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Initial sync on startup (backfill)
	if embedded, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial embedding sync failed", "error", err)
	} else if embedded > 0 {
		slog.Info("initial embedding sync complete", "embedded", embedded)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			if embedded, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("embedding sync cycle failed", "error", err)
			} else if embedded > 0 {
				slog.Info("embedding sync cycle", "embedded", embedded)
			}
		}
	}
}

// SyncOnce runs a single sync cycle:
//  1. Get message row ids + content hashes from SQLite
//  2. Get embedded ids + hashes from pgvector
//  3. Find un-embedded or stale (hash mismatch) messages
//  4. Batch embed via TEI
//  5. Store in pgvector
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.messages.AllMessageRefs(0)
	if err != nil {
		return 0, fmt.Errorf("get message refs: %w", err)
	}

	embedded, err := w.vectors.GetEmbedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	var toEmbed []store.MessageRef
	for _, ref := range refs {
		existingHash, exists := embedded[ref.RowID]
		if !exists || existingHash != ref.ContentHash {
			toEmbed = append(toEmbed, ref)
		}
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("messages need embedding",
		"total", len(refs),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	totalEmbedded := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		ids := make([]int64, len(batch))
		for j, ref := range batch {
			ids[j] = ref.RowID
		}
		msgs, err := w.messages.MessagesByRowIDs(ids)
		if err != nil {
			slog.Warn("fetch batch messages failed", "error", err, "batch_start", i)
			continue
		}

		texts := make([]string, len(msgs))
		rowIDs := make([]int64, len(msgs))
		channelIDs := make([]string, len(msgs))
		hashes := make([]string, len(msgs))
		for j, m := range msgs {
			texts[j] = m.Content
			rowIDs[j] = m.RowID
			channelIDs[j] = m.ChannelID
			hashes[j] = store.ContentHash(m.Content)
		}

		vecs, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		if err := w.vectors.InsertBatch(ctx, rowIDs, channelIDs, vecs, hashes); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		totalEmbedded += len(vecs)
		slog.Debug("batch embedded",
			"batch", i/w.batchSize+1,
			"count", len(vecs),
			"total_so_far", totalEmbedded,
		)
	}

	return totalEmbedded, nil
}
