package embeddings

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"

	"github.com/molt-labs/molt/pkg/store"
)

// SyncWorker keeps pgvector embeddings in sync with the SQLite episode
// log. It polls for un-embedded or stale episodes, embeds them in
// batches, and prunes vectors for episodes deleted by consolidation.
type SyncWorker struct {
	episodes  *store.Store
	vectors   *Store
	tei       *TEIClient
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a background sync worker.
func NewSyncWorker(episodes *store.Store, vectors *Store, tei *TEIClient, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		episodes:  episodes,
		vectors:   vectors,
		tei:       tei,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started", "interval", w.interval, "batch_size", w.batchSize)

	// Backfill on startup.
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

// SyncOnce runs a single sync cycle: diff the episode log against the
// vector table, embed what is new or changed, drop what is gone.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.episodes.EpisodeRefs()
	if err != nil {
		return 0, fmt.Errorf("episode refs: %w", err)
	}

	embedded, err := w.vectors.GetEmbedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	alive := make(map[int64]bool, len(refs))
	var toEmbed []store.EpisodeRef
	for _, ref := range refs {
		alive[ref.ID] = true
		if existingHash, ok := embedded[ref.ID]; !ok || existingHash != ContentHash(ref.Content) {
			toEmbed = append(toEmbed, ref)
		}
	}

	// Prune vectors for compressed-away episodes.
	var stale []int64
	for id := range embedded {
		if !alive[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := w.vectors.DeleteMany(ctx, stale); err != nil {
			slog.Warn("prune stale embeddings failed", "count", len(stale), "error", err)
		} else {
			slog.Debug("pruned stale embeddings", "count", len(stale))
		}
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("episodes need embedding",
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

		texts := make([]string, len(batch))
		ids := make([]int64, len(batch))
		hashes := make([]string, len(batch))
		for j, ref := range batch {
			texts[j] = ref.Content
			ids[j] = ref.ID
			hashes[j] = ContentHash(ref.Content)
		}

		vecs, err := w.tei.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}

		if err := w.vectors.InsertBatch(ctx, ids, vecs, hashes); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		totalEmbedded += len(vecs)
	}

	return totalEmbedded, nil
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
