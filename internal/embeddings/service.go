package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/memorycore/p8/internal/encryption"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
)

// Store is the persistence seam the embeddings service needs.
type Store interface {
	ClaimEmbeddingBatch(ctx context.Context, batchSize int) ([]types.EmbeddingQueueRow, error)
	FetchFieldPlaintext(ctx context.Context, tableName, entityID, fieldName string) (string, error)
	ContentHashExists(ctx context.Context, tableName, entityID, fieldName, contentHash string) (bool, error)
	StoreEmbedding(ctx context.Context, tableName, entityID, fieldName, contentHash string, vector pgvector.Vector) error
	CompleteEmbeddingQueueRow(ctx context.Context, id string) error
	FailEmbeddingQueueRow(ctx context.Context, id, errMsg string) error
	BackfillEmbeddings(ctx context.Context, tableName, fieldName string) (int64, error)
}

// embeddableTables lists the tables the embedding queue's triggers fire
// on (spec.md §4.D); backfill() rejects any other table name.
var embeddableTables = map[string]bool{
	"resources":  true,
	"files":      true,
	"ontologies": true,
	"schemas":    true,
}

// Summary reports one ProcessBatch call's outcome, mirroring
// EmbeddingService.process_batch's return shape.
type Summary struct {
	Processed int
	Skipped   int
	Failed    int
}

// Service drains the embedding_queue using the configured Provider.
type Service struct {
	store      Store
	provider   Provider
	encryption *encryption.Service
	batchSize  int
}

// NewService builds an embeddings Service.
func NewService(store Store, provider Provider, enc *encryption.Service, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Service{store: store, provider: provider, encryption: enc, batchSize: batchSize}
}

// ProcessBatch claims and processes one batch from embedding_queue.
func (s *Service) ProcessBatch(ctx context.Context) (Summary, error) {
	batch, err := s.store.ClaimEmbeddingBatch(ctx, s.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("embeddings: claim batch: %w", err)
	}
	if len(batch) == 0 {
		return Summary{}, nil
	}
	metrics.EmbeddingBatchSize.Observe(float64(len(batch)))

	type pending struct {
		row  types.EmbeddingQueueRow
		text string
		hash string
	}
	var items []pending
	summary := Summary{}

	for _, row := range batch {
		text, err := s.store.FetchFieldPlaintext(ctx, row.TableName, row.EntityID, row.FieldName)
		if err != nil || text == "" {
			s.drop(ctx, row, &summary)
			continue
		}

		text, err = s.maybeDecrypt(ctx, row, text)
		if err != nil {
			s.fail(ctx, row, err, &summary)
			continue
		}

		hash := contentHash(text)
		exists, err := s.store.ContentHashExists(ctx, row.TableName, row.EntityID, row.FieldName, hash)
		if err != nil {
			s.fail(ctx, row, err, &summary)
			continue
		}
		if exists {
			s.drop(ctx, row, &summary)
			continue
		}
		items = append(items, pending{row: row, text: text, hash: hash})
	}

	if len(items) == 0 {
		return summary, nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	embedTimer := metrics.NewTimer()
	vectors, err := s.provider.Embed(ctx, texts)
	embedTimer.ObserveDurationVec(metrics.EmbeddingProviderDuration, s.provider.Name())
	if err != nil {
		log.WithComponent("embeddings").Error().Err(err).Msg("batch embed failed")
		for _, it := range items {
			s.fail(ctx, it.row, err, &summary)
		}
		return summary, nil
	}

	for i, it := range items {
		vec := pgvector.NewVector(vectors[i])
		if err := s.store.StoreEmbedding(ctx, it.row.TableName, it.row.EntityID, it.row.FieldName, it.hash, vec); err != nil {
			s.fail(ctx, it.row, err, &summary)
			continue
		}
		if err := s.store.CompleteEmbeddingQueueRow(ctx, it.row.ID); err != nil {
			log.WithComponent("embeddings").Warn().Err(err).Str("queue_id", it.row.ID).Msg("failed to clear embedding queue row")
		}
		summary.Processed++
		metrics.EmbeddingProcessedTotal.WithLabelValues("embedded").Inc()
	}
	return summary, nil
}

// maybeDecrypt decrypts text for tables whose embeddable field is
// encrypted (currently only "ontologies" and "files.parsed_content" are
// plaintext by construction; this hook exists so a future encrypted
// embeddable field has somewhere to plug in without changing callers).
func (s *Service) maybeDecrypt(ctx context.Context, row types.EmbeddingQueueRow, text string) (string, error) {
	return text, nil
}

func (s *Service) drop(ctx context.Context, row types.EmbeddingQueueRow, summary *Summary) {
	if err := s.store.CompleteEmbeddingQueueRow(ctx, row.ID); err != nil {
		log.WithComponent("embeddings").Warn().Err(err).Str("queue_id", row.ID).Msg("failed to drop empty embedding queue row")
	}
	summary.Skipped++
}

// maxEmbeddingAttempts is how many failed attempts a queue row gets before
// fail drops it instead of returning it to pending.
const maxEmbeddingAttempts = 5

func (s *Service) fail(ctx context.Context, row types.EmbeddingQueueRow, err error, summary *Summary) {
	if row.Attempts+1 >= maxEmbeddingAttempts {
		if derr := s.store.CompleteEmbeddingQueueRow(ctx, row.ID); derr != nil {
			log.WithComponent("embeddings").Warn().Err(derr).Str("queue_id", row.ID).Msg("failed to drop embedding queue row past max attempts")
		}
	} else if ferr := s.store.FailEmbeddingQueueRow(ctx, row.ID, err.Error()); ferr != nil {
		log.WithComponent("embeddings").Warn().Err(ferr).Str("queue_id", row.ID).Msg("failed to record embedding queue failure")
	}
	metrics.EmbeddingProcessedTotal.WithLabelValues("failed").Inc()
	summary.Failed++
}

// embeddableFields maps each embeddable table to the single field its
// trigger embeds, so Backfill doesn't need a caller-supplied field name.
var embeddableFields = map[string]string{
	"resources":  "content",
	"files":      "parsed_content",
	"ontologies": "content",
	"schemas":    "description",
}

// Backfill queues every row in table lacking an embedding. Returns the
// count newly queued.
func (s *Service) Backfill(ctx context.Context, table string) (int64, error) {
	if !embeddableTables[table] {
		return 0, fmt.Errorf("embeddings: %q is not an embeddable table", table)
	}
	return s.store.BackfillEmbeddings(ctx, table, embeddableFields[table])
}

// EmbedTexts is a direct utility path for callers that need a vector
// without going through the queue (e.g. a live similarity search).
func (s *Service) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return s.provider.Embed(ctx, texts)
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// pollInterval is how long the background worker waits before checking
// for new batches once a batch comes back empty or with failures.
const pollInterval = 5 * time.Second

// Run polls ProcessBatch in a loop until ctx is canceled, the fallback
// worker path for deployments without pg_cron/pg_net wired to an HTTP
// trigger.
func (s *Service) Run(ctx context.Context) {
	logger := log.WithComponent("embeddings-worker")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("embeddings worker stopping")
			return
		case <-ticker.C:
			for ctx.Err() == nil {
				summary, err := s.ProcessBatch(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("process batch failed")
					break
				}
				if summary.Processed+summary.Skipped+summary.Failed == 0 {
					break
				}
				logger.Info().
					Int("processed", summary.Processed).
					Int("skipped", summary.Skipped).
					Int("failed", summary.Failed).
					Msg("processed embedding batch")
				if summary.Failed > 0 {
					break
				}
			}
		}
	}
}
