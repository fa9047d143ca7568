package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/memorycore/p8/internal/types"
)

// ClaimEmbeddingBatch claims up to batchSize pending embedding_queue rows
// for processing, marking them "processing" so concurrent workers never
// double-embed the same field.
func (s *Store) ClaimEmbeddingBatch(ctx context.Context, batchSize int) ([]types.EmbeddingQueueRow, error) {
	defer timed("embedding_queue", "claim")()

	var claimed []types.EmbeddingQueueRow
	err := s.withTxn(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, table_name, entity_id, field_name, status, attempts, error, created_at
			FROM embedding_queue
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, batchSize)
		if err != nil {
			return fmt.Errorf("store: select embedding batch: %w", err)
		}
		batch, err := pgx.CollectRows(rows, pgx.RowToStructByName[types.EmbeddingQueueRow])
		if err != nil {
			return fmt.Errorf("store: scan embedding batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.ID
		}
		if _, err := tx.Exec(ctx, `UPDATE embedding_queue SET status = 'processing' WHERE id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("store: mark embedding batch processing: %w", err)
		}
		claimed = batch
		return nil
	})
	return claimed, err
}

// FetchFieldPlaintext reads a single field's value from its owning table,
// used after claiming an embedding_queue row so the worker knows what
// text to embed. Content is already decrypted server-side for platform
// mode; client/sealed tenants skip embedding per spec.md §4.D.
func (s *Store) FetchFieldPlaintext(ctx context.Context, tableName, entityID, fieldName string) (string, error) {
	defer timed(tableName, "fetch_embed_field")()
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		pgx.Identifier{fieldName}.Sanitize(), pgx.Identifier{tableName}.Sanitize())
	var value string
	if err := s.pool.QueryRow(ctx, query, entityID).Scan(&value); err != nil {
		return "", fmt.Errorf("store: fetch embed field: %w", err)
	}
	return value, nil
}

// StoreEmbedding upserts a row into embeddings_<table>, deduped on a
// content hash so re-embedding identical text is a no-op.
func (s *Store) StoreEmbedding(ctx context.Context, tableName, entityID, fieldName, contentHash string, vector pgvector.Vector) error {
	defer timed(tableName, "store_embedding")()
	target := pgx.Identifier{"embeddings_" + tableName}.Sanitize()
	query := fmt.Sprintf(`
		INSERT INTO %s (entity_id, field_name, content_hash, embedding, created_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (entity_id, field_name) DO UPDATE SET
			content_hash = EXCLUDED.content_hash, embedding = EXCLUDED.embedding, created_at = CURRENT_TIMESTAMP
		WHERE %s.content_hash IS DISTINCT FROM EXCLUDED.content_hash
	`, target, target)
	_, err := s.pool.Exec(ctx, query, entityID, fieldName, contentHash, vector)
	if err != nil {
		return fmt.Errorf("store: store embedding for %s: %w", tableName, err)
	}
	return nil
}

// CompleteEmbeddingQueueRow removes a successfully processed row.
func (s *Store) CompleteEmbeddingQueueRow(ctx context.Context, id string) error {
	defer timed("embedding_queue", "complete")()
	_, err := s.pool.Exec(ctx, `DELETE FROM embedding_queue WHERE id = $1`, id)
	return err
}

// FailEmbeddingQueueRow records an attempt failure and returns the row to
// pending for a later retry. Callers stop retrying once attempts reaches
// a ceiling (checked by the embeddings worker, not here) since a field
// stuck past a handful of attempts is almost always a permanent failure —
// bad encoding, empty field — rather than a transient one.
func (s *Store) FailEmbeddingQueueRow(ctx context.Context, id, errMsg string) error {
	defer timed("embedding_queue", "fail")()
	_, err := s.pool.Exec(ctx, `
		UPDATE embedding_queue SET status = 'pending', attempts = attempts + 1, error = $2
		WHERE id = $1
	`, id, errMsg)
	return err
}

// BackfillEmbeddings enqueues every row in tableName lacking an embedding
// for fieldName, returning the number of rows newly queued.
func (s *Store) BackfillEmbeddings(ctx context.Context, tableName, fieldName string) (int64, error) {
	defer timed(tableName, "backfill_embeddings")()
	table := pgx.Identifier{tableName}.Sanitize()
	embedTable := pgx.Identifier{"embeddings_" + tableName}.Sanitize()

	query := fmt.Sprintf(`
		INSERT INTO embedding_queue (table_name, entity_id, field_name, status)
		SELECT $1, e.id, $2, 'pending'
		FROM %s e
		LEFT JOIN %s emb ON emb.entity_id = e.id AND emb.field_name = $2
		WHERE e.deleted_at IS NULL AND emb.entity_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM embedding_queue q
			WHERE q.table_name = $1 AND q.entity_id = e.id AND q.field_name = $2
		  )
	`, table, embedTable)
	tag, err := s.pool.Exec(ctx, query, tableName, fieldName)
	if err != nil {
		return 0, fmt.Errorf("store: backfill embeddings for %s: %w", tableName, err)
	}
	return tag.RowsAffected(), nil
}

// ContentHashExists checks embeddings_<table> for an existing row with
// the given content hash, the dedup check from spec.md §4.D.
func (s *Store) ContentHashExists(ctx context.Context, tableName, entityID, fieldName, contentHash string) (bool, error) {
	defer timed(tableName, "content_hash_exists")()
	target := pgx.Identifier{"embeddings_" + tableName}.Sanitize()
	query := fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s WHERE entity_id = $1 AND field_name = $2 AND content_hash = $3)
	`, target)
	var exists bool
	err := s.pool.QueryRow(ctx, query, entityID, fieldName, contentHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: content hash exists: %w", err)
	}
	return exists, nil
}
