// Package store is the Postgres-backed persistence layer (spec.md §3, §4.C):
// envelope CRUD for every canonical entity, the synthetic kv_store index
// (maintained entirely by triggers — see migrations/0001_schema.sql), the
// tiered task_queue, the embedding_queue, and tenant_keys. It implements
// kms.KeyStore directly so internal/kms never imports this package.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
)

// Store wraps a pgx connection pool and exposes the full persistence
// surface the rest of p8 depends on.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against databaseURL and verifies connectivity. minConns
// and maxConns mirror the teacher's worker-tier sizing knobs, here applied
// to the connection pool instead of goroutine counts.
func New(ctx context.Context, databaseURL string, minConns, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parsing database url: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	log.WithComponent("store").Info().Msg("connected to database")
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pgxpool for migration tooling (cmd/p8's
// "db diff"/"db apply") that needs to run outside the Store's own surface.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func timed(table, op string) func() {
	timer := metrics.NewTimer()
	return func() { timer.ObserveDurationVec(metrics.DialectQueriesTotal, table, op) }
}

// --- kms.KeyStore -----------------------------------------------------

// PutTenantKey upserts a tenant_keys row, implementing kms.KeyStore.
func (s *Store) PutTenantKey(ctx context.Context, key types.TenantKey) error {
	defer timed("tenant_keys", "put")()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_keys (tenant_id, wrapped_dek, kms_key_id, algorithm, status, mode, rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		ON CONFLICT (tenant_id) DO UPDATE SET
			wrapped_dek = EXCLUDED.wrapped_dek,
			kms_key_id  = EXCLUDED.kms_key_id,
			algorithm   = EXCLUDED.algorithm,
			status      = EXCLUDED.status,
			mode        = EXCLUDED.mode,
			rotated_at  = CURRENT_TIMESTAMP
	`, key.TenantID, key.WrappedDEK, key.KMSKeyID, key.Algorithm, key.Status, key.Mode)
	if err != nil {
		return fmt.Errorf("store: put tenant key: %w", err)
	}
	return nil
}

// GetTenantKey returns the tenant_keys row, or nil if none exists.
func (s *Store) GetTenantKey(ctx context.Context, tenantID string) (*types.TenantKey, error) {
	defer timed("tenant_keys", "get")()
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, wrapped_dek, kms_key_id, algorithm, status, mode, rotated_at
		FROM tenant_keys WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: get tenant key: %w", err)
	}
	key, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.TenantKey])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get tenant key: %w", err)
	}
	return key, nil
}

// DeleteTenantKey removes a tenant's key row entirely, forcing resolution
// back to the system DEK fallback.
func (s *Store) DeleteTenantKey(ctx context.Context, tenantID string) error {
	defer timed("tenant_keys", "delete")()
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_keys WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("store: delete tenant key: %w", err)
	}
	return nil
}

// StoreSealedKey and GetSealedPublicKey live on top of the same table: a
// sealed-mode row stores the RSA public key PEM in wrapped_dek.
func (s *Store) StoreSealedKey(ctx context.Context, tenantID string, publicPEM []byte, origin string) error {
	return s.PutTenantKey(ctx, types.TenantKey{
		TenantID:   tenantID,
		WrappedDEK: publicPEM,
		KMSKeyID:   "sealed-" + origin,
		Algorithm:  "RSA-OAEP-SHA256",
		Status:     types.KeyActive,
		Mode:       types.ModeSealed,
	})
}

func (s *Store) GetSealedPublicKey(ctx context.Context, tenantID string) ([]byte, error) {
	row, err := s.GetTenantKey(ctx, tenantID)
	if err != nil || row == nil || row.Mode != types.ModeSealed {
		return nil, err
	}
	return row.WrappedDEK, nil
}

// withTxn runs fn inside a transaction, matching the teacher's defer-based
// error-wrapping idiom used throughout pkg/storage.
func (s *Store) withTxn(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin txn: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit txn: %w", err)
	}
	return nil
}
