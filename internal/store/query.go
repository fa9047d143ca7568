package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/memorycore/p8/internal/types"
)

// Lookup resolves one kv_store row by exact entity_key, the backing
// primitive for the dialect's LOOKUP verb.
func (s *Store) Lookup(ctx context.Context, tenantID, entityKey string) (*types.KVRow, error) {
	defer timed("kv_store", "lookup")()
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, entity_key, entity_type, entity_id, content_summary, graph_edges, metadata
		FROM kv_store WHERE tenant_id = $1 AND entity_key = $2
	`, tenantID, entityKey)
	if err != nil {
		return nil, fmt.Errorf("store: lookup: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.KVRow])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: lookup: %w", err)
	}
	return row, nil
}

// Search runs a cosine-similarity search against embeddings_<table> and
// joins the matches back to kv_store, the backing primitive for the
// dialect's SEARCH verb (spec.md §4.C). field, when non-empty, restricts
// matches to one embedded field_name (e.g. "description" vs "content").
func (s *Store) Search(ctx context.Context, tenantID string, vector pgvector.Vector, table, field string, minSimilarity float64, limit int) ([]types.KVRow, error) {
	defer timed("kv_store", "search")()
	embedTable := pgx.Identifier{"embeddings_" + table}.Sanitize()
	query := fmt.Sprintf(`
		SELECT k.tenant_id, k.entity_key, k.entity_type, k.entity_id, k.content_summary, k.graph_edges, k.metadata
		FROM %s e
		JOIN kv_store k ON k.entity_type = $1 AND k.entity_id = e.entity_id AND k.tenant_id = $2
		WHERE ($3 = '' OR e.field_name = $3)
		  AND (1 - (e.embedding <=> $4)) >= $5
		ORDER BY e.embedding <=> $4 ASC
		LIMIT $6
	`, embedTable)
	rows, err := s.pool.Query(ctx, query, table, tenantID, field, vector, minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.KVRow])
}

// Fuzzy ranks kv_store rows by trigram similarity to query, returning
// matches above the threshold — the dialect's FUZZY verb.
func (s *Store) Fuzzy(ctx context.Context, tenantID, query string, threshold float64, limit int) ([]types.KVRow, error) {
	defer timed("kv_store", "fuzzy")()
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, entity_key, entity_type, entity_id, content_summary, graph_edges, metadata
		FROM kv_store
		WHERE tenant_id = $1 AND similarity(content_summary, $2) > $3
		ORDER BY similarity(content_summary, $2) DESC
		LIMIT $4
	`, tenantID, query, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fuzzy: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.KVRow])
}

// Traverse walks graph_edges breadth-first from a starting entity_key up
// to maxDepth hops, the dialect's TRAVERSE verb. Cycles are broken by
// tracking visited keys in Go rather than in SQL, since depth is small
// (spec.md bounds it at a handful of hops per query).
func (s *Store) Traverse(ctx context.Context, tenantID, startKey string, maxDepth int) ([]types.KVRow, error) {
	defer timed("kv_store", "traverse")()

	visited := map[string]bool{startKey: true}
	frontier := []string{startKey}
	var out []types.KVRow

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		rows, err := s.pool.Query(ctx, `
			SELECT tenant_id, entity_key, entity_type, entity_id, content_summary, graph_edges, metadata
			FROM kv_store WHERE tenant_id = $1 AND entity_key = ANY($2)
		`, tenantID, frontier)
		if err != nil {
			return nil, fmt.Errorf("store: traverse: %w", err)
		}
		batch, err := pgx.CollectRows(rows, pgx.RowToStructByName[types.KVRow])
		if err != nil {
			return nil, fmt.Errorf("store: traverse scan: %w", err)
		}

		var next []string
		for _, row := range batch {
			out = append(out, row)
			for _, edge := range row.GraphEdges {
				if !visited[edge.Target] {
					visited[edge.Target] = true
					next = append(next, edge.Target)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// ExecReadOnlySQL runs a caller-supplied SELECT statement that has already
// passed the dialect package's keyword blocklist, the escape hatch behind
// the dialect's raw SQL verb.
func (s *Store) ExecReadOnlySQL(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	defer timed("sql", "exec")()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: exec sql: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("store: exec sql scan: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
