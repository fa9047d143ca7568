package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memorycore/p8/internal/types"
)

// SessionsForDreaming returns a user's most recently updated sessions, the
// candidate set phase 1 walks looking for unconsolidated message runs.
func (s *Store) SessionsForDreaming(ctx context.Context, userID string, limit int) ([]types.Session, error) {
	defer timed("sessions", "for_dreaming")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, mode, agent_name, total_tokens, metadata, tags, graph_edges, created_at, updated_at, deleted_at
		FROM sessions WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: sessions for dreaming: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Session])
}

// LastMomentEndsForSession returns the latest ends_timestamp already
// consolidated into a session_chunk moment for sessionID, or the zero
// time if the session has never been consolidated.
func (s *Store) LastMomentEndsForSession(ctx context.Context, sessionID string) (time.Time, error) {
	defer timed("moments", "last_ends_for_session")()
	var ends time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(ends_timestamp), 'epoch'::timestamptz) FROM moments
		WHERE source_session_id = $1 AND moment_type = 'session_chunk' AND deleted_at IS NULL
	`, sessionID).Scan(&ends)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last moment ends: %w", err)
	}
	return ends, nil
}

// LoadMessagesAfter returns a session's messages strictly after `after`,
// chronological order — the unconsolidated tail phase 1 chunks into a
// session_chunk moment once its token_count sum crosses the threshold.
func (s *Store) LoadMessagesAfter(ctx context.Context, sessionID string, after time.Time) ([]types.Message, error) {
	defer timed("messages", "load_after")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, tenant_id, user_id, message_type, content, tool_calls, token_count, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM messages WHERE session_id = $1 AND deleted_at IS NULL AND created_at > $2
		ORDER BY created_at ASC
	`, sessionID, after)
	if err != nil {
		return nil, fmt.Errorf("store: load messages after: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Message])
}

// MomentsSince returns a user's moments created since `since`, newest
// first and capped at limit — phase 2's "Recent Moments" context section.
func (s *Store) MomentsSince(ctx context.Context, tenantID, userID string, since time.Time, limit int) ([]types.Moment, error) {
	defer timed("moments", "since")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, moment_type, name, summary, starts_timestamp, ends_timestamp,
			topic_tags, emotion_tags, source_session_id, previous_moment_keys, tags, metadata, graph_edges,
			created_at, updated_at, deleted_at
		FROM moments
		WHERE user_id = $1 AND deleted_at IS NULL AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: moments since: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Moment])
}

// RecentFiles returns a user's completed uploads since `since`, newest
// first — phase 2's "Recent Uploads" context section.
func (s *Store) RecentFiles(ctx context.Context, userID string, since time.Time, limit int) ([]types.File, error) {
	defer timed("files", "recent")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, mime_type, size_bytes, uri, parsed_content, parsed_output, thumbnail_uri,
			processing_status, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM files
		WHERE user_id = $1 AND deleted_at IS NULL AND processing_status = 'completed' AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent files: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.File])
}

// ResolveEntityByKey looks up an entity_key in the KV index, returning
// its owning table and row ID plus the precomputed summary a back-edge
// target can fall back on when the owning row can't be read directly.
func (s *Store) ResolveEntityByKey(ctx context.Context, key string) (entityType, entityID, summary string, found bool, err error) {
	defer timed("kv_store", "resolve_entity")()
	err = s.pool.QueryRow(ctx, `
		SELECT entity_type, entity_id, content_summary FROM kv_store WHERE entity_key = $1 LIMIT 1
	`, key).Scan(&entityType, &entityID, &summary)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", "", "", false, nil
		}
		return "", "", "", false, fmt.Errorf("store: resolve entity by key: %w", err)
	}
	return entityType, entityID, summary, true, nil
}

// RecentSessionMessages returns up to limit of a session's most recent
// messages in chronological order, for phase 2's per-session transcript
// excerpt (distinct from LoadMessagesAfter, which is phase 1's
// unconsolidated tail).
func (s *Store) RecentSessionMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	defer timed("messages", "recent_for_session")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, tenant_id, user_id, message_type, content, tool_calls, token_count, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM (
			SELECT * FROM messages WHERE session_id = $1 AND deleted_at IS NULL
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent session messages: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Message])
}
