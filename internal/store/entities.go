package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/memorycore/p8/internal/ids"
	"github.com/memorycore/p8/internal/types"
)

// UpsertUser inserts or updates a user row by ID. Callers are expected to
// have already run the row through internal/encryption.EncryptFields. If
// u.ID is unset, it is derived deterministically from u.Name so re-upserting
// the same name always targets the same row (spec.md §3 Identifier Policy).
func (s *Store) UpsertUser(ctx context.Context, u *types.User) error {
	defer timed("users", "upsert")()
	if u.ID == "" {
		u.ID = ids.Deterministic("users", u.Name)
	}
	rows, err := s.pool.Query(ctx, `
		INSERT INTO users (id, tenant_id, name, email, content, devices, tags, metadata, graph_edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, content = EXCLUDED.content,
			devices = EXCLUDED.devices, tags = EXCLUDED.tags, metadata = EXCLUDED.metadata,
			graph_edges = EXCLUDED.graph_edges, updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`, u.ID, u.TenantID, u.Name, u.Email, u.Content, u.Devices, u.Tags, u.Metadata, u.GraphEdges)
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&u.CreatedAt, &u.UpdatedAt)
	}
	return rows.Err()
}

// GetUser loads a user by ID, nil if absent or soft-deleted.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	defer timed("users", "get")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, name, email, content, devices, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM users WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.User])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail looks up a user by its (deterministically encrypted)
// email ciphertext — exact match works because deterministic mode is
// nonce-stable for identical plaintext+AAD.
func (s *Store) GetUserByEmail(ctx context.Context, tenantID, encryptedEmail string) (*types.User, error) {
	defer timed("users", "get_by_email")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, name, email, content, devices, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM users WHERE tenant_id = $1 AND email = $2 AND deleted_at IS NULL
	`, tenantID, encryptedEmail)
	if err != nil {
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.User])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return u, nil
}

// SoftDeleteUser marks a user deleted without removing the row, per
// spec.md §3's soft-delete/time-machine policy.
func (s *Store) SoftDeleteUser(ctx context.Context, id string) error {
	defer timed("users", "soft_delete")()
	_, err := s.pool.Exec(ctx, `UPDATE users SET deleted_at = CURRENT_TIMESTAMP WHERE id = $1`, id)
	return err
}

// UpsertTenant inserts or updates a tenant row. If t.ID is unset, it is
// derived deterministically from t.Name (spec.md §3 Identifier Policy).
func (s *Store) UpsertTenant(ctx context.Context, t *types.Tenant) error {
	defer timed("tenants", "upsert")()
	if t.ID == "" {
		t.ID = ids.Deterministic("tenants", t.Name)
	}
	rows, err := s.pool.Query(ctx, `
		INSERT INTO tenants (id, name, encryption_mode, tenant_metadata, tags, metadata, graph_edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, encryption_mode = EXCLUDED.encryption_mode,
			tenant_metadata = EXCLUDED.tenant_metadata, tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata, graph_edges = EXCLUDED.graph_edges,
			updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`, t.ID, t.Name, t.EncryptionMode, t.TenantMetadata, t.Tags, t.Metadata, t.GraphEdges)
	if err != nil {
		return fmt.Errorf("store: upsert tenant: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&t.CreatedAt, &t.UpdatedAt)
	}
	return rows.Err()
}

// GetTenant loads a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	defer timed("tenants", "get")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, encryption_mode, tenant_metadata, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM tenants WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.Tenant])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	return t, nil
}

// ListActiveTenantIDs returns every tenant ID with at least one active
// user, used by the dreaming/news enqueue cron jobs to fan out per tenant.
func (s *Store) ListActiveTenantIDs(ctx context.Context) ([]string, error) {
	defer timed("tenants", "list_active")()
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id FROM users WHERE tenant_id IS NOT NULL AND deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list active tenants: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateSession inserts a new session. Sessions are append-mostly so no
// upsert path is exposed; callers go through UpdateSessionScratch for
// updates to the agent's working memory.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	defer timed("sessions", "create")()
	return s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, tenant_id, user_id, mode, agent_name, total_tokens, metadata, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at
	`, sess.ID, sess.TenantID, sess.UserID, sess.Mode, sess.AgentName, sess.TotalTokens, sess.Scratch, sess.Tags,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	defer timed("sessions", "get")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, mode, agent_name, total_tokens, metadata, tags, graph_edges, created_at, updated_at, deleted_at
		FROM sessions WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	sess, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.Session])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return sess, nil
}

// CloneSession duplicates a session's row and every message into a new
// session, used by the "fork a chat" flow in spec.md's session module.
func (s *Store) CloneSession(ctx context.Context, sessionID, newID string) error {
	defer timed("sessions", "clone")()
	return s.withTxn(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, tenant_id, user_id, mode, agent_name, total_tokens, metadata, tags, created_at, updated_at)
			SELECT $2, tenant_id, user_id, mode, agent_name, total_tokens, metadata, tags, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
			FROM sessions WHERE id = $1
		`, sessionID, newID); err != nil {
			return fmt.Errorf("store: clone session row: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, session_id, tenant_id, user_id, message_type, content, tool_calls, token_count, created_at, updated_at)
			SELECT gen_random_uuid(), $2, tenant_id, user_id, message_type, content, tool_calls, token_count, created_at, CURRENT_TIMESTAMP
			FROM messages WHERE session_id = $1 AND deleted_at IS NULL
			ORDER BY created_at
		`, sessionID, newID); err != nil {
			return fmt.Errorf("store: clone session messages: %w", err)
		}
		return nil
	})
}

// PersistTurn appends a message and bumps the session's token counter in
// a single transaction, mirroring persist_turn from the original SQL.
func (s *Store) PersistTurn(ctx context.Context, msg *types.Message) error {
	defer timed("messages", "persist_turn")()
	return s.withTxn(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO messages (id, session_id, tenant_id, user_id, message_type, content, tool_calls, token_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			RETURNING created_at, updated_at
		`, msg.ID, msg.SessionID, msg.TenantID, msg.UserID, msg.MessageType, msg.Content, msg.ToolCalls, msg.TokenCount,
		).Scan(&msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return fmt.Errorf("store: insert message: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE sessions SET total_tokens = total_tokens + $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1
		`, msg.SessionID, msg.TokenCount)
		if err != nil {
			return fmt.Errorf("store: bump session tokens: %w", err)
		}
		return nil
	})
}

// LoadMessages returns a session's messages in chronological order, for
// context assembly before an agent turn.
func (s *Store) LoadMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	defer timed("messages", "load")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, tenant_id, user_id, message_type, content, tool_calls, token_count, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM messages WHERE session_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Message])
}

// SearchSessions full-text searches session metadata/agent_name, used by
// the dialect SEARCH verb when scoped to sessions.
func (s *Store) SearchSessions(ctx context.Context, tenantID, query string, limit int) ([]types.Session, error) {
	defer timed("sessions", "search")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, mode, agent_name, total_tokens, metadata, tags, graph_edges, created_at, updated_at, deleted_at
		FROM sessions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		  AND (agent_name ILIKE '%' || $2 || '%' OR metadata::text ILIKE '%' || $2 || '%')
		ORDER BY updated_at DESC LIMIT $3
	`, tenantID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search sessions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Session])
}

// UpsertMoment inserts or updates a moment by ID. Used by both the
// dreaming handler and direct ingestion paths (file upload, web search).
func (s *Store) UpsertMoment(ctx context.Context, m *types.Moment) error {
	defer timed("moments", "upsert")()
	rows, err := s.pool.Query(ctx, `
		INSERT INTO moments (id, tenant_id, user_id, moment_type, name, summary, starts_timestamp, ends_timestamp,
			topic_tags, emotion_tags, source_session_id, previous_moment_keys, tags, metadata, graph_edges, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			summary = EXCLUDED.summary, topic_tags = EXCLUDED.topic_tags, emotion_tags = EXCLUDED.emotion_tags,
			previous_moment_keys = EXCLUDED.previous_moment_keys, tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata, graph_edges = EXCLUDED.graph_edges, updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`, m.ID, m.TenantID, m.UserID, m.MomentType, m.Name, m.Summary, m.StartsTimestamp, m.EndsTimestamp,
		m.TopicTags, m.EmotionTags, m.SourceSessionID, m.PreviousMomentKeys, m.Tags, m.Metadata, m.GraphEdges)
	if err != nil {
		return fmt.Errorf("store: upsert moment: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&m.CreatedAt, &m.UpdatedAt)
	}
	return rows.Err()
}

// MomentsFeed returns the most recent moments for a tenant/user, newest
// first — the primary read path for "what have I been up to" queries.
func (s *Store) MomentsFeed(ctx context.Context, tenantID, userID string, limit int) ([]types.Moment, error) {
	defer timed("moments", "feed")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, moment_type, name, summary, starts_timestamp, ends_timestamp,
			topic_tags, emotion_tags, source_session_id, previous_moment_keys, tags, metadata, graph_edges,
			created_at, updated_at, deleted_at
		FROM moments
		WHERE tenant_id = $1 AND ($2 = '' OR user_id = $2) AND deleted_at IS NULL
		ORDER BY starts_timestamp DESC LIMIT $3
	`, tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: moments feed: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Moment])
}

// AppendGraphEdge merges an edge into an entity's graph_edges column,
// applying the same-target-relation-keeps-higher-weight rule in SQL so
// concurrent writers never race on a read-modify-write in Go.
func (s *Store) AppendGraphEdge(ctx context.Context, table, id string, edge types.GraphEdge) error {
	defer timed(table, "append_graph_edge")()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET graph_edges = merge_graph_edge(graph_edges, $2::jsonb), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, pgx.Identifier{table}.Sanitize()), id, edge)
	if err != nil {
		return fmt.Errorf("store: append graph edge on %s: %w", table, err)
	}
	return nil
}

// UpsertResource, UpsertFile, UpsertOntology, UpsertServer, UpsertTool,
// UpsertFeedback, and UpsertSchema follow the same envelope-upsert shape;
// kept terse since there is no entity-specific behavior beyond columns.

func (s *Store) UpsertResource(ctx context.Context, r *types.Resource) error {
	defer timed("resources", "upsert")()
	rows, err := s.pool.Query(ctx, `
		INSERT INTO resources (id, tenant_id, user_id, uri, ordinal, content, category, comment, image_uri, rating, tags, metadata, graph_edges, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, category = EXCLUDED.category,
			comment = EXCLUDED.comment, rating = EXCLUDED.rating, tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata, updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`, r.ID, r.TenantID, r.UserID, r.URI, r.Ordinal, r.Content, r.Category, r.Comment, r.ImageURI, r.Rating, r.Tags, r.Metadata, r.GraphEdges)
	if err != nil {
		return fmt.Errorf("store: upsert resource: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&r.CreatedAt, &r.UpdatedAt)
	}
	return rows.Err()
}

func (s *Store) UpsertFile(ctx context.Context, f *types.File) error {
	defer timed("files", "upsert")()
	rows, err := s.pool.Query(ctx, `
		INSERT INTO files (id, tenant_id, user_id, mime_type, size_bytes, uri, parsed_content, parsed_output,
			thumbnail_uri, processing_status, tags, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET parsed_content = EXCLUDED.parsed_content,
			parsed_output = EXCLUDED.parsed_output, thumbnail_uri = EXCLUDED.thumbnail_uri,
			processing_status = EXCLUDED.processing_status, updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`, f.ID, f.TenantID, f.UserID, f.MimeType, f.SizeBytes, f.URI, f.ParsedContent, f.ParsedOutput,
		f.ThumbnailURI, f.ProcessingStatus, f.Tags, f.Metadata)
	if err != nil {
		return fmt.Errorf("store: upsert file: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&f.CreatedAt, &f.UpdatedAt)
	}
	return rows.Err()
}

func (s *Store) GetFile(ctx context.Context, id string) (*types.File, error) {
	defer timed("files", "get")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, user_id, mime_type, size_bytes, uri, parsed_content, parsed_output,
			thumbnail_uri, processing_status, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM files WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get file: %w", err)
	}
	f, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.File])
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get file: %w", err)
	}
	return f, nil
}

// UpsertOntology inserts or updates an ontology row. If o.ID is unset, it
// is derived deterministically from o.Name (spec.md §3 Identifier Policy).
func (s *Store) UpsertOntology(ctx context.Context, o *types.Ontology) error {
	defer timed("ontologies", "upsert")()
	if o.ID == "" {
		o.ID = ids.Deterministic("ontologies", o.Name)
	}
	rows, err := s.pool.Query(ctx, `
		INSERT INTO ontologies (id, tenant_id, user_id, name, content, tags, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata, updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`, o.ID, o.TenantID, o.UserID, o.Name, o.Content, o.Tags, o.Metadata)
	if err != nil {
		return fmt.Errorf("store: upsert ontology: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&o.CreatedAt, &o.UpdatedAt)
	}
	return rows.Err()
}

// UpsertServer inserts or updates a server row. If srv.ID is unset, it is
// derived deterministically from srv.Name (spec.md §3 Identifier Policy).
func (s *Store) UpsertServer(ctx context.Context, srv *types.Server) error {
	defer timed("servers", "upsert")()
	if srv.ID == "" {
		srv.ID = ids.Deterministic("servers", srv.Name)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO servers (id, tenant_id, name, endpoint, auth_type, tags, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET endpoint = EXCLUDED.endpoint, auth_type = EXCLUDED.auth_type,
			metadata = EXCLUDED.metadata, updated_at = CURRENT_TIMESTAMP
	`, srv.ID, srv.TenantID, srv.Name, srv.Endpoint, srv.AuthType, srv.Tags, srv.Metadata)
	return err
}

// UpsertTool inserts or updates a tool row. If t.ID is unset, it is derived
// deterministically from (ServerID, Name) since tool names are only unique
// per server (spec.md §3 Identifier Policy).
func (s *Store) UpsertTool(ctx context.Context, t *types.Tool) error {
	defer timed("tools", "upsert")()
	if t.ID == "" {
		t.ID = ids.Deterministic("tools", t.ServerID+":"+t.Name)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tools (id, tenant_id, server_id, name, description, input_schema, tags, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description,
			input_schema = EXCLUDED.input_schema, metadata = EXCLUDED.metadata, updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.TenantID, t.ServerID, t.Name, t.Description, t.InputSchema, t.Tags, t.Metadata)
	return err
}

func (s *Store) CreateFeedback(ctx context.Context, fb *types.Feedback) error {
	defer timed("feedback", "create")()
	return s.pool.QueryRow(ctx, `
		INSERT INTO feedback (id, tenant_id, user_id, session_id, rating, comment, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at
	`, fb.ID, fb.TenantID, fb.UserID, fb.SessionID, fb.Rating, fb.Comment).Scan(&fb.CreatedAt, &fb.UpdatedAt)
}

// UpsertSchema inserts or updates a schema row. If sc.ID is unset, it is
// derived deterministically from sc.Name (spec.md §3 Identifier Policy),
// so re-POSTing the same schema name always targets the same row.
func (s *Store) UpsertSchema(ctx context.Context, sc *types.Schema) error {
	defer timed("schemas", "upsert")()
	if sc.ID == "" {
		sc.ID = ids.Deterministic("schemas", sc.Name)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schemas (id, tenant_id, name, kind, description, json_schema, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description,
			json_schema = EXCLUDED.json_schema, updated_at = CURRENT_TIMESTAMP
	`, sc.ID, sc.TenantID, sc.Name, sc.Kind, sc.Description, sc.JSONSchema)
	return err
}

// ListTableSchemas returns every Schema row with Kind=table. The KV sync
// and embedding triggers do not consult these rows; their per-table
// behavior is fixed in the migration SQL.
func (s *Store) ListTableSchemas(ctx context.Context) ([]types.Schema, error) {
	defer timed("schemas", "list_tables")()
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, kind, description, json_schema, tags, metadata, graph_edges, created_at, updated_at, deleted_at
		FROM schemas WHERE kind = 'table' AND deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list table schemas: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[types.Schema])
}

func (s *Store) CreateStorageGrant(ctx context.Context, g *types.StorageGrant) error {
	defer timed("storage_grants", "create")()
	return s.pool.QueryRow(ctx, `
		INSERT INTO storage_grants (id, tenant_id, user_id, resource_type, granted_extra, reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at
	`, g.ID, g.TenantID, g.UserID, g.ResourceType, g.GrantedExtra, g.Reason).Scan(&g.CreatedAt, &g.UpdatedAt)
}
