package types

import "time"

// Tier is a class of background work backed by its own worker pool (§4.E).
type Tier string

const (
	TierMicro  Tier = "micro"
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// TaskStatus is a task_queue row's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is one task_queue row (§3). Soft deletes do not apply to tasks.
type Task struct {
	ID          string         `json:"id" db:"id"`
	TaskType    string         `json:"task_type" db:"task_type"`
	Tier        Tier           `json:"tier" db:"tier"`
	UserID      string         `json:"user_id,omitempty" db:"user_id"`
	TenantID    string         `json:"tenant_id,omitempty" db:"tenant_id"`
	Payload     map[string]any `json:"payload" db:"payload"`
	Priority    int            `json:"priority" db:"priority"`
	Status      TaskStatus     `json:"status" db:"status"`
	ScheduledAt time.Time      `json:"scheduled_at" db:"scheduled_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimedBy   string         `json:"claimed_by,omitempty" db:"claimed_by"`
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	RetryCount  int            `json:"retry_count" db:"retry_count"`
	MaxRetries  int            `json:"max_retries" db:"max_retries"`
	Result      map[string]any `json:"result,omitempty" db:"result"`
	Error       string         `json:"error,omitempty" db:"error"`
}

// TaskEvent is an audit row appended on every task state change (§4.E).
type TaskEvent struct {
	ID       string         `json:"id" db:"id"`
	TaskID   string         `json:"task_id" db:"task_id"`
	Event    string         `json:"event" db:"event"`
	WorkerID string         `json:"worker_id,omitempty" db:"worker_id"`
	Error    string         `json:"error,omitempty" db:"error"`
	Detail   map[string]any `json:"detail,omitempty" db:"detail"`
	At       time.Time      `json:"at" db:"at"`
}

// KVRow is one synthetic kv_store row maintained by the DB triggers (§3,
// §4.C). It is the only view of an encrypted entity that ever leaves the
// encrypted columns: ContentSummary is computed by an expression hardcoded
// in that table's kv_sync_* trigger, chosen so ciphertext never lands here.
// A Schema row's kv_summary_expr is not evaluated.
type KVRow struct {
	TenantID       string      `json:"tenant_id,omitempty" db:"tenant_id"`
	EntityKey      string      `json:"entity_key" db:"entity_key"`
	EntityType     string      `json:"entity_type" db:"entity_type"`
	EntityID       string      `json:"entity_id" db:"entity_id"`
	ContentSummary string      `json:"content_summary" db:"content_summary"`
	GraphEdges     []GraphEdge `json:"graph_edges,omitempty" db:"graph_edges"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// EmbeddingQueueStatus is an embedding_queue row's status.
type EmbeddingQueueStatus string

const (
	EmbeddingQueuePending    EmbeddingQueueStatus = "pending"
	EmbeddingQueueProcessing EmbeddingQueueStatus = "processing"
)

// EmbeddingQueueRow is one embedding_queue row (§3, §4.D).
type EmbeddingQueueRow struct {
	ID        string               `json:"id" db:"id"`
	TableName string               `json:"table_name" db:"table_name"`
	EntityID  string               `json:"entity_id" db:"entity_id"`
	FieldName string               `json:"field_name" db:"field_name"`
	Status    EmbeddingQueueStatus `json:"status" db:"status"`
	Attempts  int                  `json:"attempts" db:"attempts"`
	Error     string               `json:"error,omitempty" db:"error"`
	CreatedAt time.Time            `json:"created_at" db:"created_at"`
}

// KeyStatus is a tenant_keys row's status.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyDisabled KeyStatus = "disabled"
)

// TenantKey is one tenant_keys row (§3, §4.A). For sealed mode WrappedDEK
// holds the RSA public key PEM instead of a wrapped symmetric key.
type TenantKey struct {
	TenantID   string         `json:"tenant_id" db:"tenant_id"`
	WrappedDEK []byte         `json:"-" db:"wrapped_dek"`
	KMSKeyID   string         `json:"kms_key_id" db:"kms_key_id"`
	Algorithm  string         `json:"algorithm" db:"algorithm"`
	Status     KeyStatus      `json:"status" db:"status"`
	Mode       EncryptionMode `json:"mode" db:"mode"`
	RotatedAt  time.Time      `json:"rotated_at" db:"rotated_at"`
}

// EnqueueOptions carries Enqueue's optional fields, mirroring queue.py's
// keyword-only enqueue() signature.
type EnqueueOptions struct {
	UserID      string
	TenantID    string
	Priority    int
	ScheduledAt time.Time
	MaxRetries  int
}

// UsageTracking is one usage_tracking row (§3, §4.E, §4.F). Every resource
// is counted per calendar month (UTC); the store has no daily periods.
type UsageTracking struct {
	UserID       string    `json:"user_id" db:"user_id"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	PeriodStart  time.Time `json:"period_start" db:"period_start"`
	Used         int64     `json:"used" db:"used"`
	GrantedExtra int64     `json:"granted_extra" db:"granted_extra"`
}
