package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memorycore/p8/internal/ids"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/metrics"
)

// Enqueue inserts a new task_queue row and returns its ID.
func (s *Store) Enqueue(ctx context.Context, taskType string, tier types.Tier, payload map[string]any, opts types.EnqueueOptions) (string, error) {
	defer timed("task_queue", "enqueue")()

	id := ids.Random()
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_queue (id, task_type, tier, user_id, tenant_id, payload, priority, scheduled_at, max_retries, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 0)
	`, id, taskType, tier, opts.UserID, opts.TenantID, payload, opts.Priority, scheduledAt, maxRetries)
	if err != nil {
		return "", fmt.Errorf("store: enqueue task: %w", err)
	}
	metrics.TasksEnqueuedTotal.WithLabelValues(taskType, string(tier)).Inc()
	return id, nil
}

// EnqueueFileTask enqueues a file_processing task sized by the file's
// byte count — small files use the "small" tier, large ones "medium" —
// mirroring the original's SQL-side tier assignment in enqueue_file_task.
func (s *Store) EnqueueFileTask(ctx context.Context, fileID, userID, tenantID string, sizeBytes int64) (string, error) {
	tier := types.TierSmall
	const mediumThreshold = 10 * 1024 * 1024
	if sizeBytes > mediumThreshold {
		tier = types.TierMedium
	}
	return s.Enqueue(ctx, "file_processing", tier, map[string]any{"file_id": fileID}, types.EnqueueOptions{
		UserID: userID, TenantID: tenantID,
	})
}

// Claim atomically claims up to batchSize pending tasks for tier, using
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same
// row (spec.md §4.E).
func (s *Store) Claim(ctx context.Context, tier types.Tier, workerID string, batchSize int) ([]types.Task, error) {
	defer timed("task_queue", "claim")()

	var claimed []types.Task
	err := s.withTxn(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, task_type, tier, user_id, tenant_id, payload, priority, status,
				scheduled_at, claimed_at, claimed_by, started_at, completed_at, retry_count, max_retries, result, error
			FROM task_queue
			WHERE tier = $1 AND status = 'pending' AND scheduled_at <= CURRENT_TIMESTAMP
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, tier, batchSize)
		if err != nil {
			return fmt.Errorf("store: select claimable: %w", err)
		}
		tasks, err := pgx.CollectRows(rows, pgx.RowToStructByName[types.Task])
		if err != nil {
			return fmt.Errorf("store: scan claimable: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}

		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_queue SET status = 'processing', claimed_at = CURRENT_TIMESTAMP,
				claimed_by = $2, started_at = CURRENT_TIMESTAMP
			WHERE id = ANY($1)
		`, ids, workerID); err != nil {
			return fmt.Errorf("store: mark claimed: %w", err)
		}
		claimed = tasks
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		metrics.TasksClaimedTotal.WithLabelValues(string(tier)).Add(float64(len(claimed)))
	}
	return claimed, nil
}

// Complete marks a task completed with an optional result payload.
func (s *Store) Complete(ctx context.Context, taskID string, result map[string]any) error {
	defer timed("task_queue", "complete")()
	var taskType string
	err := s.pool.QueryRow(ctx, `
		UPDATE task_queue SET status = 'completed', completed_at = CURRENT_TIMESTAMP, result = $2
		WHERE id = $1
		RETURNING task_type
	`, taskID, result).Scan(&taskType)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: complete task: %w", err)
	}
	metrics.TasksCompletedTotal.WithLabelValues(taskType).Inc()
	return nil
}

// Fail marks a task failed, applying the exponential backoff retry
// policy from spec.md §4.E: delay = 30s * 4^retry_count, capped at
// max_retries before the task is terminally failed.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string) error {
	defer timed("task_queue", "fail")()
	return s.withTxn(ctx, func(tx pgx.Tx) error {
		var retryCount, maxRetries int
		var taskType string
		if err := tx.QueryRow(ctx, `
			SELECT retry_count, max_retries, task_type FROM task_queue WHERE id = $1 FOR UPDATE
		`, taskID).Scan(&retryCount, &maxRetries, &taskType); err != nil {
			return fmt.Errorf("store: load retry state: %w", err)
		}

		if retryCount >= maxRetries {
			if _, err := tx.Exec(ctx, `
				UPDATE task_queue SET status = 'failed', error = $2, completed_at = CURRENT_TIMESTAMP,
					retry_count = retry_count + 1
				WHERE id = $1
			`, taskID, errMsg); err != nil {
				return err
			}
			metrics.TasksFailedTotal.WithLabelValues(taskType).Inc()
			return nil
		}

		backoff := 30 * time.Second * pow4(retryCount)
		if _, err := tx.Exec(ctx, `
			UPDATE task_queue SET status = 'pending', error = $2, retry_count = retry_count + 1,
				scheduled_at = CURRENT_TIMESTAMP + $3::interval, claimed_at = NULL, claimed_by = NULL
			WHERE id = $1
		`, taskID, errMsg, backoff.String()); err != nil {
			return err
		}
		metrics.TasksRetriedTotal.WithLabelValues(taskType).Inc()
		return nil
	})
}

func pow4(n int) time.Duration {
	d := time.Duration(1)
	for i := 0; i < n; i++ {
		d *= 4
	}
	return d
}

// EmitTaskEvent appends an audit row to task_events.
func (s *Store) EmitTaskEvent(ctx context.Context, taskID, event, workerID, errMsg string, detail map[string]any) error {
	defer timed("task_events", "emit")()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (id, task_id, event, worker_id, error, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
	`, ids.Random(), taskID, event, workerID, errMsg, detail)
	return err
}

// RecoverStaleTasks resets tasks stuck in "processing" beyond staleAfter
// back to pending, run by the cron-driven recover-stale job every 5 min.
func (s *Store) RecoverStaleTasks(ctx context.Context, staleAfter time.Duration) (int64, error) {
	defer timed("task_queue", "recover_stale")()
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_queue SET status = 'pending', claimed_at = NULL, claimed_by = NULL
		WHERE status = 'processing' AND started_at < CURRENT_TIMESTAMP - $1::interval
	`, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("store: recover stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EnqueueDreamingTasksForTenant enqueues a "dreaming" task for every user
// in tenantID who has had session activity since their last dream,
// called hourly by the cron-driven dreaming-enqueue job.
func (s *Store) EnqueueDreamingTasksForTenant(ctx context.Context, tenantID string) (int, error) {
	defer timed("task_queue", "enqueue_dreaming")()
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT s.user_id
		FROM sessions s
		WHERE s.tenant_id = $1 AND s.deleted_at IS NULL
		  AND s.updated_at > CURRENT_TIMESTAMP - INTERVAL '1 hour'
		  AND NOT EXISTS (
			SELECT 1 FROM task_queue tq
			WHERE tq.task_type = 'dreaming' AND tq.tenant_id = $1 AND tq.user_id = s.user_id
			  AND tq.status IN ('pending', 'processing')
		  )
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("store: select dreaming candidates: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return 0, err
		}
		userIDs = append(userIDs, uid)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, uid := range userIDs {
		if _, err := s.Enqueue(ctx, "dreaming", types.TierMedium, map[string]any{}, types.EnqueueOptions{
			UserID: uid, TenantID: tenantID,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// EnqueueNewsTaskForTenant enqueues the daily "news" task for a tenant.
func (s *Store) EnqueueNewsTaskForTenant(ctx context.Context, tenantID string) (string, error) {
	defer timed("task_queue", "enqueue_news")()
	return s.Enqueue(ctx, "news", types.TierSmall, map[string]any{}, types.EnqueueOptions{TenantID: tenantID})
}

// QueueStatsByTierStatus returns counts grouped by (tier, status), for
// the "admin queue" CLI command.
func (s *Store) QueueStatsByTierStatus(ctx context.Context) (map[string]int64, error) {
	defer timed("task_queue", "stats")()
	rows, err := s.pool.Query(ctx, `
		SELECT tier, status, COUNT(*) AS count FROM task_queue GROUP BY tier, status ORDER BY tier, status
	`)
	if err != nil {
		return nil, fmt.Errorf("store: queue stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var tier, status string
		var count int64
		if err := rows.Scan(&tier, &status, &count); err != nil {
			return nil, err
		}
		out[tier+"/"+status] = count
	}
	return out, rows.Err()
}
