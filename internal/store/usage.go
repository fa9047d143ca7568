package store

import (
	"context"
	"fmt"
	"time"

	"github.com/memorycore/p8/internal/types"
)

// UsageIncrement atomically increments a user's usage_tracking row for the
// current month and returns the new total along with whether it now
// exceeds limit, implementing the race-free usage_increment() SQL
// function referenced throughout queue.py/usage.py.
func (s *Store) UsageIncrement(ctx context.Context, userID, resourceType string, amount, limit int64) (used int64, exceeded bool, err error) {
	defer timed("usage_tracking", "increment")()
	periodStart := time.Now().UTC().Truncate(24 * time.Hour)
	periodStart = time.Date(periodStart.Year(), periodStart.Month(), 1, 0, 0, 0, 0, time.UTC)

	err = s.pool.QueryRow(ctx, `
		INSERT INTO usage_tracking (user_id, resource_type, period_start, used, granted_extra)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (user_id, resource_type, period_start) DO UPDATE SET
			used = usage_tracking.used + EXCLUDED.used
		RETURNING used, (used > $5 + granted_extra)
	`, userID, resourceType, periodStart, amount, limit).Scan(&used, &exceeded)
	if err != nil {
		return 0, false, fmt.Errorf("store: usage increment: %w", err)
	}
	return used, exceeded, nil
}

// GetUsage returns the current period's used/granted_extra for a resource,
// zero-valued if no row exists yet.
func (s *Store) GetUsage(ctx context.Context, userID, resourceType string) (types.UsageTracking, error) {
	defer timed("usage_tracking", "get")()
	periodStart := time.Now().UTC()
	periodStart = time.Date(periodStart.Year(), periodStart.Month(), 1, 0, 0, 0, 0, time.UTC)

	var u types.UsageTracking
	u.UserID, u.ResourceType, u.PeriodStart = userID, resourceType, periodStart
	err := s.pool.QueryRow(ctx, `
		SELECT used, granted_extra FROM usage_tracking
		WHERE user_id = $1 AND resource_type = $2 AND period_start = $3
	`, userID, resourceType, periodStart).Scan(&u.Used, &u.GrantedExtra)
	if err != nil {
		return u, nil // no row yet — zero usage, not an error
	}
	return u, nil
}

// GetUserPlanID looks up a user's active plan_id, defaulting to "free"
// when no subscription row exists. tenantID may be empty for a personal
// account, matched with IS NOT DISTINCT FROM so NULL tenant rows resolve.
func (s *Store) GetUserPlanID(ctx context.Context, userID, tenantID string) (string, error) {
	defer timed("stripe_customers", "get_plan")()
	var tid *string
	if tenantID != "" {
		tid = &tenantID
	}
	var planID string
	err := s.pool.QueryRow(ctx, `
		SELECT plan_id FROM stripe_customers
		WHERE user_id = $1 AND tenant_id IS NOT DISTINCT FROM $2 AND deleted_at IS NULL
	`, userID, tid).Scan(&planID)
	if err != nil {
		return "free", nil
	}
	return planID, nil
}

// StorageBytesUsed computes a user's total live storage on the fly, since
// storage is metered from the files table rather than usage_tracking.
func (s *Store) StorageBytesUsed(ctx context.Context, userID string) (int64, error) {
	defer timed("files", "storage_used")()
	var used int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM files WHERE user_id = $1 AND deleted_at IS NULL
	`, userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("store: storage bytes used: %w", err)
	}
	return used, nil
}
