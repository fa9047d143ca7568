// Package usage implements plan limits and quota checking (spec.md §4.E,
// §4.F's dreaming usage post-flight), grounded on
// original_source/p8/services/usage.py's PLAN_LIMITS table and
// check_quota/increment_usage/get_all_usage functions.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
)

const (
	mb = 1024 * 1024
	gb = 1024 * mb
)

// Limits is one plan's monthly/total caps, mirroring PlanLimits.
type Limits struct {
	ChatTokens            int64
	StorageBytes          int64
	DreamingMinutes       int64
	CloudFolders          int64
	DreamingIntervalHours int64
	MaxFileSizeBytes      int64
	WorkerBytesProcessed  int64
	DreamingIOTokens      int64
}

// field returns the cap for a resource_type string, 0 if unmetered.
func (l Limits) field(resourceType string) int64 {
	switch resourceType {
	case "chat_tokens":
		return l.ChatTokens
	case "storage_bytes":
		return l.StorageBytes
	case "dreaming_minutes":
		return l.DreamingMinutes
	case "cloud_folders":
		return l.CloudFolders
	case "max_file_size_bytes":
		return l.MaxFileSizeBytes
	case "worker_bytes_processed":
		return l.WorkerBytesProcessed
	case "dreaming_io_tokens":
		return l.DreamingIOTokens
	default:
		return 0
	}
}

// planLimits is PLAN_LIMITS transliterated field-for-field.
var planLimits = map[string]Limits{
	"free":       {25_000, 10 * gb, 30, 1, 24, 10 * mb, 100 * mb, 10_000},
	"pro":        {100_000, 50 * gb, 120, 5, 12, 100 * mb, 1 * gb, 50_000},
	"team":       {100_000, 100 * gb, 180, 10, 12, 500 * mb, 5 * gb, 100_000},
	"enterprise": {250_000, 500 * gb, 360, 999, 6, 1 * gb, 50 * gb, 500_000},
}

// GetLimits returns a plan's Limits, defaulting to "free" for unknown IDs.
func GetLimits(planID string) Limits {
	if l, ok := planLimits[planID]; ok {
		return l
	}
	return planLimits["free"]
}

// Status is a resource's current usage against its plan limit.
type Status struct {
	Used     int64
	Limit    int64
	Exceeded bool
}

// Store is the persistence seam Service needs.
type Store interface {
	UsageIncrement(ctx context.Context, userID, resourceType string, amount, limit int64) (used int64, exceeded bool, err error)
	GetUsage(ctx context.Context, userID, resourceType string) (types.UsageTracking, error)
	StorageBytesUsed(ctx context.Context, userID string) (int64, error)
	GetUserPlanID(ctx context.Context, userID, tenantID string) (string, error)
}

// planCacheTTL mirrors usage.py's 5-minute in-memory plan lookup cache.
const planCacheTTL = 5 * time.Minute

type planCacheEntry struct {
	planID string
	at     time.Time
}

// Service wraps the store's usage primitives with plan-aware quota checks.
type Service struct {
	store Store

	mu    sync.Mutex
	cache map[string]planCacheEntry
}

// NewService builds a usage Service.
func NewService(store Store) *Service {
	return &Service{store: store, cache: make(map[string]planCacheEntry)}
}

// GetUserPlan returns user's plan_id, cached for planCacheTTL so a hot
// quota-check path doesn't hit the billing table on every call.
func (s *Service) GetUserPlan(ctx context.Context, userID, tenantID string) (string, error) {
	key := userID + ":" + tenantID
	s.mu.Lock()
	if e, ok := s.cache[key]; ok && time.Since(e.at) < planCacheTTL {
		s.mu.Unlock()
		return e.planID, nil
	}
	s.mu.Unlock()

	planID, err := s.store.GetUserPlanID(ctx, userID, tenantID)
	if err != nil {
		return "", fmt.Errorf("usage: get user plan: %w", err)
	}
	if planID == "" {
		planID = "free"
	}
	s.mu.Lock()
	s.cache[key] = planCacheEntry{planID: planID, at: time.Now()}
	s.mu.Unlock()
	return planID, nil
}

// CheckQuota reports current usage against the plan limit without
// incrementing. storage_bytes is computed live from the files table;
// every other resource reads usage_tracking for the current month.
func (s *Service) CheckQuota(ctx context.Context, userID, resourceType, planID string) (Status, error) {
	limit := GetLimits(planID).field(resourceType)

	if resourceType == "storage_bytes" {
		used, err := s.store.StorageBytesUsed(ctx, userID)
		if err != nil {
			return Status{}, err
		}
		return Status{Used: used, Limit: limit, Exceeded: used > limit}, nil
	}

	u, err := s.store.GetUsage(ctx, userID, resourceType)
	if err != nil {
		return Status{}, err
	}
	effective := limit + u.GrantedExtra
	return Status{Used: u.Used, Limit: effective, Exceeded: u.Used > effective}, nil
}

// IncrementUsage atomically adds amount to a resource's current-period
// counter and returns the resulting status, race-free via the store's
// usage_tracking upsert.
func (s *Service) IncrementUsage(ctx context.Context, userID, resourceType string, amount int64, planID string) (Status, error) {
	limit := GetLimits(planID).field(resourceType)
	used, exceeded, err := s.store.UsageIncrement(ctx, userID, resourceType, amount, limit)
	if err != nil {
		return Status{}, fmt.Errorf("usage: increment: %w", err)
	}
	if exceeded {
		log.WithComponent("usage").Warn().Str("user_id", userID).Str("resource", resourceType).Msg("quota exceeded")
	}
	return Status{Used: used, Limit: limit, Exceeded: exceeded}, nil
}

// Summary is the /billing/usage response shape, mirroring get_all_usage.
type Summary struct {
	PlanID                string
	ChatTokens            Status
	DreamingMinutes       Status
	StorageBytes          Status
	DreamingIntervalHours int64
	CloudFolders          int64
}

// GetAllUsage assembles the full usage summary for a user's plan.
func (s *Service) GetAllUsage(ctx context.Context, userID, planID string) (Summary, error) {
	limits := GetLimits(planID)

	chat, err := s.CheckQuota(ctx, userID, "chat_tokens", planID)
	if err != nil {
		return Summary{}, err
	}
	dreaming, err := s.CheckQuota(ctx, userID, "dreaming_minutes", planID)
	if err != nil {
		return Summary{}, err
	}
	storage, err := s.CheckQuota(ctx, userID, "storage_bytes", planID)
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		PlanID:                planID,
		ChatTokens:            chat,
		DreamingMinutes:       dreaming,
		StorageBytes:          storage,
		DreamingIntervalHours: limits.DreamingIntervalHours,
		CloudFolders:          limits.CloudFolders,
	}, nil
}
