package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorycore/p8/internal/types"
)

type fakeStore struct {
	planID       string
	planErr      error
	storageBytes int64
	storageErr   error
	usage        types.UsageTracking
	usageErr     error
	incUsed      int64
	incExceeded  bool
	incErr       error

	getUserPlanCalls int
}

func (f *fakeStore) UsageIncrement(ctx context.Context, userID, resourceType string, amount, limit int64) (int64, bool, error) {
	return f.incUsed, f.incExceeded, f.incErr
}

func (f *fakeStore) GetUsage(ctx context.Context, userID, resourceType string) (types.UsageTracking, error) {
	return f.usage, f.usageErr
}

func (f *fakeStore) StorageBytesUsed(ctx context.Context, userID string) (int64, error) {
	return f.storageBytes, f.storageErr
}

func (f *fakeStore) GetUserPlanID(ctx context.Context, userID, tenantID string) (string, error) {
	f.getUserPlanCalls++
	return f.planID, f.planErr
}

func TestGetLimitsDefaultsToFree(t *testing.T) {
	assert.Equal(t, planLimits["free"], GetLimits("free"))
	assert.Equal(t, planLimits["free"], GetLimits("nonexistent-plan"))
	assert.Equal(t, planLimits["enterprise"], GetLimits("enterprise"))
}

func TestLimitsField(t *testing.T) {
	l := GetLimits("pro")
	assert.Equal(t, int64(100_000), l.field("chat_tokens"))
	assert.Equal(t, int64(50*gb), l.field("storage_bytes"))
	assert.Equal(t, int64(0), l.field("not_a_real_resource"))
}

func TestGetUserPlanCaches(t *testing.T) {
	fs := &fakeStore{planID: "team"}
	svc := NewService(fs)

	planID, err := svc.GetUserPlan(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "team", planID)
	assert.Equal(t, 1, fs.getUserPlanCalls)

	// second call within planCacheTTL should hit the cache, not the store
	planID, err = svc.GetUserPlan(context.Background(), "user-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "team", planID)
	assert.Equal(t, 1, fs.getUserPlanCalls)
}

func TestGetUserPlanDefaultsToFreeOnEmpty(t *testing.T) {
	fs := &fakeStore{planID: ""}
	svc := NewService(fs)

	planID, err := svc.GetUserPlan(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, "free", planID)
}

func TestGetUserPlanPropagatesStoreError(t *testing.T) {
	fs := &fakeStore{planErr: errors.New("db down")}
	svc := NewService(fs)

	_, err := svc.GetUserPlan(context.Background(), "user-1", "")
	assert.Error(t, err)
}

func TestCheckQuotaStorageBytesComputedLive(t *testing.T) {
	fs := &fakeStore{storageBytes: 5 * gb}
	svc := NewService(fs)

	status, err := svc.CheckQuota(context.Background(), "user-1", "storage_bytes", "free")
	require.NoError(t, err)
	assert.Equal(t, int64(5*gb), status.Used)
	assert.Equal(t, int64(10*gb), status.Limit)
	assert.False(t, status.Exceeded)
}

func TestCheckQuotaStorageBytesExceeded(t *testing.T) {
	fs := &fakeStore{storageBytes: 11 * gb}
	svc := NewService(fs)

	status, err := svc.CheckQuota(context.Background(), "user-1", "storage_bytes", "free")
	require.NoError(t, err)
	assert.True(t, status.Exceeded)
}

func TestCheckQuotaUsesGrantedExtra(t *testing.T) {
	fs := &fakeStore{usage: types.UsageTracking{Used: 26_000, GrantedExtra: 2_000}}
	svc := NewService(fs)

	status, err := svc.CheckQuota(context.Background(), "user-1", "chat_tokens", "free")
	require.NoError(t, err)
	// free plan chat_tokens limit is 25_000; +2_000 granted makes 27_000
	assert.Equal(t, int64(27_000), status.Limit)
	assert.False(t, status.Exceeded)
}

func TestIncrementUsage(t *testing.T) {
	fs := &fakeStore{incUsed: 30_000, incExceeded: true}
	svc := NewService(fs)

	status, err := svc.IncrementUsage(context.Background(), "user-1", "chat_tokens", 5_000, "free")
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), status.Used)
	assert.Equal(t, int64(25_000), status.Limit)
	assert.True(t, status.Exceeded)
}

func TestGetAllUsage(t *testing.T) {
	fs := &fakeStore{
		storageBytes: 1 * gb,
		usage:        types.UsageTracking{Used: 1_000},
	}
	svc := NewService(fs)

	summary, err := svc.GetAllUsage(context.Background(), "user-1", "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", summary.PlanID)
	assert.Equal(t, int64(1_000), summary.ChatTokens.Used)
	assert.Equal(t, int64(1_000), summary.DreamingMinutes.Used)
	assert.Equal(t, int64(1*gb), summary.StorageBytes.Used)
	assert.Equal(t, int64(12), summary.DreamingIntervalHours)
	assert.Equal(t, int64(5), summary.CloudFolders)
}

func TestPlanCacheEntryExpiry(t *testing.T) {
	e := planCacheEntry{planID: "pro", at: time.Now().Add(-(planCacheTTL + time.Minute))}
	assert.True(t, time.Since(e.at) >= planCacheTTL)
}
