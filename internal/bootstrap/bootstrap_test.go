package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorycore/p8/internal/config"
	"github.com/memorycore/p8/internal/queue"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/internal/usage"
)

type fakeUsageStore struct {
	planID      string
	used        int64
	storageUsed int64
}

func (f *fakeUsageStore) UsageIncrement(ctx context.Context, userID, resourceType string, amount, limit int64) (int64, bool, error) {
	f.used += amount
	return f.used, f.used > limit, nil
}

func (f *fakeUsageStore) GetUsage(ctx context.Context, userID, resourceType string) (types.UsageTracking, error) {
	return types.UsageTracking{Used: f.used}, nil
}

func (f *fakeUsageStore) StorageBytesUsed(ctx context.Context, userID string) (int64, error) {
	return f.storageUsed, nil
}

func (f *fakeUsageStore) GetUserPlanID(ctx context.Context, userID, tenantID string) (string, error) {
	return f.planID, nil
}

func TestQuotaCheckerSkipsUnlistedTaskType(t *testing.T) {
	app := &App{Usage: usage.NewService(&fakeUsageStore{planID: "free"})}
	checker := app.QuotaChecker()

	ok, reason, err := checker(context.Background(), types.Task{TaskType: "file_ingest_unrelated", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestQuotaCheckerBlocksWhenExceeded(t *testing.T) {
	store := &fakeUsageStore{planID: "free", used: 10_000_000}
	app := &App{Usage: usage.NewService(store)}
	checker := app.QuotaChecker()

	ok, reason, err := checker(context.Background(), types.Task{TaskType: "dreaming", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "dreaming_minutes")
}

func TestQuotaCheckerAllowsUnderLimit(t *testing.T) {
	store := &fakeUsageStore{planID: "pro"}
	app := &App{Usage: usage.NewService(store)}
	checker := app.QuotaChecker()

	ok, _, err := checker(context.Background(), types.Task{TaskType: "file_processing", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkersBuildsOnePerTier(t *testing.T) {
	app := &App{Registry: queue.NewRegistry()}
	tiers := []types.Tier{types.TierMicro, types.TierSmall, types.TierLarge}

	workers := app.Workers(tiers, 10, 5*time.Second)
	assert.Len(t, workers, 3)
}

func TestBuildKMSDefaultsToLocalFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{KMSProvider: "local", KMSLocalKeyfile: filepath.Join(dir, "master.key")}

	backend, err := buildKMS(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, backend)
}

func TestBuildKMSVaultSelectsTransitBackend(t *testing.T) {
	cfg := &config.Config{KMSProvider: "vault", KMSVaultURL: "http://vault.local", KMSVaultTransitKey: "p8"}
	backend, err := buildKMS(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, backend)
}

func TestBuildEmbeddingProviderDefaultsToLocal(t *testing.T) {
	cfg := &config.Config{EmbeddingModel: "local:hash-512"}
	provider, err := buildEmbeddingProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "local", provider.Name())
}

func TestBuildEmbeddingProviderOpenAIRequiresKey(t *testing.T) {
	cfg := &config.Config{EmbeddingModel: "openai:text-embedding-3-small"}
	_, err := buildEmbeddingProvider(cfg)
	assert.Error(t, err)
}

func TestBuildEmbeddingProviderOpenAI(t *testing.T) {
	cfg := &config.Config{EmbeddingModel: "openai:text-embedding-3-small", OpenAIAPIKey: "sk-test"}
	provider, err := buildEmbeddingProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", provider.Name())
}
