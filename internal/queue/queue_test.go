package queue

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
	enqueueID    string
	enqueueErr   error
	lastTaskType string
	lastTier     types.Tier
	lastPayload  map[string]any
	lastOpts     types.EnqueueOptions

	fileTaskID string

	claimTasks []types.Task
	claimErr   error

	completed   []string
	completeErr error

	failed    []string
	failedMsg map[string]string

	events []string

	recoverCount int64
	recoverErr   error

	stats map[string]int64
}

func (f *fakeStore) Enqueue(ctx context.Context, taskType string, tier types.Tier, payload map[string]any, opts types.EnqueueOptions) (string, error) {
	f.lastTaskType = taskType
	f.lastTier = tier
	f.lastPayload = payload
	f.lastOpts = opts
	return f.enqueueID, f.enqueueErr
}

func (f *fakeStore) EnqueueFileTask(ctx context.Context, fileID, userID, tenantID string, sizeBytes int64) (string, error) {
	return f.fileTaskID, nil
}

func (f *fakeStore) Claim(ctx context.Context, tier types.Tier, workerID string, batchSize int) ([]types.Task, error) {
	return f.claimTasks, f.claimErr
}

func (f *fakeStore) Complete(ctx context.Context, taskID string, result map[string]any) error {
	f.completed = append(f.completed, taskID)
	return f.completeErr
}

func (f *fakeStore) Fail(ctx context.Context, taskID, errMsg string) error {
	f.failed = append(f.failed, taskID)
	if f.failedMsg == nil {
		f.failedMsg = map[string]string{}
	}
	f.failedMsg[taskID] = errMsg
	return nil
}

func (f *fakeStore) EmitTaskEvent(ctx context.Context, taskID, event, workerID, errMsg string, detail map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) RecoverStaleTasks(ctx context.Context, staleAfter time.Duration) (int64, error) {
	return f.recoverCount, f.recoverErr
}

func (f *fakeStore) QueueStatsByTierStatus(ctx context.Context) (map[string]int64, error) {
	return f.stats, nil
}

func TestServiceEnqueue(t *testing.T) {
	store := &fakeStore{enqueueID: "task-1"}
	svc := NewService(store)

	id, err := svc.Enqueue(context.Background(), "dreaming", types.TierSmall, map[string]any{"k": "v"}, types.EnqueueOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, "dreaming", store.lastTaskType)
	assert.Equal(t, types.TierSmall, store.lastTier)
}

func TestServiceEnqueuePropagatesError(t *testing.T) {
	store := &fakeStore{enqueueErr: errors.New("db down")}
	svc := NewService(store)

	_, err := svc.Enqueue(context.Background(), "dreaming", types.TierSmall, nil, types.EnqueueOptions{})
	assert.Error(t, err)
}

func TestServiceEnqueueFile(t *testing.T) {
	store := &fakeStore{fileTaskID: "file-task-1"}
	svc := NewService(store)

	id, err := svc.EnqueueFile(context.Background(), "file-1", "user-1", "tenant-1", 2048)
	require.NoError(t, err)
	assert.Equal(t, "file-task-1", id)
}

func TestServiceStats(t *testing.T) {
	store := &fakeStore{stats: map[string]int64{"small:pending": 3}}
	svc := NewService(store)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["small:pending"])
}

func TestServiceRecoverStale(t *testing.T) {
	store := &fakeStore{recoverCount: 5}
	svc := NewService(store)

	n, err := svc.RecoverStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register("dreaming", func(ctx context.Context, task types.Task) (map[string]any, error) {
		called = true
		return nil, nil
	})

	h, ok := reg.get("dreaming")
	require.True(t, ok)
	_, _ = h(context.Background(), types.Task{})
	assert.True(t, called)

	_, ok = reg.get("unknown")
	assert.False(t, ok)
}

func TestWorkerProcessCompletesTaskOnSuccess(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry()
	reg.Register("dreaming", func(ctx context.Context, task types.Task) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	w := NewWorker(store, reg, types.TierSmall, "worker-1", 5, time.Second, nil)

	w.process(context.Background(), types.Task{ID: "t1", TaskType: "dreaming"})
	assert.Equal(t, []string{"t1"}, store.completed)
	assert.Contains(t, store.events, "completed")
}

func TestWorkerProcessFailsTaskOnHandlerError(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry()
	reg.Register("dreaming", func(ctx context.Context, task types.Task) (map[string]any, error) {
		return nil, errors.New("handler exploded")
	})
	w := NewWorker(store, reg, types.TierSmall, "worker-1", 5, time.Second, nil)

	w.process(context.Background(), types.Task{ID: "t1", TaskType: "dreaming"})
	assert.Empty(t, store.completed)
	assert.Equal(t, []string{"t1"}, store.failed)
	assert.Contains(t, store.events, "failed")
}

func TestWorkerProcessFailsOnUnknownTaskType(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry()
	w := NewWorker(store, reg, types.TierSmall, "worker-1", 5, time.Second, nil)

	w.process(context.Background(), types.Task{ID: "t1", TaskType: "unregistered"})
	assert.Equal(t, []string{"t1"}, store.failed)
	assert.Contains(t, store.failedMsg["t1"], "no handler registered")
}

func TestWorkerProcessBlocksOnQuotaExceeded(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry()
	handlerCalled := false
	reg.Register("dreaming", func(ctx context.Context, task types.Task) (map[string]any, error) {
		handlerCalled = true
		return nil, nil
	})
	quota := func(ctx context.Context, task types.Task) (bool, string, error) {
		return false, "storage quota exceeded", nil
	}
	w := NewWorker(store, reg, types.TierSmall, "worker-1", 5, time.Second, quota)

	w.process(context.Background(), types.Task{ID: "t1", TaskType: "dreaming", UserID: "user-1"})
	assert.False(t, handlerCalled)
	assert.Equal(t, []string{"t1"}, store.failed)
	assert.Contains(t, store.events, "quota_exceeded")
}

func TestWorkerProcessSkipsQuotaCheckWithoutUser(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry()
	handlerCalled := false
	reg.Register("dreaming", func(ctx context.Context, task types.Task) (map[string]any, error) {
		handlerCalled = true
		return nil, nil
	})
	quotaCalled := false
	quota := func(ctx context.Context, task types.Task) (bool, string, error) {
		quotaCalled = true
		return true, "", nil
	}
	w := NewWorker(store, reg, types.TierSmall, "worker-1", 5, time.Second, quota)

	w.process(context.Background(), types.Task{ID: "t1", TaskType: "dreaming"})
	assert.False(t, quotaCalled)
	assert.True(t, handlerCalled)
}

func TestWorkerTickClaimsAndProcessesTasks(t *testing.T) {
	store := &fakeStore{claimTasks: []types.Task{{ID: "t1", TaskType: "dreaming"}, {ID: "t2", TaskType: "dreaming"}}}
	reg := NewRegistry()
	processed := 0
	reg.Register("dreaming", func(ctx context.Context, task types.Task) (map[string]any, error) {
		processed++
		return map[string]any{}, nil
	})
	w := NewWorker(store, reg, types.TierSmall, "worker-1", 5, time.Second, nil)

	require.NoError(t, w.tick(context.Background()))
	assert.Equal(t, 2, processed)
}

func TestWorkerTickPropagatesClaimError(t *testing.T) {
	store := &fakeStore{claimErr: errors.New("claim failed")}
	w := NewWorker(store, NewRegistry(), types.TierSmall, "worker-1", 5, time.Second, nil)

	err := w.tick(context.Background())
	assert.Error(t, err)
}

func TestNewWorkerDefaults(t *testing.T) {
	w := NewWorker(&fakeStore{}, NewRegistry(), types.TierSmall, "worker-1", 0, 0, nil)
	assert.Equal(t, 2*time.Second, w.pollEvery)
	assert.Equal(t, 5, w.batchSize)
}

func TestWorkerStartStop(t *testing.T) {
	store := &fakeStore{}
	w := NewWorker(store, NewRegistry(), types.TierSmall, "worker-1", 1, 10*time.Millisecond, nil)
	w.Start()
	time.Sleep(25 * time.Millisecond)
	w.Stop()
}
