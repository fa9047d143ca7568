package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTenants struct {
	ids []string
	err error
}

func (f *fakeTenants) ListActiveTenantIDs(ctx context.Context) ([]string, error) {
	return f.ids, f.err
}

type fakeQueue struct {
	recovered int64
	err       error
	called    bool
	staleArg  time.Duration
}

func (f *fakeQueue) RecoverStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	f.called = true
	f.staleArg = staleAfter
	return f.recovered, f.err
}

type fakeDreaming struct {
	perTenant map[string]int
	err       error
	seen      []string
}

func (f *fakeDreaming) EnqueueDreamingTasksForTenant(ctx context.Context, tenantID string) (int, error) {
	f.seen = append(f.seen, tenantID)
	if f.err != nil {
		return 0, f.err
	}
	return f.perTenant[tenantID], nil
}

type fakeNews struct {
	seen []string
	err  error
}

func (f *fakeNews) EnqueueNewsTaskForTenant(ctx context.Context, tenantID string) (string, error) {
	f.seen = append(f.seen, tenantID)
	if f.err != nil {
		return "", f.err
	}
	return "task-" + tenantID, nil
}

func TestRegisterSchedulesAllJobs(t *testing.T) {
	sched := New(&fakeTenants{}, &fakeQueue{}, &fakeDreaming{}, &fakeNews{})
	require.NoError(t, sched.Register())
	assert.Len(t, sched.cron.Entries(), 3)
}

func TestRecoverStaleUsesTenMinuteThreshold(t *testing.T) {
	fq := &fakeQueue{recovered: 2}
	sched := &Scheduler{queue: fq}
	sched.recoverStale()
	assert.True(t, fq.called)
	assert.Equal(t, 10*time.Minute, fq.staleArg)
}

func TestRecoverStaleHandlesError(t *testing.T) {
	fq := &fakeQueue{err: errors.New("db down")}
	sched := &Scheduler{queue: fq}
	// must not panic
	sched.recoverStale()
}

func TestEnqueueDreamingFansOutPerTenant(t *testing.T) {
	ft := &fakeTenants{ids: []string{"t1", "t2"}}
	fd := &fakeDreaming{perTenant: map[string]int{"t1": 3, "t2": 5}}
	sched := &Scheduler{tenants: ft, dreaming: fd}
	sched.enqueueDreaming()
	assert.ElementsMatch(t, []string{"t1", "t2"}, fd.seen)
}

func TestEnqueueDreamingSkipsOnTenantListError(t *testing.T) {
	ft := &fakeTenants{err: errors.New("db down")}
	fd := &fakeDreaming{}
	sched := &Scheduler{tenants: ft, dreaming: fd}
	sched.enqueueDreaming()
	assert.Empty(t, fd.seen)
}

func TestEnqueueDreamingContinuesAfterPerTenantError(t *testing.T) {
	ft := &fakeTenants{ids: []string{"t1", "t2"}}
	fd := &fakeDreaming{err: errors.New("enqueue failed")}
	sched := &Scheduler{tenants: ft, dreaming: fd}
	sched.enqueueDreaming()
	assert.Equal(t, []string{"t1", "t2"}, fd.seen)
}

func TestEnqueueNewsFansOutPerTenant(t *testing.T) {
	ft := &fakeTenants{ids: []string{"t1", "t2", "t3"}}
	fn := &fakeNews{}
	sched := &Scheduler{tenants: ft, news: fn}
	sched.enqueueNews()
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, fn.seen)
}

func TestCronLogAdapterDoesNotPanic(t *testing.T) {
	adapter := cronLogAdapter{}
	adapter.Info("test message", "key", "value")
	adapter.Error(errors.New("boom"), "test error", "key", "value")
}
