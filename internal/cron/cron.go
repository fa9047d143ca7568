// Package cron schedules the periodic maintenance jobs spec.md §4.E/§4.F
// describe in prose (recover stale tasks, fan out dreaming/news enqueues)
// using robfig/cron/v3, the same scheduling library the rest of the
// example corpus reaches for over a hand-rolled ticker for calendar-style
// schedules.
package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memorycore/p8/pkg/log"
)

// TenantLister enumerates tenants to fan dreaming/news enqueues out over.
type TenantLister interface {
	ListActiveTenantIDs(ctx context.Context) ([]string, error)
}

// QueueService is the narrow seam onto the task queue the scheduled jobs
// need.
type QueueService interface {
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// DreamingEnqueuer fans dreaming tasks out per tenant.
type DreamingEnqueuer interface {
	EnqueueDreamingTasksForTenant(ctx context.Context, tenantID string) (int, error)
}

// NewsEnqueuer enqueues the daily news task per tenant.
type NewsEnqueuer interface {
	EnqueueNewsTaskForTenant(ctx context.Context, tenantID string) (string, error)
}

// Scheduler wires the maintenance jobs onto a cron.Cron instance.
type Scheduler struct {
	cron     *cron.Cron
	tenants  TenantLister
	queue    QueueService
	dreaming DreamingEnqueuer
	news     NewsEnqueuer
}

// New builds a Scheduler. Call Register then Start.
func New(tenants TenantLister, queue QueueService, dreaming DreamingEnqueuer, news NewsEnqueuer) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cronLogAdapter{})),
		tenants:  tenants,
		queue:    queue,
		dreaming: dreaming,
		news:     news,
	}
}

// Register schedules every maintenance job. Called once before Start.
func (s *Scheduler) Register() error {
	jobs := []struct {
		spec string
		fn   func()
	}{
		{"*/5 * * * *", s.recoverStale},
		{"0 * * * *", s.enqueueDreaming},
		{"0 3 * * *", s.enqueueNews},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any running job finishes, then halts scheduling.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) recoverStale() {
	logger := log.WithComponent("cron-recover-stale")
	n, err := s.queue.RecoverStale(context.Background(), 10*time.Minute)
	if err != nil {
		logger.Error().Err(err).Msg("recover stale tasks failed")
		return
	}
	if n > 0 {
		logger.Info().Int64("count", n).Msg("recovered stale tasks")
	}
}

func (s *Scheduler) enqueueDreaming() {
	ctx := context.Background()
	logger := log.WithComponent("cron-dreaming-enqueue")
	tenantIDs, err := s.tenants.ListActiveTenantIDs(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("list active tenants failed")
		return
	}
	total := 0
	for _, tid := range tenantIDs {
		n, err := s.dreaming.EnqueueDreamingTasksForTenant(ctx, tid)
		if err != nil {
			logger.Error().Err(err).Str("tenant_id", tid).Msg("enqueue dreaming tasks failed")
			continue
		}
		total += n
	}
	if total > 0 {
		logger.Info().Int("count", total).Msg("enqueued dreaming tasks")
	}
}

func (s *Scheduler) enqueueNews() {
	ctx := context.Background()
	logger := log.WithComponent("cron-news-enqueue")
	tenantIDs, err := s.tenants.ListActiveTenantIDs(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("list active tenants failed")
		return
	}
	for _, tid := range tenantIDs {
		if _, err := s.news.EnqueueNewsTaskForTenant(ctx, tid); err != nil {
			logger.Error().Err(err).Str("tenant_id", tid).Msg("enqueue news task failed")
		}
	}
}

// cronLogAdapter routes robfig/cron's internal logging through zerolog.
type cronLogAdapter struct{}

func (cronLogAdapter) Info(msg string, keysAndValues ...any) {
	log.WithComponent("cron").Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogAdapter) Error(err error, msg string, keysAndValues ...any) {
	log.WithComponent("cron").Error().Err(err).Fields(keysAndValues).Msg(msg)
}
