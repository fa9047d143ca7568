// Package queue implements the tiered task queue worker pool (spec.md
// §4.E): one ticker-driven pool per tier (micro/small/medium/large), a
// handler registry dispatched by task_type, and the quota pre-flight /
// usage post-flight checks queue.py wraps around the raw claim/complete
// SQL functions.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
	"github.com/rs/zerolog"
)

// Store is the persistence seam the queue service needs.
type Store interface {
	Enqueue(ctx context.Context, taskType string, tier types.Tier, payload map[string]any, opts types.EnqueueOptions) (string, error)
	EnqueueFileTask(ctx context.Context, fileID, userID, tenantID string, sizeBytes int64) (string, error)
	Claim(ctx context.Context, tier types.Tier, workerID string, batchSize int) ([]types.Task, error)
	Complete(ctx context.Context, taskID string, result map[string]any) error
	Fail(ctx context.Context, taskID, errMsg string) error
	EmitTaskEvent(ctx context.Context, taskID, event, workerID, errMsg string, detail map[string]any) error
	RecoverStaleTasks(ctx context.Context, staleAfter time.Duration) (int64, error)
	QueueStatsByTierStatus(ctx context.Context) (map[string]int64, error)
}

// Handler processes one claimed task and returns its result payload.
type Handler func(ctx context.Context, task types.Task) (map[string]any, error)

// QuotaChecker runs the pre-flight quota check queue.py wraps around
// processing; returning false blocks the task with a quota_exceeded event.
type QuotaChecker func(ctx context.Context, task types.Task) (ok bool, reason string, err error)

// Service is the application-facing half of the queue: enqueue and
// introspection. Worker, further down this file, is the
// claim/process/complete loop.
type Service struct {
	store Store
}

// NewService builds a queue Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Enqueue inserts a new task.
func (s *Service) Enqueue(ctx context.Context, taskType string, tier types.Tier, payload map[string]any, opts types.EnqueueOptions) (string, error) {
	id, err := s.store.Enqueue(ctx, taskType, tier, payload, opts)
	if err != nil {
		return "", err
	}
	log.WithComponent("queue").Info().Str("task_type", taskType).Str("tier", string(tier)).Str("task_id", id).Msg("enqueued task")
	return id, nil
}

// EnqueueFile enqueues a file_processing task sized by the file's bytes.
func (s *Service) EnqueueFile(ctx context.Context, fileID, userID, tenantID string, sizeBytes int64) (string, error) {
	return s.store.EnqueueFileTask(ctx, fileID, userID, tenantID, sizeBytes)
}

// Stats returns queue counts grouped by tier/status, for "admin queue".
func (s *Service) Stats(ctx context.Context) (map[string]int64, error) {
	return s.store.QueueStatsByTierStatus(ctx)
}

// RecoverStale resets tasks stuck in "processing" past staleAfter back to
// pending — called by the cron-driven recover-stale job.
func (s *Service) RecoverStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	n, err := s.store.RecoverStaleTasks(ctx, staleAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithComponent("queue").Warn().Int64("count", n).Msg("recovered stale tasks")
	}
	return n, nil
}

// Registry maps task_type to Handler, shared by every tier's Worker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task_type.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Worker runs one tier's claim-process-complete loop on a ticker, the
// pattern borrowed from the teacher's scheduler goroutine.
type Worker struct {
	tier      types.Tier
	workerID  string
	batchSize int
	pollEvery time.Duration

	store    Store
	registry *Registry
	quota    QuotaChecker

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewWorker builds a Worker for tier, claiming up to batchSize tasks every
// pollEvery tick under workerID (typically hostname:tier:pid).
func NewWorker(store Store, registry *Registry, tier types.Tier, workerID string, batchSize int, pollEvery time.Duration, quota QuotaChecker) *Worker {
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Worker{
		tier:      tier,
		workerID:  workerID,
		batchSize: batchSize,
		pollEvery: pollEvery,
		store:     store,
		registry:  registry,
		quota:     quota,
		logger:    log.WithComponent(fmt.Sprintf("queue-worker-%s", tier)),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop halts the worker loop.
func (w *Worker) Stop() {
	close(w.stopCh)
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.tick(context.Background()); err != nil {
				w.logger.Error().Err(err).Msg("worker tick failed")
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tasks, err := w.store.Claim(ctx, w.tier, w.workerID, w.batchSize)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	for _, task := range tasks {
		w.process(ctx, task)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, task types.Task) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskHandlerDuration, task.TaskType)

	if w.quota != nil && task.UserID != "" {
		ok, reason, err := w.quota(ctx, task)
		if err != nil {
			w.logger.Error().Err(err).Str("task_id", task.ID).Msg("quota check failed")
		} else if !ok {
			metrics.QuotaExceededTotal.WithLabelValues(task.TaskType).Inc()
			_ = w.store.EmitTaskEvent(ctx, task.ID, "quota_exceeded", w.workerID, reason, map[string]any{"task_type": task.TaskType})
			_ = w.store.Fail(ctx, task.ID, reason)
			return
		}
	}

	handler, ok := w.registry.get(task.TaskType)
	if !ok {
		w.logger.Warn().Str("task_type", task.TaskType).Msg("no handler registered")
		_ = w.store.Fail(ctx, task.ID, fmt.Sprintf("no handler registered for task_type %q", task.TaskType))
		return
	}

	result, err := handler(ctx, task)
	if err != nil {
		w.logger.Warn().Err(err).Str("task_id", task.ID).Str("task_type", task.TaskType).Msg("task failed")
		_ = w.store.EmitTaskEvent(ctx, task.ID, "failed", w.workerID, err.Error(), nil)
		_ = w.store.Fail(ctx, task.ID, err.Error())
		return
	}

	if err := w.store.Complete(ctx, task.ID, result); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task complete")
		return
	}
	_ = w.store.EmitTaskEvent(ctx, task.ID, "completed", w.workerID, "", nil)
	w.logger.Info().Str("task_id", task.ID).Str("task_type", task.TaskType).Msg("completed task")
}
