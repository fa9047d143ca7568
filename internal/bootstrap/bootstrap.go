// Package bootstrap wires config, logging, metrics, storage, encryption,
// embeddings, the task queue, cron, and dreaming into one running
// application, mirroring the dependency graph a teacher binary's main.go
// would assemble by hand rather than through a DI framework.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/memorycore/p8/internal/config"
	"github.com/memorycore/p8/internal/cron"
	"github.com/memorycore/p8/internal/dialect"
	"github.com/memorycore/p8/internal/dreaming"
	"github.com/memorycore/p8/internal/embeddings"
	"github.com/memorycore/p8/internal/encryption"
	"github.com/memorycore/p8/internal/kms"
	"github.com/memorycore/p8/internal/llm"
	"github.com/memorycore/p8/internal/queue"
	"github.com/memorycore/p8/internal/store"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/internal/usage"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
)

// taskQuotaResource maps a task_type to the plan resource it should be
// checked against before a worker spends time processing it; task types
// with no entry skip the quota pre-flight entirely.
var taskQuotaResource = map[string]string{
	"file_processing": "worker_bytes_processed",
	"dreaming":        "dreaming_minutes",
}

// App holds every wired component a cmd/p8 subcommand might need.
type App struct {
	Config     *config.Config
	Store      *store.Store
	KMS        kms.KMS
	Encryption *encryption.Service
	Embeddings *embeddings.Service
	Queue      *queue.Service
	Registry   *queue.Registry
	Dreaming   *dreaming.Handler
	Dialect    *dialect.Executor
	Usage      *usage.Service
	Cron       *cron.Scheduler
}

// New wires every component from cfg. It opens the database pool and the
// configured KMS backend but does not start any background loop — callers
// decide which of Queue/Cron/Embeddings.Run to start for their subcommand.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	st, err := store.New(ctx, cfg.DatabaseURL, cfg.PoolMinConns, cfg.PoolMaxConns)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open store: %w", err)
	}

	kmsBackend, err := buildKMS(cfg, st)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build kms: %w", err)
	}

	encSvc := encryption.NewService(kmsBackend, cfg.SystemTenantID)
	if err := encSvc.EnsureSystemKey(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: ensure system key: %w", err)
	}

	embedProvider, err := buildEmbeddingProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build embedding provider: %w", err)
	}
	embedSvc := embeddings.NewService(st, embedProvider, encSvc, 20)

	usageSvc := usage.NewService(st)
	registry := queue.NewRegistry()
	queueSvc := queue.NewService(st)
	dialectExec := dialect.New(st, embedProvider)

	agent := buildDreamingAgent(cfg)
	dreamingHandler := dreaming.NewHandler(st, encSvc, agent, usageSvc, llm.UsageLimits{
		RequestLimit:     1,
		TotalTokensLimit: 40_000,
	})
	registry.Register("dreaming", dreamingHandler.Handle)

	cronSched := cron.New(st, queueSvc, st, st)

	return &App{
		Config:     cfg,
		Store:      st,
		KMS:        kmsBackend,
		Encryption: encSvc,
		Embeddings: embedSvc,
		Queue:      queueSvc,
		Registry:   registry,
		Dreaming:   dreamingHandler,
		Dialect:    dialectExec,
		Usage:      usageSvc,
		Cron:       cronSched,
	}, nil
}

// Close releases the database pool.
func (a *App) Close() {
	a.Store.Close()
}

// ServeMetrics runs the Prometheus /metrics endpoint until ctx is canceled.
func (a *App) ServeMetrics(ctx context.Context) error {
	srv := &http.Server{Addr: a.Config.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.WithComponent("bootstrap").Info().Str("addr", a.Config.MetricsAddr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildKMS(cfg *config.Config, st *store.Store) (kms.KMS, error) {
	switch cfg.KMSProvider {
	case "vault", "transit":
		refresh := func(ctx context.Context) (string, error) {
			if cfg.KMSVaultToken == "" {
				return "", fmt.Errorf("kms: P8_KMS_VAULT_TOKEN not configured")
			}
			return cfg.KMSVaultToken, nil
		}
		return kms.NewTransitKMS(cfg.KMSVaultURL, cfg.KMSVaultTransitKey, st, refresh), nil
	default:
		return kms.NewLocalFileKMS(cfg.KMSLocalKeyfile, st)
	}
}

func buildEmbeddingProvider(cfg *config.Config) (embeddings.Provider, error) {
	provider, model, _ := strings.Cut(cfg.EmbeddingModel, ":")
	switch provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("embeddings: P8_OPENAI_API_KEY not configured for provider %q", provider)
		}
		return embeddings.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model, 1536), nil
	default:
		return embeddings.NewLocalProvider(1536), nil
	}
}

// QuotaChecker returns the queue.QuotaChecker wired to the usage service,
// blocking a task only for task types listed in taskQuotaResource.
func (a *App) QuotaChecker() queue.QuotaChecker {
	return func(ctx context.Context, task types.Task) (bool, string, error) {
		resource, ok := taskQuotaResource[task.TaskType]
		if !ok {
			return true, "", nil
		}
		planID, err := a.Usage.GetUserPlan(ctx, task.UserID, task.TenantID)
		if err != nil {
			return false, "", err
		}
		status, err := a.Usage.CheckQuota(ctx, task.UserID, resource, planID)
		if err != nil {
			return false, "", err
		}
		if status.Exceeded {
			return false, fmt.Sprintf("%s quota exceeded (%d/%d)", resource, status.Used, status.Limit), nil
		}
		return true, "", nil
	}
}

// Workers builds one queue.Worker per configured tier, ready to Start.
func (a *App) Workers(tiers []types.Tier, batchSize int, pollEvery time.Duration) []*queue.Worker {
	hostname, _ := os.Hostname()
	workers := make([]*queue.Worker, 0, len(tiers))
	for _, tier := range tiers {
		workerID := fmt.Sprintf("%s:%s:%d", hostname, tier, os.Getpid())
		workers = append(workers, queue.NewWorker(a.Store, a.Registry, tier, workerID, batchSize, pollEvery, a.QuotaChecker()))
	}
	return workers
}

func buildDreamingAgent(cfg *config.Config) *llm.Agent {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)
	return llm.NewAgent(client, "gpt-4.1-mini", llm.DreamingSystemPrompt, llm.DreamMomentsSchema, "dream_moments")
}
