// Package dreaming implements the two-phase background consolidation job
// (spec.md §4.F): phase 1 chunks a session's unconsolidated messages into
// a session_chunk moment with pure SQL/Go, no LLM call; phase 2 runs a
// structured-output agent over a token-budgeted slice of recent memory to
// propose cross-session "dream" moments and merges their back-edges onto
// the entities they reference.
package dreaming

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/memorycore/p8/internal/encryption"
	"github.com/memorycore/p8/internal/ids"
	"github.com/memorycore/p8/internal/llm"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/internal/usage"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
)

// Token budget constants sized for a 128K-context model, mirroring the
// original handler's CONTEXT_BUDGET_RATIO split between data and room for
// the agent's own reasoning and output.
const (
	modelContextLimit    = 128_000
	contextBudgetRatio   = 0.30
	dataTokenBudget      = int(modelContextLimit * contextBudgetRatio)
	maxResourceChars     = 2000
	maxMoments           = 50
	maxMessagesPerSess   = 20
	maxResources         = 10
	defaultLookbackDays  = 1
	consolidationThresh  = 6000 // message token_count sum that triggers a session_chunk moment
	maxSessionsToCheck   = 10
	dreamingResourceType = "dreaming_io_tokens"
)

// Store is the persistence seam the dreaming handler needs.
type Store interface {
	SessionsForDreaming(ctx context.Context, userID string, limit int) ([]types.Session, error)
	LastMomentEndsForSession(ctx context.Context, sessionID string) (time.Time, error)
	LoadMessagesAfter(ctx context.Context, sessionID string, after time.Time) ([]types.Message, error)
	RecentSessionMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error)
	UpsertMoment(ctx context.Context, m *types.Moment) error
	MomentsSince(ctx context.Context, tenantID, userID string, since time.Time, limit int) ([]types.Moment, error)
	RecentFiles(ctx context.Context, userID string, since time.Time, limit int) ([]types.File, error)
	ResolveEntityByKey(ctx context.Context, key string) (entityType, entityID, summary string, found bool, err error)
	AppendGraphEdge(ctx context.Context, table, id string, edge types.GraphEdge) error
}

// Agent is the narrow seam onto a structured-output LLM call, satisfied by
// *llm.Agent.
type Agent interface {
	Run(ctx context.Context, userPrompt string, limits llm.UsageLimits, priorRequests, priorTokens int) (*llm.RunResult, error)
}

// Handler runs both phases for one "dreaming" task_queue row.
type Handler struct {
	store      Store
	encryption *encryption.Service
	agent      Agent
	usageSvc   *usage.Service
	limits     llm.UsageLimits
}

// NewHandler builds a dreaming Handler.
func NewHandler(store Store, enc *encryption.Service, agent Agent, usageSvc *usage.Service, limits llm.UsageLimits) *Handler {
	return &Handler{store: store, encryption: enc, agent: agent, usageSvc: usageSvc, limits: limits}
}

// Phase1Result reports phase 1's outcome.
type Phase1Result struct {
	Status          string `json:"status"`
	IOTokens        int    `json:"io_tokens"`
	MomentsBuilt    int    `json:"moments_built"`
	SessionsChecked int    `json:"sessions_checked"`
}

// Phase2Result reports phase 2's outcome.
type Phase2Result struct {
	Status       string `json:"status"`
	IOTokens     int    `json:"io_tokens"`
	MomentsBuilt int    `json:"moments_built"`
}

// Handle runs both phases for task, the queue.Handler entrypoint
// registered under task_type "dreaming".
func (h *Handler) Handle(ctx context.Context, task types.Task) (map[string]any, error) {
	if task.UserID == "" {
		return map[string]any{"io_tokens": 0, "status": "skipped_no_user"}, nil
	}

	logger := log.WithComponent("dreaming").With().Str("user_id", task.UserID).Logger()
	logger.Info().Msg("dreaming started")

	lookbackDays := defaultLookbackDays
	if v, ok := task.Payload["lookback_days"].(float64); ok && v > 0 {
		lookbackDays = int(v)
	}

	phase1, err := h.buildSessionMoments(ctx, task.UserID, task.TenantID)
	if err != nil {
		return nil, fmt.Errorf("dreaming: phase1: %w", err)
	}

	phase2, err := h.runDreamingAgent(ctx, task.UserID, task.TenantID, lookbackDays)
	if err != nil {
		logger.Error().Err(err).Msg("dreaming phase2 failed, phase1 still committed")
		phase2 = Phase2Result{Status: "error", IOTokens: 0}
	}

	totalTokens := phase1.IOTokens + phase2.IOTokens
	logger.Info().
		Str("phase1_status", phase1.Status).
		Str("phase2_status", phase2.Status).
		Int("total_tokens", totalTokens).
		Msg("dreaming complete")

	// Only phase 2 makes a real LLM call; phase 1's token counts are text
	// estimates from the SQL-side consolidation, not billable API usage.
	if phase2.IOTokens > 0 {
		planID, err := h.usageSvc.GetUserPlan(ctx, task.UserID, task.TenantID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to resolve plan for dreaming usage")
		} else if _, err := h.usageSvc.IncrementUsage(ctx, task.UserID, dreamingResourceType, int64(phase2.IOTokens), planID); err != nil {
			logger.Warn().Err(err).Msg("failed to record dreaming usage")
		}
	}

	return map[string]any{
		"io_tokens": totalTokens,
		"phase1":    phase1,
		"phase2":    phase2,
	}, nil
}

// buildSessionMoments is phase 1: pure SQL/Go consolidation, no LLM calls.
func (h *Handler) buildSessionMoments(ctx context.Context, userID, tenantID string) (Phase1Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DreamingPhaseDuration, "phase1")

	sessions, err := h.store.SessionsForDreaming(ctx, userID, maxSessionsToCheck)
	if err != nil {
		return Phase1Result{}, fmt.Errorf("sessions for dreaming: %w", err)
	}

	result := Phase1Result{Status: "ok", SessionsChecked: len(sessions)}
	for _, sess := range sessions {
		built, tokens, err := h.consolidateSession(ctx, sess, tenantID)
		if err != nil {
			log.WithComponent("dreaming").Warn().Err(err).Str("session_id", sess.ID).Msg("session consolidation failed")
			continue
		}
		if built {
			result.MomentsBuilt++
			result.IOTokens += tokens
		}
	}
	return result, nil
}

func (h *Handler) consolidateSession(ctx context.Context, sess types.Session, tenantID string) (built bool, tokens int, err error) {
	lastEnds, err := h.store.LastMomentEndsForSession(ctx, sess.ID)
	if err != nil {
		return false, 0, err
	}
	messages, err := h.store.LoadMessagesAfter(ctx, sess.ID, lastEnds)
	if err != nil {
		return false, 0, err
	}
	if len(messages) == 0 {
		return false, 0, nil
	}

	sum := 0
	for _, m := range messages {
		sum += m.TokenCount
	}
	if sum < consolidationThresh {
		return false, 0, nil
	}

	var lines []string
	for i := range messages {
		if err := h.encryption.DecryptFields(ctx, &messages[i], tenantID, messages[i].ID); err != nil {
			return false, 0, fmt.Errorf("decrypt message %s: %w", messages[i].ID, err)
		}
		content := messages[i].Content
		if len(content) > maxResourceChars {
			content = content[:maxResourceChars] + "..."
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", messages[i].MessageType, content))
	}
	summary := strings.Join(lines, "\n")
	if len(summary) > 4*maxResourceChars {
		summary = summary[:4*maxResourceChars] + "..."
	}

	moment := &types.Moment{
		Envelope: types.Envelope{
			ID:       ids.Random(),
			TenantID: tenantID,
			UserID:   sess.UserID,
		},
		MomentType:      types.MomentSessionChunk,
		Name:            fmt.Sprintf("Session: %s", firstNonEmpty(sess.AgentName, "unnamed")),
		Summary:         summary,
		StartsTimestamp: messages[0].CreatedAt,
		EndsTimestamp:   messages[len(messages)-1].CreatedAt,
		SourceSessionID: sess.ID,
	}
	if err := h.store.UpsertMoment(ctx, moment); err != nil {
		return false, 0, fmt.Errorf("upsert session_chunk moment: %w", err)
	}
	return true, sum, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
