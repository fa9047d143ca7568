package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/memorycore/p8/internal/ids"
	"github.com/memorycore/p8/internal/llm"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/pkg/log"
	"github.com/memorycore/p8/pkg/metrics"
)

// runDreamingAgent is phase 2: load a token-budgeted context window, run one
// structured-output agent turn, persist resulting moments, and merge each
// moment's back-edges onto the entities it references.
func (h *Handler) runDreamingAgent(ctx context.Context, userID, tenantID string, lookbackDays int) (Phase2Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DreamingPhaseDuration, "phase2")

	contextText, err := h.loadDreamingContext(ctx, userID, tenantID, lookbackDays)
	if err != nil {
		return Phase2Result{}, fmt.Errorf("load context: %w", err)
	}
	if strings.TrimSpace(contextText) == "" {
		return Phase2Result{Status: "skipped_no_context"}, nil
	}

	result, err := h.agent.Run(ctx, contextText, h.limits, 0, 0)
	if err != nil {
		metrics.DreamingRunsTotal.WithLabelValues("error").Inc()
		return Phase2Result{}, fmt.Errorf("agent run: %w", err)
	}

	var output llm.DreamMomentsOutput
	if err := json.Unmarshal(result.OutputJSON, &output); err != nil {
		metrics.DreamingRunsTotal.WithLabelValues("error").Inc()
		return Phase2Result{}, fmt.Errorf("unmarshal agent output: %w", err)
	}

	built := 0
	for _, dm := range output.Moments {
		if err := h.persistDreamMoment(ctx, userID, tenantID, dm); err != nil {
			log.WithComponent("dreaming").Warn().Err(err).Str("moment_name", dm.Name).Msg("failed to persist dream moment")
			continue
		}
		built++
	}

	metrics.DreamingRunsTotal.WithLabelValues("ok").Inc()
	metrics.DreamingIOTokens.Observe(float64(result.Usage.TotalTokens))

	return Phase2Result{
		Status:       "ok",
		IOTokens:     result.Usage.TotalTokens,
		MomentsBuilt: built,
	}, nil
}

// persistDreamMoment writes a dream moment row and merges a "dreamed_from"
// back-edge onto every entity it references, resolved through the KV index
// but written to the referenced entity's own canonical table — kv_store
// itself is a rebuildable projection, never a write target.
func (h *Handler) persistDreamMoment(ctx context.Context, userID, tenantID string, dm llm.DreamMoment) error {
	now := time.Now()
	momentID := ids.Random()
	moment := &types.Moment{
		Envelope: types.Envelope{
			ID:       momentID,
			TenantID: tenantID,
			UserID:   userID,
		},
		MomentType:      types.MomentDream,
		Name:            dm.Name,
		Summary:         dm.Summary,
		StartsTimestamp: now,
		EndsTimestamp:   now,
		TopicTags:       dm.TopicTags,
		EmotionTags:     dm.EmotionTags,
	}
	if err := h.store.UpsertMoment(ctx, moment); err != nil {
		return fmt.Errorf("upsert dream moment: %w", err)
	}
	metrics.MomentsCreatedTotal.WithLabelValues(string(types.MomentDream)).Inc()

	momentKey := "moments:" + momentID
	for _, ref := range dm.References {
		if ref.TargetKey == "" {
			continue
		}
		entityType, entityID, _, found, err := h.store.ResolveEntityByKey(ctx, ref.TargetKey)
		if err != nil {
			log.WithComponent("dreaming").Warn().Err(err).Str("target_key", ref.TargetKey).Msg("failed to resolve back-edge target")
			continue
		}
		if !found {
			continue
		}
		edge := types.GraphEdge{Target: momentKey, Relation: "dreamed_from", Weight: ref.Weight, Reason: ref.Reason}
		if edge.Weight == 0 {
			edge.Weight = 1.0
		}
		if err := h.store.AppendGraphEdge(ctx, entityType, entityID, edge); err != nil {
			log.WithComponent("dreaming").Warn().Err(err).Str("target_key", ref.TargetKey).Msg("failed to merge back-edge")
		}
	}
	return nil
}

// loadDreamingContext assembles moments, session excerpts, uploads, and
// referenced resources into one prompt string, staying within
// dataTokenBudget the way the original handler's section-by-section budget
// check does.
func (h *Handler) loadDreamingContext(ctx context.Context, userID, tenantID string, lookbackDays int) (string, error) {
	cutoff := time.Now().AddDate(0, 0, -lookbackDays)

	var sections []string
	tokenEstimate := 0
	referencedKeys := make(map[string]bool)

	addSection := func(text string) bool {
		t := estimateTokens(text)
		if tokenEstimate+t > dataTokenBudget {
			return false
		}
		sections = append(sections, text)
		tokenEstimate += t
		return true
	}

	moments, err := h.store.MomentsSince(ctx, tenantID, userID, cutoff, maxMoments)
	if err != nil {
		return "", fmt.Errorf("moments since: %w", err)
	}
	if len(moments) > 0 {
		var b strings.Builder
		b.WriteString("## Recent Moments\n\n")
		for _, m := range moments {
			fmt.Fprintf(&b, "### %s (%s)\n%s\nTags: %s\n\n", m.Name, m.MomentType, m.Summary, joinOrNone(m.TopicTags))
			for _, e := range m.GraphEdges {
				if e.Target != "" {
					referencedKeys[e.Target] = true
				}
			}
		}
		addSection(b.String())
	}

	sessions, err := h.store.SessionsForDreaming(ctx, userID, 5)
	if err != nil {
		return "", fmt.Errorf("sessions for context: %w", err)
	}
	seenFileIDs := make(map[string]bool)
	if len(sessions) > 0 {
		var b strings.Builder
		b.WriteString("## Recent Sessions\n\n")
		for _, sess := range sessions {
			msgs, err := h.store.RecentSessionMessages(ctx, sess.ID, maxMessagesPerSess)
			if err != nil {
				return "", fmt.Errorf("recent session messages: %w", err)
			}
			if len(msgs) == 0 {
				continue
			}
			fmt.Fprintf(&b, "### Session: %s\n", firstNonEmpty(sess.AgentName, "unnamed"))
			for i := range msgs {
				if err := h.encryption.DecryptFields(ctx, &msgs[i], tenantID, msgs[i].ID); err != nil {
					continue
				}
				content := msgs[i].Content
				if len(content) > 500 {
					content = content[:500] + "..."
				}
				fmt.Fprintf(&b, "[%s] %s\n", msgs[i].MessageType, content)
			}
			b.WriteString("\n")
		}
		addSection(b.String())
	}

	files, err := h.store.RecentFiles(ctx, userID, cutoff, maxResources)
	if err != nil {
		return "", fmt.Errorf("recent files: %w", err)
	}
	if len(files) > 0 {
		var b strings.Builder
		b.WriteString("## Recent Uploads\n\n")
		for _, f := range files {
			content := f.ParsedContent
			if len(content) > maxResourceChars {
				content = content[:maxResourceChars] + "..."
			}
			fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", f.URI, f.MimeType, content)
			seenFileIDs[f.ID] = true
		}
		addSection(b.String())
	}

	if len(referencedKeys) > 0 {
		var b strings.Builder
		b.WriteString("## Referenced Resources\n\n")
		lookedUp := 0
		for key := range referencedKeys {
			if lookedUp >= maxResources {
				break
			}
			entityType, entityID, summary, found, err := h.store.ResolveEntityByKey(ctx, key)
			if err != nil || !found {
				continue
			}
			if entityType == "files" && seenFileIDs[entityID] {
				continue
			}
			if summary != "" {
				fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", key, entityType, summary)
				lookedUp++
			}
		}
		if lookedUp > 0 {
			addSection(b.String())
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

func joinOrNone(tags []string) string {
	if len(tags) == 0 {
		return "none"
	}
	return strings.Join(tags, ", ")
}

// estimateTokens is a coarse 4-chars-per-token heuristic, sufficient for
// staying inside a budget without a real tokenizer dependency.
func estimateTokens(text string) int {
	return len(text) / 4
}
