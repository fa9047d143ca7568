package dreaming

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorycore/p8/internal/encryption"
	"github.com/memorycore/p8/internal/llm"
	"github.com/memorycore/p8/internal/types"
	"github.com/memorycore/p8/internal/usage"
)

// disabledKMS reports every tenant as having encryption disabled, so
// DecryptFields is a pass-through and tests can assert on plaintext
// content directly.
type disabledKMS struct{}

func (disabledKMS) WrapAndStoreDEK(ctx context.Context, tenantID string, dek []byte, mode types.EncryptionMode) error {
	return nil
}
func (disabledKMS) UnwrapDEK(ctx context.Context, tenantID string) ([]byte, error) { return nil, nil }
func (disabledKMS) IsDisabled(ctx context.Context, tenantID string) (bool, error)  { return true, nil }
func (disabledKMS) SetDisabled(ctx context.Context, tenantID string) error         { return nil }
func (disabledKMS) RemoveKey(ctx context.Context, tenantID string) error           { return nil }
func (disabledKMS) GetMode(ctx context.Context, tenantID string) (types.EncryptionMode, bool, error) {
	return "", false, nil
}
func (disabledKMS) StoreSealedKey(ctx context.Context, tenantID string, publicPEM []byte, origin string) error {
	return nil
}
func (disabledKMS) GetSealedPublicKey(ctx context.Context, tenantID string) ([]byte, error) {
	return nil, nil
}

func newPassthroughEncryption() *encryption.Service {
	return encryption.NewService(disabledKMS{}, "__system__")
}

type fakeStore struct {
	sessions         []types.Session
	lastMomentEnds   map[string]time.Time
	messagesAfter    map[string][]types.Message
	recentSessionMsg map[string][]types.Message
	moments          []types.Moment
	files            []types.File
	resolve          map[string]resolveResult

	upserted    []types.Moment
	appendedFor []appendCall
}

type resolveResult struct {
	entityType, entityID, summary string
	found                         bool
}

type appendCall struct {
	table, id string
	edge      types.GraphEdge
}

func (f *fakeStore) SessionsForDreaming(ctx context.Context, userID string, limit int) ([]types.Session, error) {
	return f.sessions, nil
}

func (f *fakeStore) LastMomentEndsForSession(ctx context.Context, sessionID string) (time.Time, error) {
	return f.lastMomentEnds[sessionID], nil
}

func (f *fakeStore) LoadMessagesAfter(ctx context.Context, sessionID string, after time.Time) ([]types.Message, error) {
	return f.messagesAfter[sessionID], nil
}

func (f *fakeStore) RecentSessionMessages(ctx context.Context, sessionID string, limit int) ([]types.Message, error) {
	return f.recentSessionMsg[sessionID], nil
}

func (f *fakeStore) UpsertMoment(ctx context.Context, m *types.Moment) error {
	f.upserted = append(f.upserted, *m)
	return nil
}

func (f *fakeStore) MomentsSince(ctx context.Context, tenantID, userID string, since time.Time, limit int) ([]types.Moment, error) {
	return f.moments, nil
}

func (f *fakeStore) RecentFiles(ctx context.Context, userID string, since time.Time, limit int) ([]types.File, error) {
	return f.files, nil
}

func (f *fakeStore) ResolveEntityByKey(ctx context.Context, key string) (string, string, string, bool, error) {
	r, ok := f.resolve[key]
	if !ok {
		return "", "", "", false, nil
	}
	return r.entityType, r.entityID, r.summary, r.found, nil
}

func (f *fakeStore) AppendGraphEdge(ctx context.Context, table, id string, edge types.GraphEdge) error {
	f.appendedFor = append(f.appendedFor, appendCall{table: table, id: id, edge: edge})
	return nil
}

type fakeAgent struct {
	result *llm.RunResult
	err    error
}

func (f *fakeAgent) Run(ctx context.Context, userPrompt string, limits llm.UsageLimits, priorRequests, priorTokens int) (*llm.RunResult, error) {
	return f.result, f.err
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("", "a", "b"))
	assert.Equal(t, "", firstNonEmpty())
	assert.Equal(t, "", firstNonEmpty("", ""))
	assert.Equal(t, "first", firstNonEmpty("first", "second"))
}

func TestJoinOrNone(t *testing.T) {
	assert.Equal(t, "none", joinOrNone(nil))
	assert.Equal(t, "none", joinOrNone([]string{}))
	assert.Equal(t, "a, b", joinOrNone([]string{"a", "b"}))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 2, estimateTokens("12345678"))
}

func TestConsolidateSessionBelowThresholdSkips(t *testing.T) {
	store := &fakeStore{
		messagesAfter: map[string][]types.Message{
			"sess-1": {{TokenCount: 100}, {TokenCount: 200}},
		},
	}
	h := NewHandler(store, newPassthroughEncryption(), &fakeAgent{}, usage.NewService(nil), llm.UsageLimits{})

	built, tokens, err := h.consolidateSession(context.Background(), types.Session{Envelope: types.Envelope{ID: "sess-1"}}, "tenant-1")
	require.NoError(t, err)
	assert.False(t, built)
	assert.Equal(t, 0, tokens)
	assert.Empty(t, store.upserted)
}

func TestConsolidateSessionAboveThresholdBuildsMoment(t *testing.T) {
	now := time.Now()
	store := &fakeStore{
		messagesAfter: map[string][]types.Message{
			"sess-1": {
				{Envelope: types.Envelope{ID: "m1", CreatedAt: now}, MessageType: types.MessageUser, Content: "hello", TokenCount: 3000},
				{Envelope: types.Envelope{ID: "m2", CreatedAt: now.Add(time.Minute)}, MessageType: types.MessageAssistant, Content: "world", TokenCount: 3500},
			},
		},
	}
	h := NewHandler(store, newPassthroughEncryption(), &fakeAgent{}, usage.NewService(nil), llm.UsageLimits{})

	built, tokens, err := h.consolidateSession(context.Background(), types.Session{Envelope: types.Envelope{ID: "sess-1", UserID: "user-1"}, AgentName: "default"}, "tenant-1")
	require.NoError(t, err)
	assert.True(t, built)
	assert.Equal(t, 6500, tokens)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, types.MomentSessionChunk, store.upserted[0].MomentType)
	assert.Contains(t, store.upserted[0].Summary, "hello")
	assert.Contains(t, store.upserted[0].Summary, "world")
}

func TestConsolidateSessionNoMessagesSkips(t *testing.T) {
	store := &fakeStore{}
	h := NewHandler(store, newPassthroughEncryption(), &fakeAgent{}, usage.NewService(nil), llm.UsageLimits{})

	built, tokens, err := h.consolidateSession(context.Background(), types.Session{Envelope: types.Envelope{ID: "sess-none"}}, "tenant-1")
	require.NoError(t, err)
	assert.False(t, built)
	assert.Equal(t, 0, tokens)
}

func TestHandleSkipsWhenNoUser(t *testing.T) {
	store := &fakeStore{}
	h := NewHandler(store, newPassthroughEncryption(), &fakeAgent{}, usage.NewService(nil), llm.UsageLimits{})

	result, err := h.Handle(context.Background(), types.Task{})
	require.NoError(t, err)
	assert.Equal(t, "skipped_no_user", result["status"])
}

func TestHandleRunsBothPhases(t *testing.T) {
	store := &fakeStore{}
	output := llm.DreamMomentsOutput{Moments: nil}
	raw, err := json.Marshal(output)
	require.NoError(t, err)

	agent := &fakeAgent{result: &llm.RunResult{OutputJSON: raw, Usage: llm.Usage{TotalTokens: 0}}}
	h := NewHandler(store, newPassthroughEncryption(), agent, usage.NewService(nil), llm.UsageLimits{})

	result, err := h.Handle(context.Background(), types.Task{UserID: "user-1", TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, result["io_tokens"])
}

func TestHandleContinuesAfterPhase2Error(t *testing.T) {
	store := &fakeStore{moments: []types.Moment{{Name: "x", Summary: "y"}}}
	agent := &fakeAgent{err: errors.New("llm unavailable")}
	h := NewHandler(store, newPassthroughEncryption(), agent, usage.NewService(nil), llm.UsageLimits{})

	result, err := h.Handle(context.Background(), types.Task{UserID: "user-1"})
	require.NoError(t, err)
	phase2, ok := result["phase2"].(Phase2Result)
	require.True(t, ok)
	assert.Equal(t, "error", phase2.Status)
}

func TestRunDreamingAgentSkipsWhenNoContext(t *testing.T) {
	store := &fakeStore{}
	h := NewHandler(store, newPassthroughEncryption(), &fakeAgent{}, usage.NewService(nil), llm.UsageLimits{})

	result, err := h.runDreamingAgent(context.Background(), "user-1", "tenant-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "skipped_no_context", result.Status)
}

func TestRunDreamingAgentPersistsMomentsAndEdges(t *testing.T) {
	store := &fakeStore{
		moments: []types.Moment{
			{Envelope: types.Envelope{ID: "m1"}, Name: "prior insight", Summary: "something", MomentType: types.MomentDream},
		},
		resolve: map[string]resolveResult{
			"sessions:abc": {entityType: "sessions", entityID: "abc", found: true},
		},
	}
	output := llm.DreamMomentsOutput{
		Moments: []llm.DreamMoment{
			{
				Name:    "cross-session pattern",
				Summary: "a recurring theme",
				References: []llm.DreamReference{
					{TargetKey: "sessions:abc", Relation: "dreamed_from", Weight: 0.9},
					{TargetKey: "sessions:missing"}, // unresolved, should be skipped silently
				},
			},
		},
	}
	raw, err := json.Marshal(output)
	require.NoError(t, err)
	agent := &fakeAgent{result: &llm.RunResult{OutputJSON: raw, Usage: llm.Usage{TotalTokens: 500}}}

	h := NewHandler(store, newPassthroughEncryption(), agent, usage.NewService(nil), llm.UsageLimits{})
	result, err := h.runDreamingAgent(context.Background(), "user-1", "tenant-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 1, result.MomentsBuilt)
	assert.Equal(t, 500, result.IOTokens)

	require.Len(t, store.upserted, 1)
	assert.Equal(t, types.MomentDream, store.upserted[0].MomentType)

	require.Len(t, store.appendedFor, 1)
	assert.Equal(t, "sessions", store.appendedFor[0].table)
	assert.Equal(t, "abc", store.appendedFor[0].id)
	assert.Equal(t, "dreamed_from", store.appendedFor[0].edge.Relation)
	assert.Equal(t, 0.9, store.appendedFor[0].edge.Weight)
}

func TestRunDreamingAgentDefaultsEdgeWeight(t *testing.T) {
	store := &fakeStore{
		moments: []types.Moment{{Envelope: types.Envelope{ID: "m1"}, Name: "x", Summary: "y"}},
		resolve: map[string]resolveResult{
			"moments:m1": {entityType: "moments", entityID: "m1", found: true},
		},
	}
	output := llm.DreamMomentsOutput{
		Moments: []llm.DreamMoment{
			{Name: "n", Summary: "s", References: []llm.DreamReference{{TargetKey: "moments:m1"}}},
		},
	}
	raw, err := json.Marshal(output)
	require.NoError(t, err)
	agent := &fakeAgent{result: &llm.RunResult{OutputJSON: raw, Usage: llm.Usage{TotalTokens: 10}}}

	h := NewHandler(store, newPassthroughEncryption(), agent, usage.NewService(nil), llm.UsageLimits{})
	_, err = h.runDreamingAgent(context.Background(), "user-1", "tenant-1", 1)
	require.NoError(t, err)

	require.Len(t, store.appendedFor, 1)
	assert.Equal(t, 1.0, store.appendedFor[0].edge.Weight)
	assert.Equal(t, "dreamed_from", store.appendedFor[0].edge.Relation)
}

func TestLoadDreamingContextDedupsSeenFiles(t *testing.T) {
	store := &fakeStore{
		files: []types.File{
			{Envelope: types.Envelope{ID: "file-1"}, URI: "uploads/a.txt", MimeType: "text/plain", ParsedContent: "file content"},
		},
		moments: []types.Moment{
			{
				Envelope: types.Envelope{ID: "m1", GraphEdges: []types.GraphEdge{{Target: "files:file-1"}}},
				Name:     "moment referencing upload", Summary: "summary",
			},
		},
		resolve: map[string]resolveResult{
			"files:file-1": {entityType: "files", entityID: "file-1", summary: "file content", found: true},
		},
	}
	h := NewHandler(store, newPassthroughEncryption(), &fakeAgent{}, usage.NewService(nil), llm.UsageLimits{})

	text, err := h.loadDreamingContext(context.Background(), "user-1", "tenant-1", 1)
	require.NoError(t, err)
	assert.Contains(t, text, "Recent Moments")
	assert.Contains(t, text, "Recent Uploads")
	// file-1 is already shown in Recent Uploads, so it must not duplicate
	// into Referenced Resources.
	assert.NotContains(t, text, "Referenced Resources")
}
