package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageLimitsExceeded(t *testing.T) {
	tests := []struct {
		name         string
		limits       UsageLimits
		requests     int
		totalTokens  int
		wantExceeded bool
	}{
		{"unbounded", UsageLimits{}, 1000, 1_000_000, false},
		{"under request limit", UsageLimits{RequestLimit: 5}, 3, 0, false},
		{"over request limit", UsageLimits{RequestLimit: 5}, 6, 0, true},
		{"at request limit", UsageLimits{RequestLimit: 5}, 5, 0, false},
		{"over token limit", UsageLimits{TotalTokensLimit: 1000}, 1, 1001, true},
		{"under token limit", UsageLimits{TotalTokensLimit: 1000}, 1, 999, false},
		{"both set, only tokens exceeded", UsageLimits{RequestLimit: 10, TotalTokensLimit: 100}, 1, 200, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantExceeded, tt.limits.Exceeded(tt.requests, tt.totalTokens))
		})
	}
}

func TestDreamMomentsSchemaIsValidJSON(t *testing.T) {
	var schema map[string]any
	require.NoError(t, json.Unmarshal(DreamMomentsSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "moments")
}

func TestDreamMomentsOutputRoundTrips(t *testing.T) {
	out := DreamMomentsOutput{
		Moments: []DreamMoment{
			{
				Name:        "recurring focus on deep work",
				Summary:     "Multiple sessions this week returned to scheduling uninterrupted blocks.",
				TopicTags:   []string{"productivity", "scheduling"},
				EmotionTags: []string{"determined"},
				References: []DreamReference{
					{TargetKey: "sessions:abc-123", Relation: "dreamed_from", Weight: 0.8, Reason: "discussed time blocking"},
				},
			},
		},
	}

	data, err := json.Marshal(out)
	require.NoError(t, err)

	var roundTripped DreamMomentsOutput
	require.NoError(t, json.Unmarshal(data, &roundTripped))
	assert.Equal(t, out, roundTripped)
}

func TestDreamingSystemPromptReferencesEntityKeyFormat(t *testing.T) {
	assert.Contains(t, DreamingSystemPrompt, "sessions:<uuid>")
	assert.Contains(t, DreamingSystemPrompt, "moments:<uuid>")
}
