// Package llm runs structured-output agent turns through an
// OpenAI-compatible chat completions API (spec.md §4.F's dreaming agent),
// plus the usage-limits envelope from original_source/p8's adapter config
// that bounds a run's token/request budget before it ever calls out.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/memorycore/p8/pkg/log"
)

// UsageLimits bounds one agent run, mirroring adapter.config.limits from
// the original Python (request_limit/total_tokens_limit) so a runaway
// dreaming loop can't blow through a tenant's token budget in one call.
type UsageLimits struct {
	RequestLimit     int
	TotalTokensLimit int
}

// Exceeded reports whether usage has crossed either configured limit.
// A zero limit means "unbounded" for that dimension.
func (l UsageLimits) Exceeded(requests, totalTokens int) bool {
	if l.RequestLimit > 0 && requests > l.RequestLimit {
		return true
	}
	if l.TotalTokensLimit > 0 && totalTokens > l.TotalTokensLimit {
		return true
	}
	return false
}

// Usage reports actual token consumption from a completed run.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Requests         int
}

// RunResult is what one agent.Run call returns: the structured output
// (still raw JSON — callers unmarshal into their own schema type), the
// full message transcript for persistence, and actual usage.
type RunResult struct {
	OutputJSON []byte
	Messages   []openai.ChatCompletionMessage
	Usage      Usage
}

// DreamingSystemPrompt is the default system prompt for an Agent driving
// the dreaming handler's phase 2 structured-output turn.
const DreamingSystemPrompt = `You are a memory consolidation agent. Given a user's recent moments,
session transcripts, uploads, and referenced resources, propose a small number of
"dream" moments: higher-level insights, recurring themes, or connections across
sessions that would not be visible from any single session alone. Do not restate
verbatim transcript content. Reference source entities by their exact key
(e.g. "sessions:<uuid>", "moments:<uuid>", "files:<uuid>") wherever a proposed
moment draws on them, so the connection can be recorded as a graph edge.`

// Agent runs one structured-output turn against an OpenAI-compatible
// chat completions endpoint using JSON-schema-constrained output.
type Agent struct {
	client       *openai.Client
	model        string
	systemPrompt string
	schema       json.RawMessage
	schemaName   string
}

// NewAgent builds an Agent. schema is a JSON Schema object describing the
// structured output shape (e.g. DreamMoment's schema); schemaName is the
// name passed to the API's response_format.
func NewAgent(client *openai.Client, model, systemPrompt string, schema json.RawMessage, schemaName string) *Agent {
	return &Agent{client: client, model: model, systemPrompt: systemPrompt, schema: schema, schemaName: schemaName}
}

// Run executes one turn: systemPrompt + userPrompt in, structured JSON +
// usage out. limits is checked before the call is made — callers are
// expected to have already tracked requests/totalTokens from prior turns
// in the same session.
func (a *Agent) Run(ctx context.Context, userPrompt string, limits UsageLimits, priorRequests, priorTokens int) (*RunResult, error) {
	if limits.Exceeded(priorRequests+1, priorTokens) {
		return nil, fmt.Errorf("llm: usage limits exceeded before request (requests=%d, tokens=%d)", priorRequests, priorTokens)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   a.schemaName,
				Schema: a.schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty response")
	}

	assistantMsg := resp.Choices[0].Message
	messages = append(messages, assistantMsg)

	log.WithComponent("llm").Debug().
		Str("model", a.model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("agent turn complete")

	return &RunResult{
		OutputJSON: []byte(assistantMsg.Content),
		Messages:   messages,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Requests:         1,
		},
	}, nil
}
