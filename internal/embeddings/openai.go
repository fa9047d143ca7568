package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider embeds text through any OpenAI-compatible REST endpoint
// (go-openai's client supports a custom BaseURL, covering self-hosted
// compatible servers as well as the real API).
type OpenAIProvider struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIProvider builds a provider against apiKey, optionally pointed
// at a custom baseURL (empty string uses the default OpenAI endpoint).
func NewOpenAIProvider(apiKey, baseURL, model string, dims int) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model, dims: dims}
}

func (p *OpenAIProvider) Name() string    { return "openai" }
func (p *OpenAIProvider) Dimensions() int { return p.dims }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: openai request: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
