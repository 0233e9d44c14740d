package embedder

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds configuration for the hosted embedding provider.
type OpenAIConfig struct {
	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL overrides the default API endpoint (for Azure/compatible gateways).
	BaseURL string

	// Model selects the embedding model; dimension is fixed per model,
	// matching the "1536 or 3072" egress contract.
	Model string
}

// OpenAIEmbedder implements Embedder against a hosted embeddings API.
// It is the production counterpart to OllamaEmbedder: same interface,
// higher-dimension vectors, network egress instead of a local daemon.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIEmbedder creates an embedder bound to one of the two
// dimensions permitted by configuration (1536 or 3072).
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder: API key required")
	}

	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	var dim int
	switch model {
	case string(openai.SmallEmbedding3):
		dim = 1536
	case string(openai.LargeEmbedding3):
		dim = 3072
	default:
		return nil, fmt.Errorf("openai embedder: unsupported model %q", model)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(model),
		dim:    dim,
	}, nil
}

// Embed generates an embedding vector for a single text input.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embedding vectors for multiple text inputs in a
// single request, exercising the provider's native batch support;
// unlike the Ollama path, texts are not split into fixed-size batches.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedder: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedder: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// ModelName returns the name of the embedding model being used.
func (e *OpenAIEmbedder) ModelName() string {
	return string(e.model)
}

var _ Embedder = (*OpenAIEmbedder)(nil)
