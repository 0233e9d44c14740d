package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// ollamaBatchSize bounds how many texts ride in one /api/embed call.
// Ollama accepts arbitrarily large input arrays but processes them
// serially, so moderate batches plus bounded request-level concurrency
// beat one giant request.
const ollamaBatchSize = 16

// OllamaConfig configures the local-daemon embedder. It is the
// development-time counterpart to the hosted provider: lower-dimension
// open models served from a local Ollama instance.
type OllamaConfig struct {
	// BaseURL of the Ollama daemon; defaults to http://localhost:11434.
	BaseURL string

	// Model names the embedding model; defaults to nomic-embed-text.
	Model string

	// Dimension of the model's output vectors; defaults to 768.
	Dimension int

	// Concurrency bounds simultaneous in-flight batch requests.
	Concurrency int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// OllamaEmbedder implements Embedder against a local Ollama daemon's
// batched /api/embed endpoint.
type OllamaEmbedder struct {
	baseURL     string
	model       string
	dim         int
	concurrency int
	client      *http.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder creates an embedder bound to a local Ollama daemon.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	e := &OllamaEmbedder{
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		dim:         cfg.Dimension,
		concurrency: cfg.Concurrency,
		client:      cfg.HTTPClient,
	}
	if e.baseURL == "" {
		e.baseURL = "http://localhost:11434"
	}
	if e.model == "" {
		e.model = "nomic-embed-text"
	}
	if e.dim <= 0 {
		e.dim = 768
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	return e
}

// Embed generates an embedding vector for a single text input.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits the input into fixed-size batches and embeds them
// with bounded concurrency, reassembling results in input order.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(texts); start += ollamaBatchSize {
		start := start
		end := min(start+ollamaBatchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedBatch(ctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", start, end, err)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OllamaEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama embedder: status %d: %s", resp.StatusCode, msg)
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama embedder: decode response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(parsed.Embeddings))
	}
	for i, v := range parsed.Embeddings {
		if len(v) != e.dim {
			return nil, fmt.Errorf("ollama embedder: embedding %d has dimension %d, want %d", i, len(v), e.dim)
		}
	}
	return parsed.Embeddings, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OllamaEmbedder) Dimension() int {
	return e.dim
}

// ModelName returns the name of the embedding model being used.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

var _ Embedder = (*OllamaEmbedder)(nil)
