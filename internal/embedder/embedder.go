// Package embedder abstracts the embedding provider behind a small
// interface so the crawl pipeline and the query path never care
// whether vectors come from a local daemon or a hosted API.
package embedder

import "context"

// Embedder turns text into fixed-dimension vectors. Implementations
// must return vectors of exactly Dimension() elements; the vector
// store rejects mismatched dimensions at upsert time.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds multiple texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}
