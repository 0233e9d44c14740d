package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/extract"
)

// PipelineConfig holds configuration for the ingestion pipeline
type PipelineConfig struct {
	// Chunker configuration
	Chunker domain.ChunkerConfig

	// Additional metadata to include in all chunks
	DefaultMetadata map[string]string
}

// PipelineResult holds the result of processing content through the pipeline
type PipelineResult struct {
	// DocumentID is a unique identifier for this ingestion
	DocumentID uuid.UUID

	// ContentHash is the SHA-256 hash of the original document content
	ContentHash string

	// Chunks contains all generated chunks
	Chunks []Chunk

	// Stats contains processing statistics
	Stats PipelineStats
}

// PipelineStats contains statistics about the pipeline execution
type PipelineStats struct {
	// OriginalLength is the character length of the original content
	OriginalLength int

	// OriginalWordCount is the word count of the original content
	OriginalWordCount int

	// ChunkCount is the number of chunks generated
	ChunkCount int

	// TotalChunkWords is the total word count across all chunks (may include overlap)
	TotalChunkWords int

	// AvgChunkWords is the average word count per chunk
	AvgChunkWords int

	// ProcessingTime is how long the chunking took
	ProcessingTime time.Duration
}

// Pipeline orchestrates the ingestion process
type Pipeline struct {
	config  PipelineConfig
	chunker *Chunker
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(config PipelineConfig) *Pipeline {
	return &Pipeline{
		config:  config,
		chunker: NewChunker(config.Chunker),
	}
}

// NewPipelineWithDefaults creates a pipeline with default configuration
func NewPipelineWithDefaults() *Pipeline {
	return NewPipeline(PipelineConfig{
		Chunker: domain.ChunkerConfig{
			Method:     "semantic",
			TargetSize: 512,
			MaxSize:    1024,
			Overlap:    50,
		},
	})
}

// Process takes content and processes it through the ingestion pipeline
func (p *Pipeline) Process(ctx context.Context, content string) (*PipelineResult, error) {
	return p.ProcessWithMetadata(ctx, content, nil)
}

// ProcessWithMetadata processes content with additional metadata, tagging
// every chunk with its own content hash (for the idempotent-embedding
// invariant) and a word-count-based token estimate, in addition to the
// document-level fields shared by the whole batch.
func (p *Pipeline) ProcessWithMetadata(ctx context.Context, content string, metadata map[string]string) (*PipelineResult, error) {
	startTime := time.Now()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	documentID := uuid.New()
	contentHash := hashContent(content)

	chunks := p.chunker.Chunk(content)
	p.attachMetadata(chunks, documentID, contentHash, metadata)

	processingTime := time.Since(startTime)
	stats := p.calculateStats(content, chunks, processingTime)

	return &PipelineResult{
		DocumentID:  documentID,
		ContentHash: contentHash,
		Chunks:      chunks,
		Stats:       stats,
	}, nil
}

// ProcessBlocks processes the extractor's structured heading/paragraph
// sequence (extract.ContentResult.Blocks) instead of bare flattened
// text. When the configured method is "semantic" (the default), this
// lets the chunker prefer heading breaks and tag each chunk with its
// real section/heading rather than re-deriving structure by scanning
// already-flattened text for Markdown syntax the extractor never
// produces. Fixed/sentence methods have no notion of
// section context, so they chunk the flattened text as usual.
func (p *Pipeline) ProcessBlocks(ctx context.Context, blocks []extract.ContentBlock, metadata map[string]string) (*PipelineResult, error) {
	startTime := time.Now()

	content := strings.TrimSpace(flattenBlocks(blocks))
	if content == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	documentID := uuid.New()
	contentHash := hashContent(content)

	var chunks []Chunk
	if p.config.Chunker.Method == "" || p.config.Chunker.Method == "semantic" {
		chunks = p.chunker.ChunkBlocks(blocks)
	} else {
		chunks = p.chunker.Chunk(content)
	}
	p.attachMetadata(chunks, documentID, contentHash, metadata)

	processingTime := time.Since(startTime)
	stats := p.calculateStats(content, chunks, processingTime)

	return &PipelineResult{
		DocumentID:  documentID,
		ContentHash: contentHash,
		Chunks:      chunks,
		Stats:       stats,
	}, nil
}

func flattenBlocks(blocks []extract.ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n\n")
}

// attachMetadata tags every chunk with document-level identity fields
// plus the pipeline's/call site's default metadata, without overwriting
// metadata the chunker itself already attached (e.g. section/heading).
func (p *Pipeline) attachMetadata(chunks []Chunk, documentID uuid.UUID, contentHash string, metadata map[string]string) {
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]string)
		}

		if p.config.DefaultMetadata != nil {
			for k, v := range p.config.DefaultMetadata {
				if _, exists := chunks[i].Metadata[k]; !exists {
					chunks[i].Metadata[k] = v
				}
			}
		}
		if metadata != nil {
			for k, v := range metadata {
				if _, exists := chunks[i].Metadata[k]; !exists {
					chunks[i].Metadata[k] = v
				}
			}
		}

		chunks[i].Metadata["document_id"] = documentID.String()
		chunks[i].Metadata["document_content_hash"] = contentHash
		chunks[i].Metadata["chunk_content_hash"] = hashContent(chunks[i].Content)
		chunks[i].Metadata["token_count"] = intToString(estimateTokens(chunks[i].Content))
	}
}

// ProcessBatch processes multiple content items
func (p *Pipeline) ProcessBatch(ctx context.Context, contents []string) ([]*PipelineResult, error) {
	results := make([]*PipelineResult, 0, len(contents))

	for _, content := range contents {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result, err := p.Process(ctx, content)
		if err != nil {
			if strings.Contains(err.Error(), "cannot be empty") {
				continue
			}
			return results, fmt.Errorf("failed to process content: %w", err)
		}
		results = append(results, result)
	}

	return results, nil
}

// Rechunk allows reprocessing with a different chunking configuration
func (p *Pipeline) Rechunk(ctx context.Context, content string, chunkerConfig domain.ChunkerConfig) (*PipelineResult, error) {
	tempChunker := NewChunker(chunkerConfig)

	startTime := time.Now()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	documentID := uuid.New()
	contentHash := hashContent(content)

	chunks := tempChunker.Chunk(content)

	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]string)
		}
		chunks[i].Metadata["document_id"] = documentID.String()
		chunks[i].Metadata["document_content_hash"] = contentHash
		chunks[i].Metadata["chunk_content_hash"] = hashContent(chunks[i].Content)
		chunks[i].Metadata["token_count"] = intToString(estimateTokens(chunks[i].Content))
	}

	processingTime := time.Since(startTime)
	stats := p.calculateStats(content, chunks, processingTime)

	return &PipelineResult{
		DocumentID:  documentID,
		ContentHash: contentHash,
		Chunks:      chunks,
		Stats:       stats,
	}, nil
}

// GetConfig returns the current pipeline configuration
func (p *Pipeline) GetConfig() PipelineConfig {
	return p.config
}

// UpdateConfig updates the pipeline configuration
func (p *Pipeline) UpdateConfig(config PipelineConfig) {
	p.config = config
	p.chunker = NewChunker(config.Chunker)
}

// calculateStats computes statistics for the pipeline result
func (p *Pipeline) calculateStats(content string, chunks []Chunk, processingTime time.Duration) PipelineStats {
	originalWords := len(strings.Fields(content))

	totalChunkWords := 0
	for _, chunk := range chunks {
		totalChunkWords += len(strings.Fields(chunk.Content))
	}

	avgChunkWords := 0
	if len(chunks) > 0 {
		avgChunkWords = totalChunkWords / len(chunks)
	}

	return PipelineStats{
		OriginalLength:    len(content),
		OriginalWordCount: originalWords,
		ChunkCount:        len(chunks),
		TotalChunkWords:   totalChunkWords,
		AvgChunkWords:     avgChunkWords,
		ProcessingTime:    processingTime,
	}
}

// hashContent generates a SHA-256 hash of the content
func hashContent(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// ChunkToDomain converts a pipeline Chunk into a domain.Chunk ready for
// upsert, pulling the section/heading context the semantic chunker
// attached as metadata.
func ChunkToDomain(chunk Chunk, tenantID, siteID, documentID string) *domain.Chunk {
	return &domain.Chunk{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		SiteID:      siteID,
		DocumentID:  documentID,
		ChunkIndex:  chunk.Index,
		Content:     chunk.Content,
		ContentHash: chunk.Metadata["chunk_content_hash"],
		TokenCount:  atoiOrZero(chunk.Metadata["token_count"]),
		Section:     chunk.Metadata["section"],
		Heading:     chunk.Metadata["heading"],
		Metadata:    chunk.Metadata,
		CreatedAt:   time.Now(),
	}
}

// ChunksToDomain converts a batch of pipeline Chunks into domain.Chunks.
func ChunksToDomain(chunks []Chunk, tenantID, siteID, documentID string) []*domain.Chunk {
	out := make([]*domain.Chunk, len(chunks))
	for i, chunk := range chunks {
		out[i] = ChunkToDomain(chunk, tenantID, siteID, documentID)
	}
	return out
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// ValidateChunkerConfig validates a chunker configuration
func ValidateChunkerConfig(config domain.ChunkerConfig) error {
	validMethods := map[string]bool{
		"fixed":    true,
		"semantic": true,
		"sentence": true,
	}

	if config.Method != "" && !validMethods[config.Method] {
		return fmt.Errorf("invalid chunking method: %s (valid: fixed, semantic, sentence)", config.Method)
	}

	if config.TargetSize < 0 {
		return fmt.Errorf("target_size cannot be negative")
	}

	if config.MaxSize < 0 {
		return fmt.Errorf("max_size cannot be negative")
	}

	if config.TargetSize > 0 && config.MaxSize > 0 && config.TargetSize > config.MaxSize {
		return fmt.Errorf("target_size (%d) cannot be greater than max_size (%d)", config.TargetSize, config.MaxSize)
	}

	if config.Overlap < 0 {
		return fmt.Errorf("overlap cannot be negative")
	}

	if config.Overlap > 0 && config.TargetSize > 0 && config.Overlap >= config.TargetSize {
		return fmt.Errorf("overlap (%d) must be less than target_size (%d)", config.Overlap, config.TargetSize)
	}

	return nil
}

// DefaultChunkerConfig returns the default chunker configuration
func DefaultChunkerConfig() domain.ChunkerConfig {
	return domain.ChunkerConfig{
		Method:     "semantic",
		TargetSize: 512,
		MaxSize:    1024,
		Overlap:    50,
	}
}
