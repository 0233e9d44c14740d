// Package vectorstore implements chunk + embedding persistence and
// the nearest-neighbor / full-text primitives the rest of the engine
// builds hybrid search on top of.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/rank"
	"github.com/sitespeak/kbengine/internal/repository/postgres"
)

// ErrTenantScopeMissing is returned by AnnSearch and FtsSearch (and so
// by HybridSearch) when invoked without both a tenantId and siteId;
// ChunksByDocument and ExistingEmbedding do not check it. Callers map it to
// FAIL_TENANT_SCOPE_MISSING (see internal/search).
var ErrTenantScopeMissing = errors.New("vectorstore: tenantId and siteId are required")

// IndexKind selects which ANN index structure Reindex maintains. The
// store keeps one ANN index at a time; the structure serving queries
// is chosen here at build time, since plain Postgres has no per-query
// mechanism for picking between two indexes on the same column.
type IndexKind string

const (
	// IndexHNSW is the default graph index: high recall, slow build.
	IndexHNSW IndexKind = "hnsw"
	// IndexIVFFlat is the partition-clustered alternative: clusters
	// vectors into lists, builds fast after a bulk load, lower recall.
	IndexIVFFlat IndexKind = "ivfflat"
	// IndexExact drops the ANN index entirely so queries run exact
	// full-scan nearest neighbor.
	IndexExact IndexKind = "exact"
)

// ScoredChunk is a single ranked retrieval hit.
type ScoredChunk struct {
	Chunk    *domain.Chunk
	Distance float32
	Score    float32
}

// Store persists chunks on top of a pgx pool, storing embeddings as
// native pgvector columns in the same row as the rest of the chunk so
// an upsert is one atomic statement and an embedding can never be
// orphaned from its chunk.
type Store struct {
	db *postgres.DB
}

// New creates a vector store bound to an existing connection pool.
func New(db *postgres.DB) *Store {
	return &Store{db: db}
}

// UpsertChunksRequest carries the document-scoped batch to persist.
type UpsertChunksRequest struct {
	TenantID string
	SiteID   string
	Chunks   []*domain.Chunk
}

// UpsertResult reports how many rows were newly written vs skipped
// because an unchanged (siteId, contentHash) chunk already existed.
type UpsertResult struct {
	Inserted int
	Skipped  int
}

// UpsertChunks persists a batch transactionally. A chunk whose
// (site_id, content_hash) already exists is left untouched; the
// caller is expected to have already reused its stored embedding
// rather than re-invoking the embedding provider for it.
func (s *Store) UpsertChunks(ctx context.Context, req UpsertChunksRequest) (UpsertResult, error) {
	if len(req.Chunks) == 0 {
		return UpsertResult{}, nil
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("vectorstore: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var result UpsertResult
	for _, c := range req.Chunks {
		var embedding *pgvector.Vector
		if len(c.Embedding) > 0 {
			v := pgvector.NewVector(c.Embedding)
			embedding = &v
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, tenant_id, site_id, document_id, chunk_index, content,
				cleaned_content, content_hash, token_count, locale, section, heading, selector,
				metadata_json, embedding, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (site_id, content_hash) DO NOTHING
		`, c.ID, req.TenantID, req.SiteID, c.DocumentID, c.ChunkIndex, c.Content,
			c.CleanedContent, c.ContentHash, c.TokenCount, c.Locale, c.Section, c.Heading, c.Selector,
			mustJSON(c.Metadata), embedding, c.CreatedAt)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("vectorstore: upsert chunk %s: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			result.Skipped++
		} else {
			result.Inserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("vectorstore: commit: %w", err)
	}
	return result, nil
}

// ExistingEmbedding looks up a previously stored embedding for a given
// content hash, used by the crawl orchestrator to skip re-embedding
// unchanged chunks.
func (s *Store) ExistingEmbedding(ctx context.Context, siteID, contentHash string) ([]float32, bool, error) {
	var v pgvector.Vector
	err := s.db.Pool.QueryRow(ctx,
		`SELECT embedding FROM chunks WHERE site_id = $1 AND content_hash = $2`,
		siteID, contentHash,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("vectorstore: lookup embedding: %w", err)
	}
	return v.Slice(), true, nil
}

// AnnSearchRequest parameterizes a nearest-neighbor query.
type AnnSearchRequest struct {
	TenantID  string
	SiteID    string
	Locale    string
	Embedding []float32
	K         int
}

// AnnSearch returns the k nearest chunks by cosine distance, always
// scoped to tenant and site before any distance ranking happens.
func (s *Store) AnnSearch(ctx context.Context, req AnnSearchRequest) ([]ScoredChunk, error) {
	if req.TenantID == "" || req.SiteID == "" {
		return nil, ErrTenantScopeMissing
	}
	if len(req.Embedding) == 0 {
		return nil, fmt.Errorf("vectorstore: embedding is required")
	}

	k := req.K
	if k <= 0 {
		k = 10
	}

	sql := `
		SELECT id, tenant_id, site_id, document_id, chunk_index, content, cleaned_content,
			content_hash, token_count, locale, section, heading, selector, metadata_json,
			embedding, created_at, embedding <=> $3 AS distance
		FROM chunks
		WHERE tenant_id = $1 AND site_id = $2 AND embedding IS NOT NULL
	`
	args := []any{req.TenantID, req.SiteID, pgvector.NewVector(req.Embedding)}
	if req.Locale != "" {
		args = append(args, req.Locale)
		sql += fmt.Sprintf(" AND locale = $%d", len(args))
	}
	args = append(args, k)
	sql += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: ann search: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		c, distance, err := scanChunkWithDistance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredChunk{Chunk: c, Distance: distance, Score: 1 - normalizeDistance(distance)})
	}
	return out, rows.Err()
}

// FtsSearchRequest parameterizes a full-text query.
type FtsSearchRequest struct {
	TenantID string
	SiteID   string
	Query    string
	K        int
}

// FtsSearch ranks chunks by Postgres's built-in text-search rank
// against the cleaned_content column's GIN index.
func (s *Store) FtsSearch(ctx context.Context, req FtsSearchRequest) ([]ScoredChunk, error) {
	if req.TenantID == "" || req.SiteID == "" {
		return nil, ErrTenantScopeMissing
	}
	k := req.K
	if k <= 0 {
		k = 10
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, tenant_id, site_id, document_id, chunk_index, content, cleaned_content,
			content_hash, token_count, locale, section, heading, selector, metadata_json,
			embedding, created_at,
			ts_rank(to_tsvector('english', cleaned_content), plainto_tsquery('english', $3)) AS rank
		FROM chunks
		WHERE tenant_id = $1 AND site_id = $2
			AND to_tsvector('english', cleaned_content) @@ plainto_tsquery('english', $3)
		ORDER BY rank DESC LIMIT $4
	`, req.TenantID, req.SiteID, req.Query, k)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: fts search: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		c, score, err := scanChunkWithDistance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredChunk{Chunk: c, Score: score})
	}
	return out, rows.Err()
}

// HybridSearchRequest is the single-call convenience form that fuses
// ANN and FTS internally via Reciprocal Rank Fusion.
type HybridSearchRequest struct {
	TenantID  string
	SiteID    string
	QueryText string
	Embedding []float32
	K         int
	Alpha     float32 // weight on the ANN leg; FTS gets (1 - Alpha)
}

// HybridSearch runs ANN and FTS concurrently-equivalent (sequentially
// here; the search layer is what parallelizes across strategies) and
// fuses with the
// shared RRF ranker rather than hand-rolling a second fusion formula.
func (s *Store) HybridSearch(ctx context.Context, req HybridSearchRequest) ([]ScoredChunk, error) {
	k := req.K
	if k <= 0 {
		k = 10
	}
	alpha := req.Alpha
	if alpha <= 0 {
		alpha = 0.5
	}

	annHits, err := s.AnnSearch(ctx, AnnSearchRequest{
		TenantID: req.TenantID, SiteID: req.SiteID, Embedding: req.Embedding, K: k * 2,
	})
	if err != nil {
		return nil, err
	}
	ftsHits, err := s.FtsSearch(ctx, FtsSearchRequest{
		TenantID: req.TenantID, SiteID: req.SiteID, Query: req.QueryText, K: k * 2,
	})
	if err != nil {
		return nil, err
	}

	fused := rank.Fuse([]rank.System{
		{Name: "vector", Weight: alpha, Items: toRankItems(annHits)},
		{Name: "fulltext", Weight: 1 - alpha, Items: toRankItems(ftsHits)},
	}, rank.DefaultK)

	byID := make(map[string]ScoredChunk, len(annHits)+len(ftsHits))
	for _, h := range annHits {
		byID[h.Chunk.ID] = h
	}
	for _, h := range ftsHits {
		if _, ok := byID[h.Chunk.ID]; !ok {
			byID[h.Chunk.ID] = h
		}
	}

	out := make([]ScoredChunk, 0, len(fused))
	for _, item := range fused {
		if k > 0 && len(out) >= k {
			break
		}
		hit := byID[item.ID]
		hit.Score = item.Score
		out = append(out, hit)
	}
	return out, nil
}

func toRankItems(hits []ScoredChunk) []rank.Item {
	items := make([]rank.Item, len(hits))
	for i, h := range hits {
		items[i] = rank.Item{ID: h.Chunk.ID, Rank: i}
	}
	return items
}

// ChunksByDocument returns up to limit chunks belonging to one
// document, used by the structured search strategy to turn a
// StructuredEntity
// type match into chunk-level ranked hits it can hand to the RRF
// ranker alongside the vector and FTS legs.
func (s *Store) ChunksByDocument(ctx context.Context, tenantID, documentID string, limit int) ([]ScoredChunk, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, tenant_id, site_id, document_id, chunk_index, content, cleaned_content,
			content_hash, token_count, locale, section, heading, selector, metadata_json,
			embedding, created_at, 0 AS distance
		FROM chunks WHERE tenant_id = $1 AND document_id = $2
		ORDER BY chunk_index ASC LIMIT $3
	`, tenantID, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: chunks by document: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		c, _, err := scanChunkWithDistance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredChunk{Chunk: c, Score: 1})
	}
	return out, rows.Err()
}

// DeleteByDocument removes every chunk owned by a document, e.g. ahead
// of re-ingesting it with a new chunking configuration.
func (s *Store) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("vectorstore: delete by document: %w", err)
	}
	return nil
}

// Stats reports coarse corpus size for a site.
type Stats struct {
	ChunkCount      int64
	EmbeddedCount   int64
	AvgTokenCount   float64
}

// Stats computes aggregate counters for a site's chunk corpus.
func (s *Store) Stats(ctx context.Context, tenantID, siteID string) (Stats, error) {
	var stats Stats
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(embedding), COALESCE(AVG(token_count), 0)
		FROM chunks WHERE tenant_id = $1 AND site_id = $2
	`, tenantID, siteID).Scan(&stats.ChunkCount, &stats.EmbeddedCount, &stats.AvgTokenCount)
	if err != nil {
		return Stats{}, fmt.Errorf("vectorstore: stats: %w", err)
	}
	return stats, nil
}

// Reindex rebuilds the ANN index as the requested kind. The build runs
// CONCURRENTLY so reads keep flowing while it happens; between drop
// and create, queries fall back to exact scans.
func (s *Store) Reindex(ctx context.Context, kind IndexKind) error {
	var ddl string
	switch kind {
	case IndexHNSW, "":
		ddl = `CREATE INDEX CONCURRENTLY chunks_ann_idx ON chunks
			USING hnsw (embedding vector_cosine_ops)`
	case IndexIVFFlat:
		ddl = `CREATE INDEX CONCURRENTLY chunks_ann_idx ON chunks
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`
	case IndexExact:
		ddl = ""
	default:
		return fmt.Errorf("vectorstore: unknown index kind %q", kind)
	}

	if _, err := s.db.Pool.Exec(ctx, `DROP INDEX CONCURRENTLY IF EXISTS chunks_ann_idx`); err != nil {
		return fmt.Errorf("vectorstore: drop ann index: %w", err)
	}
	if ddl == "" {
		return nil
	}
	if _, err := s.db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("vectorstore: build ann index: %w", err)
	}
	return nil
}

func scanChunkWithDistance(rows pgx.Rows) (*domain.Chunk, float32, error) {
	var c domain.Chunk
	var metadataJSON []byte
	var embedding *pgvector.Vector
	var dist float32
	err := rows.Scan(&c.ID, &c.TenantID, &c.SiteID, &c.DocumentID, &c.ChunkIndex, &c.Content,
		&c.CleanedContent, &c.ContentHash, &c.TokenCount, &c.Locale, &c.Section, &c.Heading, &c.Selector,
		&metadataJSON, &embedding, &c.CreatedAt, &dist)
	if err != nil {
		return nil, 0, fmt.Errorf("vectorstore: scan chunk: %w", err)
	}
	if embedding != nil {
		c.Embedding = embedding.Slice()
	}
	if err := unmarshalJSON(metadataJSON, &c.Metadata); err != nil {
		return nil, 0, err
	}
	return &c, dist, nil
}

// normalizeDistance clamps cosine distance (0..2) to a 0..1 range so
// score = 1 - normalized_distance lands in [0, 1].
func normalizeDistance(d float32) float32 {
	n := d / 2
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func mustJSON(m map[string]string) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func unmarshalJSON(b []byte, out *map[string]string) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("vectorstore: unmarshal metadata: %w", err)
	}
	return nil
}
