// Package postgres implements the repository interfaces on top of
// PostgreSQL via pgx, with chunk embeddings stored natively as
// pgvector columns in the same rows as their owning chunk.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Every pooled connection needs the vector type registered so
	// pgvector.Vector can be scanned/bound directly, the same way the
	// sefii engine registers it on acquire.
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies the engine's schema. Idempotent: every statement is
// guarded with IF NOT EXISTS so it is safe to run on every startup.
func (db *DB) Migrate(ctx context.Context, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL DEFAULT 'free',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			base_url TEXT NOT NULL,
			allowed_origins_json JSONB NOT NULL DEFAULT '[]',
			latest_session_id TEXT,
			config_json JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			canonical_url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			lastmod TIMESTAMPTZ,
			etag TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL DEFAULT '',
			locale TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			fetched_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, site_id, canonical_url)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			cleaned_content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			token_count INT NOT NULL,
			locale TEXT NOT NULL DEFAULT '',
			section TEXT NOT NULL DEFAULT '',
			heading TEXT NOT NULL DEFAULT '',
			selector TEXT NOT NULL DEFAULT '',
			metadata_json JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (document_id, chunk_index),
			UNIQUE (site_id, content_hash)
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS chunks_fts_idx ON chunks
			USING GIN (to_tsvector('english', cleaned_content))`,
		`CREATE INDEX IF NOT EXISTS chunks_ann_idx ON chunks
			USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS structured_entities (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			properties_json JSONB NOT NULL DEFAULT '{}',
			confidence REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS site_manifests (
			site_id TEXT NOT NULL,
			version INT NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL,
			manifest_json JSONB NOT NULL,
			PRIMARY KEY (site_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS crawl_sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			type TEXT NOT NULL,
			state TEXT NOT NULL,
			fail_reason TEXT NOT NULL DEFAULT '',
			counters_json JSONB NOT NULL DEFAULT '{}',
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS crawl_sessions_active_idx
			ON crawl_sessions (tenant_id, site_id)
			WHERE state NOT IN ('done', 'failed')`,
		`CREATE TABLE IF NOT EXISTS resource_budgets (
			tenant_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			limits_json JSONB NOT NULL,
			usage_json JSONB NOT NULL,
			reset_dates_json JSONB NOT NULL,
			overage_policy_json JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, site_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed on %q: %w", truncate(stmt, 60), err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
