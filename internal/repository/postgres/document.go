package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository.
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository.
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Upsert inserts or updates a Document keyed by its
// (tenant_id, site_id, canonical_url) uniqueness invariant.
func (r *DocumentRepo) Upsert(ctx context.Context, d *domain.Document) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO documents (id, tenant_id, site_id, canonical_url, title, lastmod, etag,
			last_modified, locale, content_hash, fetched_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, site_id, canonical_url) DO UPDATE SET
			title = EXCLUDED.title,
			lastmod = EXCLUDED.lastmod,
			etag = EXCLUDED.etag,
			last_modified = EXCLUDED.last_modified,
			locale = EXCLUDED.locale,
			content_hash = EXCLUDED.content_hash,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()
		RETURNING id
	`, d.ID, d.TenantID, d.SiteID, d.CanonicalURL, d.Title, d.Lastmod, d.ETag,
		d.LastModifiedHeader, d.Locale, d.ContentHash, d.FetchedAt, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (r *DocumentRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.Document, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, canonical_url, title, lastmod, etag, last_modified,
			locale, content_hash, fetched_at, created_at, updated_at
		FROM documents WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanDocument(row)
}

func (r *DocumentRepo) GetByCanonicalURL(ctx context.Context, tenantID, siteID, canonicalURL string) (*domain.Document, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, canonical_url, title, lastmod, etag, last_modified,
			locale, content_hash, fetched_at, created_at, updated_at
		FROM documents WHERE tenant_id = $1 AND site_id = $2 AND canonical_url = $3
	`, tenantID, siteID, canonicalURL)
	return scanDocument(row)
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var d domain.Document
	err := row.Scan(&d.ID, &d.TenantID, &d.SiteID, &d.CanonicalURL, &d.Title, &d.Lastmod, &d.ETag,
		&d.LastModifiedHeader, &d.Locale, &d.ContentHash, &d.FetchedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &d, nil
}

func (r *DocumentRepo) List(ctx context.Context, tenantID, siteID string, limit, offset int) ([]*domain.Document, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = $1 AND site_id = $2`,
		tenantID, siteID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, site_id, canonical_url, title, lastmod, etag, last_modified,
			locale, content_hash, fetched_at, created_at, updated_at
		FROM documents WHERE tenant_id = $1 AND site_id = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, tenantID, siteID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

// Delete removes a Document; chunks and structured entities cascade
// via FK ON DELETE CASCADE so embeddings can never outlive their
// document.
func (r *DocumentRepo) Delete(ctx context.Context, tenantID, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ repository.DocumentRepository = (*DocumentRepo)(nil)
