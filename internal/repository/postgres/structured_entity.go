package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// StructuredEntityRepo implements repository.StructuredEntityRepository.
type StructuredEntityRepo struct {
	db *DB
}

// NewStructuredEntityRepo creates a new structured entity repository.
func NewStructuredEntityRepo(db *DB) *StructuredEntityRepo {
	return &StructuredEntityRepo{db: db}
}

func (r *StructuredEntityRepo) Create(ctx context.Context, e *domain.StructuredEntity) error {
	propsJSON, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO structured_entities (id, tenant_id, site_id, document_id, type, properties_json, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.TenantID, e.SiteID, e.DocumentID, e.Type, propsJSON, e.Confidence, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create structured entity: %w", err)
	}
	return nil
}

func (r *StructuredEntityRepo) ListByDocument(ctx context.Context, tenantID, documentID string) ([]*domain.StructuredEntity, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, site_id, document_id, type, properties_json, confidence, created_at
		FROM structured_entities WHERE tenant_id = $1 AND document_id = $2
	`, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list structured entities: %w", err)
	}
	defer rows.Close()
	return scanStructuredEntities(rows)
}

func (r *StructuredEntityRepo) SearchByType(ctx context.Context, tenantID, siteID, typ, query string, limit int) ([]*domain.StructuredEntity, error) {
	sql := `
		SELECT id, tenant_id, site_id, document_id, type, properties_json, confidence, created_at
		FROM structured_entities
		WHERE tenant_id = $1 AND site_id = $2
	`
	args := []any{tenantID, siteID}
	if typ != "" {
		args = append(args, typ)
		sql += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if query != "" {
		args = append(args, "%"+query+"%")
		sql += fmt.Sprintf(" AND properties_json::text ILIKE $%d", len(args))
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY confidence DESC LIMIT $%d", len(args))

	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search structured entities: %w", err)
	}
	defer rows.Close()
	return scanStructuredEntities(rows)
}

func scanStructuredEntities(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*domain.StructuredEntity, error) {
	var out []*domain.StructuredEntity
	for rows.Next() {
		var e domain.StructuredEntity
		var propsJSON []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SiteID, &e.DocumentID, &e.Type, &propsJSON, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan structured entity: %w", err)
		}
		if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *StructuredEntityRepo) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM structured_entities WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete structured entities: %w", err)
	}
	return nil
}

var _ repository.StructuredEntityRepository = (*StructuredEntityRepo)(nil)
