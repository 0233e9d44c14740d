package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// SiteRepo implements repository.SiteRepository.
type SiteRepo struct {
	db *DB
}

// NewSiteRepo creates a new site repository.
func NewSiteRepo(db *DB) *SiteRepo {
	return &SiteRepo{db: db}
}

func (r *SiteRepo) Create(ctx context.Context, s *domain.Site) error {
	originsJSON, err := json.Marshal(s.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed origins: %w", err)
	}
	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal site config: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO sites (id, tenant_id, base_url, allowed_origins_json, config_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.TenantID, s.BaseURL, originsJSON, configJSON, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}
	return nil
}

func (r *SiteRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.Site, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, base_url, allowed_origins_json, latest_session_id, config_json, created_at, updated_at
		FROM sites WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanSite(row)
}

func scanSite(row pgx.Row) (*domain.Site, error) {
	var s domain.Site
	var originsJSON, configJSON []byte
	var latestSessionID *string
	err := row.Scan(&s.ID, &s.TenantID, &s.BaseURL, &originsJSON, &latestSessionID, &configJSON, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	if latestSessionID != nil {
		s.LatestSessionID = *latestSessionID
	}
	if err := json.Unmarshal(originsJSON, &s.AllowedOrigins); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowed origins: %w", err)
	}
	if err := json.Unmarshal(configJSON, &s.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal site config: %w", err)
	}
	return &s, nil
}

func (r *SiteRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Site, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM sites WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sites: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, base_url, allowed_origins_json, latest_session_id, config_json, created_at, updated_at
		FROM sites WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []*domain.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, 0, err
		}
		sites = append(sites, s)
	}
	return sites, total, rows.Err()
}

func (r *SiteRepo) Update(ctx context.Context, s *domain.Site) error {
	originsJSON, err := json.Marshal(s.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed origins: %w", err)
	}
	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal site config: %w", err)
	}
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE sites SET base_url = $3, allowed_origins_json = $4, config_json = $5, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`, s.TenantID, s.ID, s.BaseURL, originsJSON, configJSON)
	if err != nil {
		return fmt.Errorf("failed to update site: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SiteRepo) Delete(ctx context.Context, tenantID, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM sites WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SiteRepo) SetLatestSession(ctx context.Context, tenantID, siteID, sessionID string) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE sites SET latest_session_id = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2
	`, tenantID, siteID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set latest session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ repository.SiteRepository = (*SiteRepo)(nil)
