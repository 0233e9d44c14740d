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

// ManifestRepo implements repository.ManifestRepository.
type ManifestRepo struct {
	db *DB
}

// NewManifestRepo creates a new manifest repository.
func NewManifestRepo(db *DB) *ManifestRepo {
	return &ManifestRepo{db: db}
}

func (r *ManifestRepo) Put(ctx context.Context, tenantID, siteID string, m *domain.SiteManifest) error {
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO site_manifests (site_id, version, generated_at, manifest_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id, version) DO UPDATE SET
			generated_at = EXCLUDED.generated_at, manifest_json = EXCLUDED.manifest_json
	`, siteID, m.Version, m.GeneratedAt, manifestJSON)
	if err != nil {
		return fmt.Errorf("failed to put site manifest: %w", err)
	}
	return nil
}

func (r *ManifestRepo) GetLatest(ctx context.Context, tenantID, siteID string) (*domain.SiteManifest, error) {
	var manifestJSON []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT manifest_json FROM site_manifests WHERE site_id = $1 ORDER BY version DESC LIMIT 1
	`, siteID).Scan(&manifestJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get site manifest: %w", err)
	}
	var m domain.SiteManifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal site manifest: %w", err)
	}
	return &m, nil
}

var _ repository.ManifestRepository = (*ManifestRepo)(nil)
