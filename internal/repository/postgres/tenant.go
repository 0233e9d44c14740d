package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// TenantRepo implements repository.TenantRepository.
type TenantRepo struct {
	db *DB
}

// NewTenantRepo creates a new tenant repository.
func NewTenantRepo(db *DB) *TenantRepo {
	return &TenantRepo{db: db}
}

func (r *TenantRepo) Create(ctx context.Context, t *domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, api_key, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query, t.ID, t.Name, t.APIKey, t.Tier, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (r *TenantRepo) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	return r.scanTenant(ctx, `SELECT id, name, api_key, tier, created_at, updated_at FROM tenants WHERE id = $1`, id)
}

func (r *TenantRepo) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	return r.scanTenant(ctx, `SELECT id, name, api_key, tier, created_at, updated_at FROM tenants WHERE api_key = $1`, apiKey)
}

func (r *TenantRepo) scanTenant(ctx context.Context, query string, args ...any) (*domain.Tenant, error) {
	var t domain.Tenant
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&t.ID, &t.Name, &t.APIKey, &t.Tier, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (r *TenantRepo) List(ctx context.Context, limit, offset int) ([]*domain.Tenant, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tenants: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, name, api_key, tier, created_at, updated_at
		FROM tenants ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.APIKey, &t.Tier, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, total, rows.Err()
}

func (r *TenantRepo) Update(ctx context.Context, t *domain.Tenant) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE tenants SET name = $2, tier = $3, updated_at = now() WHERE id = $1`,
		t.ID, t.Name, t.Tier)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *TenantRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ repository.TenantRepository = (*TenantRepo)(nil)
