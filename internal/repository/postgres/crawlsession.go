package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// CrawlSessionRepo implements repository.CrawlSessionRepository.
//
// The single-active-session-per-site invariant is enforced by the
// partial unique index
// crawl_sessions_active_idx created in postgres.Migrate: at most one
// row per (tenant_id, site_id) may have a state outside {done, failed}.
type CrawlSessionRepo struct {
	db *DB
}

// NewCrawlSessionRepo creates a new crawl session repository.
func NewCrawlSessionRepo(db *DB) *CrawlSessionRepo {
	return &CrawlSessionRepo{db: db}
}

// ErrSessionConflict is returned by Create when another active session
// already exists for the (tenantId, siteId) pair.
var ErrSessionConflict = errors.New("session conflict")

func (r *CrawlSessionRepo) Create(ctx context.Context, s *domain.CrawlSession) error {
	countersJSON, err := json.Marshal(s.Counters)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO crawl_sessions (id, tenant_id, site_id, type, state, fail_reason, counters_json, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.TenantID, s.SiteID, s.Type, s.State, s.FailReason, countersJSON, s.StartedAt, s.FinishedAt, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSessionConflict
		}
		return fmt.Errorf("failed to create crawl session: %w", err)
	}
	return nil
}

func (r *CrawlSessionRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.CrawlSession, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, type, state, fail_reason, counters_json, started_at, finished_at, created_at
		FROM crawl_sessions WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanSession(row)
}

func (r *CrawlSessionRepo) GetActiveForSite(ctx context.Context, tenantID, siteID string) (*domain.CrawlSession, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, type, state, fail_reason, counters_json, started_at, finished_at, created_at
		FROM crawl_sessions
		WHERE tenant_id = $1 AND site_id = $2 AND state NOT IN ('done', 'failed')
	`, tenantID, siteID)
	return scanSession(row)
}

func (r *CrawlSessionRepo) GetLastDone(ctx context.Context, tenantID, siteID string) (*domain.CrawlSession, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, type, state, fail_reason, counters_json, started_at, finished_at, created_at
		FROM crawl_sessions
		WHERE tenant_id = $1 AND site_id = $2 AND state = 'done'
		ORDER BY finished_at DESC LIMIT 1
	`, tenantID, siteID)
	return scanSession(row)
}

func scanSession(row pgx.Row) (*domain.CrawlSession, error) {
	var s domain.CrawlSession
	var countersJSON []byte
	err := row.Scan(&s.ID, &s.TenantID, &s.SiteID, &s.Type, &s.State, &s.FailReason, &countersJSON,
		&s.StartedAt, &s.FinishedAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get crawl session: %w", err)
	}
	if err := json.Unmarshal(countersJSON, &s.Counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
	}
	return &s, nil
}

func (r *CrawlSessionRepo) Update(ctx context.Context, s *domain.CrawlSession) error {
	countersJSON, err := json.Marshal(s.Counters)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE crawl_sessions
		SET state = $3, fail_reason = $4, counters_json = $5, started_at = $6, finished_at = $7
		WHERE tenant_id = $1 AND id = $2
	`, s.TenantID, s.ID, s.State, s.FailReason, countersJSON, s.StartedAt, s.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update crawl session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *CrawlSessionRepo) List(ctx context.Context, tenantID, siteID string, limit, offset int) ([]*domain.CrawlSession, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM crawl_sessions WHERE tenant_id = $1 AND site_id = $2`,
		tenantID, siteID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count crawl sessions: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, site_id, type, state, fail_reason, counters_json, started_at, finished_at, created_at
		FROM crawl_sessions WHERE tenant_id = $1 AND site_id = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, tenantID, siteID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list crawl sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CrawlSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

var _ repository.CrawlSessionRepository = (*CrawlSessionRepo)(nil)
