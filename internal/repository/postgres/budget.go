package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// BudgetRepo implements repository.BudgetRepository.
//
// Usage counters are mutated with a single atomic
// "UPDATE ... SET usage_json = jsonb_set(...) RETURNING ..." statement
// so concurrent recorders never lose an increment.
type BudgetRepo struct {
	db *DB
}

// NewBudgetRepo creates a new budget repository.
func NewBudgetRepo(db *DB) *BudgetRepo {
	return &BudgetRepo{db: db}
}

var jsonKeyForDimension = map[domain.BudgetDimension]string{
	domain.BudgetTokens:       "tokens",
	domain.BudgetActions:      "actions",
	domain.BudgetAPICalls:     "api_calls",
	domain.BudgetVoiceMinutes: "voice_minutes",
	domain.BudgetStorage:      "storage",
}

func (r *BudgetRepo) Get(ctx context.Context, tenantID, siteID string) (*domain.ResourceBudget, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT tenant_id, site_id, limits_json, usage_json, reset_dates_json, overage_policy_json, updated_at
		FROM resource_budgets WHERE tenant_id = $1 AND site_id = $2
	`, tenantID, siteID)
	return scanBudget(row)
}

func scanBudget(row pgx.Row) (*domain.ResourceBudget, error) {
	var b domain.ResourceBudget
	var limitsJSON, usageJSON, resetJSON, overageJSON []byte
	err := row.Scan(&b.TenantID, &b.SiteID, &limitsJSON, &usageJSON, &resetJSON, &overageJSON, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get resource budget: %w", err)
	}
	if err := json.Unmarshal(limitsJSON, &b.Limits); err != nil {
		return nil, fmt.Errorf("failed to unmarshal limits: %w", err)
	}
	if err := json.Unmarshal(usageJSON, &b.Usage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
	}
	if err := json.Unmarshal(resetJSON, &b.ResetDates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reset dates: %w", err)
	}
	if err := json.Unmarshal(overageJSON, &b.OveragePolicy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal overage policy: %w", err)
	}
	return &b, nil
}

func (r *BudgetRepo) Create(ctx context.Context, b *domain.ResourceBudget) error {
	limitsJSON, err := json.Marshal(b.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}
	usageJSON, err := json.Marshal(b.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	resetJSON, err := json.Marshal(b.ResetDates)
	if err != nil {
		return fmt.Errorf("failed to marshal reset dates: %w", err)
	}
	overageJSON, err := json.Marshal(b.OveragePolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal overage policy: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO resource_budgets (tenant_id, site_id, limits_json, usage_json, reset_dates_json, overage_policy_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, site_id) DO NOTHING
	`, b.TenantID, b.SiteID, limitsJSON, usageJSON, resetJSON, overageJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create resource budget: %w", err)
	}
	return nil
}

// Record atomically bumps one usage dimension and returns the new
// total. When gauge is true (storage), the stored value becomes the
// larger of the current value and amount rather than accumulating:
// storage is an absolute high-water mark, not a counter.
func (r *BudgetRepo) Record(ctx context.Context, tenantID, siteID string, dim domain.BudgetDimension, amount int64, gauge bool) (int64, error) {
	key, ok := jsonKeyForDimension[dim]
	if !ok {
		return 0, fmt.Errorf("unknown budget dimension: %s", dim)
	}

	var expr string
	if gauge {
		expr = fmt.Sprintf(`GREATEST((usage_json->>'%s')::bigint, $3::bigint)`, key)
	} else {
		expr = fmt.Sprintf(`(usage_json->>'%s')::bigint + $3::bigint`, key)
	}

	var newTotal int64
	err := r.db.Pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE resource_budgets
		SET usage_json = jsonb_set(usage_json, '{%s}', to_jsonb(%s)), updated_at = now()
		WHERE tenant_id = $1 AND site_id = $2
		RETURNING (usage_json->>'%s')::bigint
	`, key, expr, key), tenantID, siteID, amount).Scan(&newTotal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to record budget usage: %w", err)
	}
	return newTotal, nil
}

func (r *BudgetRepo) Update(ctx context.Context, b *domain.ResourceBudget) error {
	limitsJSON, err := json.Marshal(b.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}
	resetJSON, err := json.Marshal(b.ResetDates)
	if err != nil {
		return fmt.Errorf("failed to marshal reset dates: %w", err)
	}
	overageJSON, err := json.Marshal(b.OveragePolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal overage policy: %w", err)
	}
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE resource_budgets
		SET limits_json = $3, reset_dates_json = $4, overage_policy_json = $5, updated_at = now()
		WHERE tenant_id = $1 AND site_id = $2
	`, b.TenantID, b.SiteID, limitsJSON, resetJSON, overageJSON)
	if err != nil {
		return fmt.Errorf("failed to update resource budget: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ResetWindow zeroes the given dimension's usage and advances its
// reset date for every budget whose window has elapsed, atomically.
// Called periodically by the budget controller's background resetter.
func (r *BudgetRepo) ResetWindow(ctx context.Context, dim domain.BudgetDimension) (int, error) {
	key, ok := jsonKeyForDimension[dim]
	if !ok {
		return 0, fmt.Errorf("unknown budget dimension: %s", dim)
	}
	resetField, window, ok := resetFieldAndWindow(dim)
	if !ok {
		return 0, fmt.Errorf("dimension %s has no reset window", dim)
	}

	result, err := r.db.Pool.Exec(ctx, fmt.Sprintf(`
		UPDATE resource_budgets
		SET usage_json = jsonb_set(usage_json, '{%s}', '0'),
		    reset_dates_json = jsonb_set(reset_dates_json, '{%s}', to_jsonb((now() + interval '%s')::timestamptz)),
		    updated_at = now()
		WHERE (reset_dates_json->>'%s')::timestamptz <= now()
	`, key, resetField, window, resetField))
	if err != nil {
		return 0, fmt.Errorf("failed to reset budget window: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func resetFieldAndWindow(dim domain.BudgetDimension) (field, interval string, ok bool) {
	switch dim {
	case domain.BudgetTokens:
		return "tokens_reset_at", "1 month", true
	case domain.BudgetVoiceMinutes:
		return "voice_minutes_reset_at", "1 month", true
	case domain.BudgetActions:
		return "actions_reset_at", "1 day", true
	case domain.BudgetAPICalls:
		return "api_calls_reset_at", "1 hour", true
	default:
		return "", "", false
	}
}

var _ repository.BudgetRepository = (*BudgetRepo)(nil)
