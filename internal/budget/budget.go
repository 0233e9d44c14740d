// Package budget implements per-(tenant, site) resource quota
// check/record with windowed resets, built on the repository's
// atomic UPDATE ... RETURNING usage mutation and its
// cleanupLoop ticker pattern (internal/memory/memory.go) generalized
// to a window-reset background goroutine.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// ErrBudgetExceeded is returned by Check when a dimension is exhausted
// and its overage policy disallows proceeding.
var ErrBudgetExceeded = errors.New("budget exceeded")

// WarningLowThreshold and WarningHighThreshold are the usage ratios
// at which responses start carrying a warning annotation.
const (
	WarningLowThreshold  = 0.75
	WarningHighThreshold = 0.90
)

// TierDefaults maps a tenant tier to the BudgetLimits materialized the
// first time a (tenantId, siteId) pair is seen without a registered
// budget.
var TierDefaults = map[string]domain.BudgetLimits{
	"free": {
		TokensPerMonth:    1_000_000,
		ActionsPerDay:     200,
		APICallsPerHour:   500,
		VoiceMinutesMonth: 60,
		StorageBytes:      500 * 1024 * 1024,
	},
	"pro": {
		TokensPerMonth:    20_000_000,
		ActionsPerDay:     5_000,
		APICallsPerHour:   10_000,
		VoiceMinutesMonth: 2_000,
		StorageBytes:      20 * 1024 * 1024 * 1024,
	},
	"enterprise": {
		TokensPerMonth:    500_000_000,
		ActionsPerDay:     100_000,
		APICallsPerHour:   200_000,
		VoiceMinutesMonth: 50_000,
		StorageBytes:      500 * 1024 * 1024 * 1024,
	},
}

// DefaultTier is used when a tenant's tier is unrecognized.
const DefaultTier = "free"

// Controller enforces quotas against a BudgetRepository.
type Controller struct {
	repo        repository.BudgetRepository
	logger      *slog.Logger
	defaultTier string
}

// Option configures a Controller.
type Option func(*Controller)

// WithDefaultTier overrides the tier whose limits are materialized for
// callers that don't name one. Unknown tiers still fall back to
// DefaultTier.
func WithDefaultTier(tier string) Option {
	return func(c *Controller) {
		if tier != "" {
			c.defaultTier = tier
		}
	}
}

// New creates a budget controller.
func New(repo repository.BudgetRepository, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{repo: repo, logger: logger, defaultTier: DefaultTier}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckRequest parameterizes a quota check.
type CheckRequest struct {
	TenantID string
	SiteID   string
	Tier     string
	Type     domain.BudgetDimension
	Amount   int64
}

// CheckResult reports whether the amount fits within budget.
type CheckResult struct {
	Allowed        bool
	Remaining      int64
	Budget         *domain.ResourceBudget
	OverageAllowed bool
	EstimatedCost  float64
	ResetTime      time.Time
}

// Check verifies a dimension has room for amount. A pair with no
// registered budget gets a tier-default budget materialized on first
// use.
func (c *Controller) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	b, err := c.getOrCreate(ctx, req.TenantID, req.SiteID, req.Tier)
	if err != nil {
		return CheckResult{}, err
	}

	limit, used := dimensionValues(b, req.Type)
	remaining := limit - used
	resetTime := dimensionResetTime(b, req.Type)
	unitCost := b.OveragePolicy.UnitCosts[string(req.Type)]

	allowed := req.Amount <= remaining
	if !allowed && b.OveragePolicy.Allow {
		allowed = true
	}

	return CheckResult{
		Allowed:        allowed,
		Remaining:      remaining,
		Budget:         b,
		OverageAllowed: b.OveragePolicy.Allow,
		EstimatedCost:  float64(req.Amount) * unitCost,
		ResetTime:      resetTime,
	}, nil
}

// RecordRequest parameterizes a usage write.
type RecordRequest struct {
	TenantID string
	SiteID   string
	Type     domain.BudgetDimension
	Amount   int64
}

// RecordResult reports the post-write state.
type RecordResult struct {
	NewTotal  int64
	Remaining int64
	Warning   string
}

// Record atomically bumps usage for a dimension and returns the new
// total plus a warning annotation if a threshold is crossed. Storage
// is a gauge (high-water mark); every other dimension accumulates.
func (c *Controller) Record(ctx context.Context, req RecordRequest) (RecordResult, error) {
	gauge := req.Type == domain.BudgetStorage
	newTotal, err := c.repo.Record(ctx, req.TenantID, req.SiteID, req.Type, req.Amount, gauge)
	if err != nil {
		return RecordResult{}, fmt.Errorf("budget: record: %w", err)
	}

	b, err := c.repo.Get(ctx, req.TenantID, req.SiteID)
	if err != nil {
		return RecordResult{}, fmt.Errorf("budget: reload after record: %w", err)
	}
	limit, _ := dimensionValues(b, req.Type)

	result := RecordResult{NewTotal: newTotal, Remaining: limit - newTotal}
	if limit > 0 {
		ratio := float64(newTotal) / float64(limit)
		switch {
		case ratio >= WarningHighThreshold:
			result.Warning = "High usage"
		case ratio >= WarningLowThreshold:
			result.Warning = "Approaching budget limit"
		}
	}
	return result, nil
}

// Update persists caller-supplied limit/overage-policy changes, used
// by the budget PATCH endpoint.
func (c *Controller) Update(ctx context.Context, b *domain.ResourceBudget) error {
	if err := c.repo.Update(ctx, b); err != nil {
		return fmt.Errorf("budget: update: %w", err)
	}
	return nil
}

func (c *Controller) getOrCreate(ctx context.Context, tenantID, siteID, tier string) (*domain.ResourceBudget, error) {
	b, err := c.repo.Get(ctx, tenantID, siteID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("budget: get: %w", err)
	}

	if tier == "" {
		tier = c.defaultTier
	}
	limits, ok := TierDefaults[tier]
	if !ok {
		limits = TierDefaults[DefaultTier]
	}
	now := time.Now()
	nb := &domain.ResourceBudget{
		TenantID: tenantID,
		SiteID:   siteID,
		Limits:   limits,
		ResetDates: domain.ResetDates{
			TokensResetAt:       now.AddDate(0, 1, 0),
			ActionsResetAt:      now.AddDate(0, 0, 1),
			APICallsResetAt:     now.Add(time.Hour),
			VoiceMinutesResetAt: now.AddDate(0, 1, 0),
		},
		OveragePolicy: domain.OveragePolicy{Allow: false, UnitCosts: map[string]float64{}},
		UpdatedAt:     now,
	}
	if err := c.repo.Create(ctx, nb); err != nil {
		return nil, fmt.Errorf("budget: materialize tier default: %w", err)
	}
	return c.repo.Get(ctx, tenantID, siteID)
}

func dimensionValues(b *domain.ResourceBudget, dim domain.BudgetDimension) (limit, used int64) {
	switch dim {
	case domain.BudgetTokens:
		return b.Limits.TokensPerMonth, b.Usage.Tokens
	case domain.BudgetActions:
		return b.Limits.ActionsPerDay, b.Usage.Actions
	case domain.BudgetAPICalls:
		return b.Limits.APICallsPerHour, b.Usage.APICalls
	case domain.BudgetVoiceMinutes:
		return b.Limits.VoiceMinutesMonth, b.Usage.VoiceMinutes
	case domain.BudgetStorage:
		return b.Limits.StorageBytes, b.Usage.Storage
	default:
		return 0, 0
	}
}

func dimensionResetTime(b *domain.ResourceBudget, dim domain.BudgetDimension) time.Time {
	switch dim {
	case domain.BudgetTokens:
		return b.ResetDates.TokensResetAt
	case domain.BudgetActions:
		return b.ResetDates.ActionsResetAt
	case domain.BudgetAPICalls:
		return b.ResetDates.APICallsResetAt
	case domain.BudgetVoiceMinutes:
		return b.ResetDates.VoiceMinutesResetAt
	default:
		return time.Time{}
	}
}

// windowedDimensions lists every dimension that resets on a boundary,
// used by RunResetLoop to sweep each independently.
var windowedDimensions = []domain.BudgetDimension{
	domain.BudgetTokens, domain.BudgetActions, domain.BudgetAPICalls, domain.BudgetVoiceMinutes,
}

// RunResetLoop advances windowed dimensions on a ticker until ctx is
// cancelled.
func (c *Controller) RunResetLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, dim := range windowedDimensions {
				n, err := c.repo.ResetWindow(ctx, dim)
				if err != nil {
					c.logger.Error("budget: window reset failed", "dimension", dim, "error", err)
					continue
				}
				if n > 0 {
					c.logger.Info("budget: window reset", "dimension", dim, "budgets_reset", n)
				}
			}
		}
	}
}

// Optimization is one advisory suggestion from GenerateOptimizations.
type Optimization struct {
	Dimension      domain.BudgetDimension
	Suggestion     string
	UsageRatio     float64
	EstimatedSaved float64
}

// GenerateOptimizations inspects usage ratios per dimension and emits
// advisory (non-enforced) suggestions sorted by estimated impact.
func (c *Controller) GenerateOptimizations(ctx context.Context, tenantID, siteID string) ([]Optimization, error) {
	b, err := c.repo.Get(ctx, tenantID, siteID)
	if err != nil {
		return nil, fmt.Errorf("budget: generate optimizations: %w", err)
	}

	var out []Optimization
	add := func(dim domain.BudgetDimension, suggestion string, impact float64) {
		limit, used := dimensionValues(b, dim)
		if limit <= 0 {
			return
		}
		ratio := float64(used) / float64(limit)
		if ratio < WarningLowThreshold {
			return
		}
		out = append(out, Optimization{
			Dimension:      dim,
			Suggestion:     suggestion,
			UsageRatio:     ratio,
			EstimatedSaved: ratio * impact,
		})
	}

	add(domain.BudgetTokens, "enable aggressive response caching to cut repeat embedding calls", 0.4)
	add(domain.BudgetTokens, "shorten prompts sent to the embedding provider", 0.15)
	add(domain.BudgetAPICalls, "batch search requests instead of issuing one call per query", 0.3)
	add(domain.BudgetStorage, "run a storage cleanup pass to drop stale document revisions", 0.25)
	add(domain.BudgetVoiceMinutes, "cache synthesized voice responses for repeated questions", 0.2)

	sort.Slice(out, func(i, j int) bool { return out[i].EstimatedSaved > out[j].EstimatedSaved })
	return out, nil
}
