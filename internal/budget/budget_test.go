package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// fakeBudgetRepo is an in-memory repository.BudgetRepository so the
// controller can be tested against a narrow interface rather than a
// live database.
type fakeBudgetRepo struct {
	budgets map[string]*domain.ResourceBudget
}

func newFakeBudgetRepo() *fakeBudgetRepo {
	return &fakeBudgetRepo{budgets: map[string]*domain.ResourceBudget{}}
}

func key(tenantID, siteID string) string { return tenantID + "/" + siteID }

func (f *fakeBudgetRepo) Get(ctx context.Context, tenantID, siteID string) (*domain.ResourceBudget, error) {
	b, ok := f.budgets[key(tenantID, siteID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBudgetRepo) Create(ctx context.Context, b *domain.ResourceBudget) error {
	k := key(b.TenantID, b.SiteID)
	if _, exists := f.budgets[k]; exists {
		return nil
	}
	cp := *b
	f.budgets[k] = &cp
	return nil
}

func (f *fakeBudgetRepo) Record(ctx context.Context, tenantID, siteID string, dim domain.BudgetDimension, amount int64, gauge bool) (int64, error) {
	b, ok := f.budgets[key(tenantID, siteID)]
	if !ok {
		return 0, repository.ErrNotFound
	}
	switch dim {
	case domain.BudgetTokens:
		if gauge {
			b.Usage.Tokens = amount
		} else {
			b.Usage.Tokens += amount
		}
		return b.Usage.Tokens, nil
	case domain.BudgetStorage:
		if amount > b.Usage.Storage {
			b.Usage.Storage = amount
		}
		return b.Usage.Storage, nil
	case domain.BudgetAPICalls:
		b.Usage.APICalls += amount
		return b.Usage.APICalls, nil
	case domain.BudgetActions:
		b.Usage.Actions += amount
		return b.Usage.Actions, nil
	case domain.BudgetVoiceMinutes:
		b.Usage.VoiceMinutes += amount
		return b.Usage.VoiceMinutes, nil
	}
	return 0, nil
}

func (f *fakeBudgetRepo) Update(ctx context.Context, b *domain.ResourceBudget) error {
	cp := *b
	f.budgets[key(b.TenantID, b.SiteID)] = &cp
	return nil
}

func (f *fakeBudgetRepo) ResetWindow(ctx context.Context, dim domain.BudgetDimension) (int, error) {
	n := 0
	for _, b := range f.budgets {
		switch dim {
		case domain.BudgetTokens:
			b.Usage.Tokens = 0
		case domain.BudgetActions:
			b.Usage.Actions = 0
		case domain.BudgetAPICalls:
			b.Usage.APICalls = 0
		case domain.BudgetVoiceMinutes:
			b.Usage.VoiceMinutes = 0
		}
		n++
	}
	return n, nil
}

var _ repository.BudgetRepository = (*fakeBudgetRepo)(nil)

func TestCheck_MaterializesTierDefault(t *testing.T) {
	repo := newFakeBudgetRepo()
	c := New(repo, nil)

	res, err := c.Check(context.Background(), CheckRequest{
		TenantID: "t1", SiteID: "s1", Tier: "pro", Type: domain.BudgetTokens, Amount: 10,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, TierDefaults["pro"].TokensPerMonth, res.Remaining)
}

func TestCheck_DeniesOverBudgetWithoutOverage(t *testing.T) {
	repo := newFakeBudgetRepo()
	c := New(repo, nil)
	ctx := context.Background()

	_, err := c.Check(ctx, CheckRequest{TenantID: "t1", SiteID: "s1", Tier: "free", Type: domain.BudgetTokens, Amount: 1})
	require.NoError(t, err)

	// Exhaust to exactly the limit minus 1.
	b, err := repo.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	_, err = repo.Record(ctx, "t1", "s1", domain.BudgetTokens, b.Limits.TokensPerMonth-1, false)
	require.NoError(t, err)

	res, err := c.Check(ctx, CheckRequest{TenantID: "t1", SiteID: "s1", Type: domain.BudgetTokens, Amount: 5})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, res.OverageAllowed)
}

func TestCheck_AllowsOverageWhenPolicyPermits(t *testing.T) {
	repo := newFakeBudgetRepo()
	ctx := context.Background()
	c := New(repo, nil)

	_, err := c.Check(ctx, CheckRequest{TenantID: "t1", SiteID: "s1", Tier: "free", Type: domain.BudgetTokens, Amount: 0})
	require.NoError(t, err)

	b, err := repo.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	b.OveragePolicy.Allow = true
	require.NoError(t, repo.Update(ctx, b))
	_, err = repo.Record(ctx, "t1", "s1", domain.BudgetTokens, 99, false)
	require.NoError(t, err)

	// tokensPerMonth=100, tokensUsed=99, amount=5, allowOverage=true.
	repo.budgets[key("t1", "s1")].Limits.TokensPerMonth = 100
	res, err := c.Check(ctx, CheckRequest{TenantID: "t1", SiteID: "s1", Type: domain.BudgetTokens, Amount: 5})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	recordRes, err := c.Record(ctx, RecordRequest{TenantID: "t1", SiteID: "s1", Type: domain.BudgetTokens, Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(104), recordRes.NewTotal)
	assert.Equal(t, "High usage", recordRes.Warning)
}

func TestRecord_StorageIsGaugeNotCumulative(t *testing.T) {
	repo := newFakeBudgetRepo()
	ctx := context.Background()
	c := New(repo, nil)

	_, err := c.Check(ctx, CheckRequest{TenantID: "t1", SiteID: "s1", Tier: "free", Type: domain.BudgetStorage, Amount: 0})
	require.NoError(t, err)

	r1, err := c.Record(ctx, RecordRequest{TenantID: "t1", SiteID: "s1", Type: domain.BudgetStorage, Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), r1.NewTotal)

	r2, err := c.Record(ctx, RecordRequest{TenantID: "t1", SiteID: "s1", Type: domain.BudgetStorage, Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), r2.NewTotal, "storage is a high-water mark, a smaller write must not lower it")
}

func TestGenerateOptimizations_SortedByImpact(t *testing.T) {
	repo := newFakeBudgetRepo()
	ctx := context.Background()
	c := New(repo, nil)

	_, err := c.Check(ctx, CheckRequest{TenantID: "t1", SiteID: "s1", Tier: "free", Type: domain.BudgetTokens, Amount: 0})
	require.NoError(t, err)
	b, err := repo.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	_, err = repo.Record(ctx, "t1", "s1", domain.BudgetTokens, int64(float64(b.Limits.TokensPerMonth)*0.95), false)
	require.NoError(t, err)

	opts, err := c.GenerateOptimizations(ctx, "t1", "s1")
	require.NoError(t, err)
	require.NotEmpty(t, opts)
	for i := 1; i < len(opts); i++ {
		assert.GreaterOrEqual(t, opts[i-1].EstimatedSaved, opts[i].EstimatedSaved)
	}
}

func TestRunResetLoop_StopsOnCancel(t *testing.T) {
	repo := newFakeBudgetRepo()
	c := New(repo, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunResetLoop(ctx, 5*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunResetLoop did not stop after context cancellation")
	}
}
