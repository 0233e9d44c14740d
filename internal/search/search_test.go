package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/kbengine/internal/budget"
	"github.com/sitespeak/kbengine/internal/cache"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// These tests exercise Search's budget/cache control flow and the
// pure helper functions directly. They deliberately avoid the miss
// path's vector-store calls: vectorstore.Store wraps a concrete
// *postgres.DB and has no in-memory fake anywhere in this codebase
// (vectorstore_test.go itself only unit-tests pure helpers), so any
// scenario that would reach AnnSearch/FtsSearch is out of scope for a
// unit test here.

type fakeBudgetRepo struct {
	budgets map[string]*domain.ResourceBudget
}

func newFakeBudgetRepo() *fakeBudgetRepo {
	return &fakeBudgetRepo{budgets: map[string]*domain.ResourceBudget{}}
}

func budgetKey(tenantID, siteID string) string { return tenantID + "/" + siteID }

func (f *fakeBudgetRepo) Get(ctx context.Context, tenantID, siteID string) (*domain.ResourceBudget, error) {
	b, ok := f.budgets[budgetKey(tenantID, siteID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBudgetRepo) Create(ctx context.Context, b *domain.ResourceBudget) error {
	k := budgetKey(b.TenantID, b.SiteID)
	if _, exists := f.budgets[k]; exists {
		return nil
	}
	cp := *b
	f.budgets[k] = &cp
	return nil
}

func (f *fakeBudgetRepo) Record(ctx context.Context, tenantID, siteID string, dim domain.BudgetDimension, amount int64, gauge bool) (int64, error) {
	b, ok := f.budgets[budgetKey(tenantID, siteID)]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if dim == domain.BudgetAPICalls {
		b.Usage.APICalls += amount
		return b.Usage.APICalls, nil
	}
	if dim == domain.BudgetTokens {
		b.Usage.Tokens += amount
		return b.Usage.Tokens, nil
	}
	return 0, nil
}

func (f *fakeBudgetRepo) Update(ctx context.Context, b *domain.ResourceBudget) error {
	cp := *b
	f.budgets[budgetKey(b.TenantID, b.SiteID)] = &cp
	return nil
}

func (f *fakeBudgetRepo) ResetWindow(ctx context.Context, dim domain.BudgetDimension) (int, error) {
	return 0, nil
}

type fakeSiteRepo struct {
	sites map[string]*domain.Site
}

func newFakeSiteRepo(sites ...*domain.Site) *fakeSiteRepo {
	m := map[string]*domain.Site{}
	for _, s := range sites {
		m[s.ID] = s
	}
	return &fakeSiteRepo{sites: m}
}

func (f *fakeSiteRepo) Create(ctx context.Context, s *domain.Site) error { return nil }
func (f *fakeSiteRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.Site, error) {
	s, ok := f.sites[id]
	if !ok || s.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return s, nil
}
func (f *fakeSiteRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Site, int, error) {
	return nil, 0, nil
}
func (f *fakeSiteRepo) Update(ctx context.Context, s *domain.Site) error           { return nil }
func (f *fakeSiteRepo) Delete(ctx context.Context, tenantID, id string) error      { return nil }
func (f *fakeSiteRepo) SetLatestSession(ctx context.Context, tenantID, siteID, sessionID string) error {
	return nil
}

type fakeManifestRepo struct {
	latest map[string]*domain.SiteManifest
}

func newFakeManifestRepo() *fakeManifestRepo {
	return &fakeManifestRepo{latest: map[string]*domain.SiteManifest{}}
}

func (f *fakeManifestRepo) Put(ctx context.Context, tenantID, siteID string, m *domain.SiteManifest) error {
	cp := *m
	f.latest[siteID] = &cp
	return nil
}

func (f *fakeManifestRepo) GetLatest(ctx context.Context, tenantID, siteID string) (*domain.SiteManifest, error) {
	m, ok := f.latest[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

var _ repository.BudgetRepository = (*fakeBudgetRepo)(nil)
var _ repository.SiteRepository = (*fakeSiteRepo)(nil)
var _ repository.ManifestRepository = (*fakeManifestRepo)(nil)

func unlimitedBudget(tenantID, siteID string) *domain.ResourceBudget {
	return &domain.ResourceBudget{
		TenantID: tenantID, SiteID: siteID,
		Limits: domain.BudgetLimits{APICallsPerHour: 1000, TokensPerMonth: 1_000_000},
	}
}

func exhaustedBudget(tenantID, siteID string) *domain.ResourceBudget {
	return &domain.ResourceBudget{
		TenantID: tenantID, SiteID: siteID,
		Limits: domain.BudgetLimits{APICallsPerHour: 1, TokensPerMonth: 1_000_000},
		Usage:  domain.BudgetUsage{APICalls: 1},
	}
}

func TestSearch_TenantScopeMissing(t *testing.T) {
	svc := New(nil, nil, budget.New(newFakeBudgetRepo(), nil), nil, nil, nil, newFakeManifestRepo(), newFakeSiteRepo())

	_, err := svc.Search(context.Background(), Request{Query: "hello"})
	require.Error(t, err)

	var ce *CodedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, FailTenantScopeMissing, ce.Code)
}

func TestSearch_BudgetExceeded(t *testing.T) {
	repo := newFakeBudgetRepo()
	require.NoError(t, repo.Create(context.Background(), exhaustedBudget("t1", "s1")))

	sites := newFakeSiteRepo(&domain.Site{ID: "s1", TenantID: "t1"})
	svc := New(nil, nil, budget.New(repo, nil), nil, nil, nil, newFakeManifestRepo(), sites)

	_, err := svc.Search(context.Background(), Request{TenantID: "t1", SiteID: "s1", Query: "hello"})
	require.Error(t, err)

	var ce *CodedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, FailBudgetExceeded, ce.Code)
}

func TestSearch_CacheHit_SkipsBackend(t *testing.T) {
	repo := newFakeBudgetRepo()
	require.NoError(t, repo.Create(context.Background(), unlimitedBudget("t1", "s1")))
	sites := newFakeSiteRepo(&domain.Site{ID: "s1", TenantID: "t1"})

	c, err := cache.New(cache.Config{L1Size: 100, TTL: time.Minute, SWRWindow: 0})
	require.NoError(t, err)
	defer c.Close()

	svc := New(nil, c, budget.New(repo, nil), nil, nil, nil, newFakeManifestRepo(), sites)

	req := Request{TenantID: "t1", SiteID: "s1", Query: "hello", TopK: 5}
	weights := domain.DefaultFusionWeights()
	keyed := req
	keyed.Strategies = DefaultStrategies // Search fills in the default strategies before fingerprinting
	fp := svc.fingerprint(keyed, weights)

	want := Response{Results: []Result{{ChunkID: "c1", Content: "hi"}}, SessionVersion: 3}
	raw, err := marshalResponse(want)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), fp, raw))

	got, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.ServedFromCache)
	assert.Equal(t, want.Results, got.Results)
	assert.Equal(t, 3, got.SessionVersion)
}

func TestActionsForChunk_FiltersByDocument(t *testing.T) {
	actions := []domain.ActionDescriptor{
		{ID: "a1", DocumentID: "doc-1"},
		{ID: "a2", DocumentID: "doc-2"},
		{ID: "a3", DocumentID: "doc-1"},
	}
	chunk := &domain.Chunk{DocumentID: "doc-1"}

	out := actionsForChunk(actions, chunk)

	require.Len(t, out, 2)
	assert.Equal(t, "a1", out[0].ID)
	assert.Equal(t, "a3", out[1].ID)
}

func TestWeightFor(t *testing.T) {
	w := domain.FusionWeights{Vector: 0.6, Fulltext: 0.3, Structured: 0.1}

	assert.Equal(t, float32(0.6), weightFor(StrategyVector, w))
	assert.Equal(t, float32(0.3), weightFor(StrategyFulltext, w))
	assert.Equal(t, float32(0.1), weightFor(StrategyStructured, w))
}

func TestFingerprint_DistinctForDifferentStrategiesAndWeights(t *testing.T) {
	svc := New(nil, nil, nil, nil, nil, nil, nil, nil)

	base := Request{TenantID: "t1", SiteID: "s1", Query: "q"}
	a := svc.fingerprint(base, domain.DefaultFusionWeights())

	narrowed := base
	narrowed.Strategies = []Strategy{StrategyVector}
	b := svc.fingerprint(narrowed, domain.DefaultFusionWeights())

	reweighted := base
	c := svc.fingerprint(reweighted, domain.FusionWeights{Vector: 1, Fulltext: 0, Structured: 0})

	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
