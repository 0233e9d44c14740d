package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

type fakeTenantRepo struct {
	byKey map[string]*domain.Tenant
	byID  map[string]*domain.Tenant
}

func (f *fakeTenantRepo) Create(ctx context.Context, t *domain.Tenant) error { return nil }
func (f *fakeTenantRepo) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}
func (f *fakeTenantRepo) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	t, ok := f.byKey[apiKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}
func (f *fakeTenantRepo) List(ctx context.Context, limit, offset int) ([]*domain.Tenant, int, error) {
	return nil, 0, nil
}
func (f *fakeTenantRepo) Update(ctx context.Context, t *domain.Tenant) error { return nil }
func (f *fakeTenantRepo) Delete(ctx context.Context, id string) error       { return nil }

var _ repository.TenantRepository = (*fakeTenantRepo)(nil)

func newRecorderChain(mw *APIKeyMiddleware) http.Handler {
	var captured *TenantInfo
	handler := mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = TenantFromContext(r.Context())
		if captured != nil {
			w.Header().Set("X-Tenant-ID", captured.ID)
		}
		w.WriteHeader(http.StatusOK)
	}))
	return handler
}

func TestMiddleware_MissingKeyReturns401(t *testing.T) {
	repo := &fakeTenantRepo{byKey: map[string]*domain.Tenant{}}
	mw := NewAPIKeyMiddleware(repo, "admin-secret")

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()
	newRecorderChain(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_ValidKeyResolvesTenant(t *testing.T) {
	repo := &fakeTenantRepo{byKey: map[string]*domain.Tenant{"key-1": {ID: "t1", Name: "Acme", Tier: "pro"}}}
	mw := NewAPIKeyMiddleware(repo, "admin-secret")

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set(APIKeyHeader, "key-1")
	rec := httptest.NewRecorder()
	newRecorderChain(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", rec.Header().Get("X-Tenant-ID"))
}

func TestMiddleware_SkipPathBypassesAuth(t *testing.T) {
	repo := &fakeTenantRepo{byKey: map[string]*domain.Tenant{}}
	mw := NewAPIKeyMiddleware(repo, "admin-secret")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	newRecorderChain(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_AdminPathRequiresAdminKey(t *testing.T) {
	repo := &fakeTenantRepo{byKey: map[string]*domain.Tenant{}}
	mw := NewAPIKeyMiddleware(repo, "admin-secret").WithAdminPaths("/admin/tenants")

	req := httptest.NewRequest(http.MethodPost, "/admin/tenants", nil)
	req.Header.Set(APIKeyHeader, "wrong")
	rec := httptest.NewRecorder()
	newRecorderChain(mw).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/admin/tenants", nil)
	req2.Header.Set(APIKeyHeader, "admin-secret")
	rec2 := httptest.NewRecorder()
	newRecorderChain(mw).ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestRequireTenant_ErrorsWithoutContext(t *testing.T) {
	_, err := RequireTenant(context.Background())
	require.Error(t, err)
}

func TestMiddleware_BearerTokenResolvesTenant(t *testing.T) {
	repo := &fakeTenantRepo{byID: map[string]*domain.Tenant{"t1": {ID: "t1", Name: "Acme", Tier: "pro"}}}
	jm := NewJWTManager(DefaultJWTConfig("test-secret"))
	token, err := jm.GenerateToken("t1", "Acme")
	require.NoError(t, err)

	mw := NewAPIKeyMiddleware(repo, "admin-secret").WithJWTManager(jm)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	newRecorderChain(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", rec.Header().Get("X-Tenant-ID"))
}

func TestMiddleware_InvalidBearerTokenReturns401(t *testing.T) {
	repo := &fakeTenantRepo{byID: map[string]*domain.Tenant{}}
	jm := NewJWTManager(DefaultJWTConfig("test-secret"))
	mw := NewAPIKeyMiddleware(repo, "admin-secret").WithJWTManager(jm)

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	newRecorderChain(mw).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
