package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// APIKeyHeader is the HTTP header carrying a tenant's API key.
	APIKeyHeader = "X-API-Key"

	tenantContextKey contextKey = "tenant"
)

// ErrMissingAPIKey is returned by extractAPIKey when a request carries
// no key; ErrInvalidAPIKey is used by the middleware when a key matches
// no tenant. The middleware surfaces both as 401s.
var (
	ErrMissingAPIKey = errors.New("auth: missing API key")
	ErrInvalidAPIKey = errors.New("auth: invalid API key")
)

// TenantInfo holds tenant information resolved from an API key.
type TenantInfo struct {
	ID   string
	Name string
	Tier string
}

// APIKeyMiddleware resolves the tenant for every request carrying
// either an X-API-Key header or a Bearer JWT minted by the admin token
// endpoint.
type APIKeyMiddleware struct {
	tenantRepo  repository.TenantRepository
	jwtManager  *JWTManager
	adminAPIKey string
	skipPaths   map[string]bool
	adminPaths  map[string]bool
}

// NewAPIKeyMiddleware creates a middleware backed by tenantRepo, with
// adminAPIKey gating tenant-management endpoints.
func NewAPIKeyMiddleware(tenantRepo repository.TenantRepository, adminAPIKey string) *APIKeyMiddleware {
	return &APIKeyMiddleware{
		tenantRepo:  tenantRepo,
		adminAPIKey: adminAPIKey,
		skipPaths:   map[string]bool{"/healthz": true, "/readyz": true},
		adminPaths:  map[string]bool{},
	}
}

// WithJWTManager enables Bearer-token authentication alongside the
// X-API-Key header: a request carrying "Authorization: Bearer <token>"
// resolves its tenant from the token's claims instead of a key lookup.
func (m *APIKeyMiddleware) WithJWTManager(jm *JWTManager) *APIKeyMiddleware {
	m.jwtManager = jm
	return m
}

// WithSkipPaths exempts paths from authentication entirely (health
// checks and the like).
func (m *APIKeyMiddleware) WithSkipPaths(paths ...string) *APIKeyMiddleware {
	for _, p := range paths {
		m.skipPaths[p] = true
	}
	return m
}

// WithAdminPaths marks paths that require the admin key instead of a
// tenant API key (tenant CRUD, for instance).
func (m *APIKeyMiddleware) WithAdminPaths(paths ...string) *APIKeyMiddleware {
	for _, p := range paths {
		m.adminPaths[p] = true
	}
	return m
}

// Middleware returns the chi-compatible handler wrapper.
func (m *APIKeyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if bearer := extractBearerToken(r); bearer != "" && m.jwtManager != nil && !m.adminPaths[r.URL.Path] {
			claims, err := m.jwtManager.ValidateToken(bearer)
			if err != nil {
				http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
				return
			}
			tenant, err := m.tenantRepo.GetByID(r.Context(), claims.TenantID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
					return
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			ctx := context.WithValue(r.Context(), tenantContextKey, tenantInfoFrom(tenant))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		apiKey, err := extractAPIKey(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		if m.adminPaths[r.URL.Path] {
			if m.adminAPIKey == "" || apiKey != m.adminAPIKey {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		tenant, err := m.tenantRepo.GetByAPIKey(r.Context(), apiKey)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, ErrInvalidAPIKey.Error(), http.StatusUnauthorized)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, tenantInfoFrom(tenant))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantInfoFrom(t *domain.Tenant) *TenantInfo {
	return &TenantInfo{ID: t.ID, Name: t.Name, Tier: t.Tier}
}

func extractAPIKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	if key == "" {
		return "", ErrMissingAPIKey
	}
	return key, nil
}

func extractBearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

// TenantFromContext extracts tenant info from context.
func TenantFromContext(ctx context.Context) (*TenantInfo, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(*TenantInfo)
	return tenant, ok
}

// RequireTenant returns an error if no tenant is present in context.
func RequireTenant(ctx context.Context) (*TenantInfo, error) {
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		return nil, errors.New("auth: tenant context not found")
	}
	return tenant, nil
}
