// Package repository defines persistence interfaces for the knowledge
// base engine's entities.
package repository

import (
	"context"
	"errors"

	"github.com/sitespeak/kbengine/internal/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// TenantRepository persists Tenant rows.
type TenantRepository interface {
	Create(ctx context.Context, t *domain.Tenant) error
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Tenant, int, error)
	Update(ctx context.Context, t *domain.Tenant) error
	Delete(ctx context.Context, id string) error
}

// SiteRepository persists Site rows.
type SiteRepository interface {
	Create(ctx context.Context, s *domain.Site) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Site, error)
	List(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Site, int, error)
	Update(ctx context.Context, s *domain.Site) error
	Delete(ctx context.Context, tenantID, id string) error
	SetLatestSession(ctx context.Context, tenantID, siteID, sessionID string) error
}

// DocumentRepository persists Document rows.
type DocumentRepository interface {
	Upsert(ctx context.Context, d *domain.Document) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Document, error)
	GetByCanonicalURL(ctx context.Context, tenantID, siteID, canonicalURL string) (*domain.Document, error)
	List(ctx context.Context, tenantID, siteID string, limit, offset int) ([]*domain.Document, int, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// StructuredEntityRepository persists StructuredEntity rows.
type StructuredEntityRepository interface {
	Create(ctx context.Context, e *domain.StructuredEntity) error
	ListByDocument(ctx context.Context, tenantID, documentID string) ([]*domain.StructuredEntity, error)
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
	SearchByType(ctx context.Context, tenantID, siteID, typ, query string, limit int) ([]*domain.StructuredEntity, error)
}

// CrawlSessionRepository persists CrawlSession rows.
type CrawlSessionRepository interface {
	Create(ctx context.Context, s *domain.CrawlSession) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.CrawlSession, error)
	GetActiveForSite(ctx context.Context, tenantID, siteID string) (*domain.CrawlSession, error)
	GetLastDone(ctx context.Context, tenantID, siteID string) (*domain.CrawlSession, error)
	Update(ctx context.Context, s *domain.CrawlSession) error
	List(ctx context.Context, tenantID, siteID string, limit, offset int) ([]*domain.CrawlSession, int, error)
}

// ManifestRepository persists SiteManifest rows.
type ManifestRepository interface {
	Put(ctx context.Context, tenantID, siteID string, m *domain.SiteManifest) error
	GetLatest(ctx context.Context, tenantID, siteID string) (*domain.SiteManifest, error)
}

// BudgetRepository persists ResourceBudget rows.
type BudgetRepository interface {
	Get(ctx context.Context, tenantID, siteID string) (*domain.ResourceBudget, error)
	Create(ctx context.Context, b *domain.ResourceBudget) error
	Record(ctx context.Context, tenantID, siteID string, dim domain.BudgetDimension, amount int64, gauge bool) (int64, error)
	Update(ctx context.Context, b *domain.ResourceBudget) error
	ResetWindow(ctx context.Context, dim domain.BudgetDimension) (int, error)
}
