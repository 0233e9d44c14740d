package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sitespeak/kbengine/internal/auth"
	"github.com/sitespeak/kbengine/internal/budget"
	"github.com/sitespeak/kbengine/internal/crawl"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/repository"
	"github.com/sitespeak/kbengine/internal/search"
)

type handlers struct {
	svc          Services
	logger       *slog.Logger
	jwt          *auth.JWTManager
	siteDefaults domain.SiteConfig
}

// writeJSON encodes v as the response body, logging (but not
// double-writing headers for) any encoding failure.
func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("server: encode response failed", "error", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// requireTenantScope checks that the authenticated caller's tenant
// matches the tenantId the request body/path claims, refusing the
// request outright otherwise. A scope mismatch is always fatal and
// never surfaces data.
func (h *handlers) requireTenantScope(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil || tenantID == "" || tenant.ID != tenantID {
		h.writeError(w, http.StatusForbidden, search.FailTenantScopeMissing, "tenant scope mismatch")
		return false
	}
	return true
}

// --- Crawl trigger / status ---------------------------------------

type crawlTriggerRequest struct {
	TenantID    string `json:"tenantId"`
	SiteID      string `json:"siteId"`
	BaseURL     string `json:"baseUrl"`
	SessionType string `json:"sessionType"`
}

type crawlTriggerResponse struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

func (h *handlers) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "ERR_BACKEND", "invalid request body")
		return
	}
	if !h.requireTenantScope(w, r, req.TenantID) {
		return
	}

	site, err := h.svc.Sites.GetByID(r.Context(), req.TenantID, req.SiteID)
	if errors.Is(err, repository.ErrNotFound) {
		site = &domain.Site{
			ID:        req.SiteID,
			TenantID:  req.TenantID,
			BaseURL:   req.BaseURL,
			Config:    h.siteDefaults,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if site.ID == "" {
			site.ID = uuid.New().String()
		}
		if err := h.svc.Sites.Create(r.Context(), site); err != nil {
			h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", "create site: "+err.Error())
			return
		}
	} else if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", "load site: "+err.Error())
		return
	}

	session, err := h.svc.Crawl.Trigger(r.Context(), crawl.Request{
		TenantID: req.TenantID,
		Site:     site,
		Full:     req.SessionType == "full",
	})
	if err != nil {
		if errors.Is(err, crawl.ErrSessionConflict) {
			active, _ := h.svc.Sessions.GetActiveForSite(r.Context(), req.TenantID, req.SiteID)
			resp := crawlTriggerResponse{Error: crawl.FailSessionConflict}
			if active != nil {
				resp.SessionID = active.ID
			}
			h.writeJSON(w, http.StatusConflict, resp)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, crawlTriggerResponse{SessionID: session.ID})
}

func (h *handlers) crawlStatus(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		h.writeError(w, http.StatusForbidden, search.FailTenantScopeMissing, "missing tenant context")
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	session, err := h.svc.Sessions.GetByID(r.Context(), tenant.ID, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "ERR_BACKEND", "session not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// cancelCrawl requests cancellation of an in-flight session. Workers
// stop at their next suspension point; committed work is kept.
func (h *handlers) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	tenant, err := auth.RequireTenant(r.Context())
	if err != nil {
		h.writeError(w, http.StatusForbidden, search.FailTenantScopeMissing, "missing tenant context")
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := h.svc.Sessions.GetByID(r.Context(), tenant.ID, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "ERR_BACKEND", "session not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}
	if !h.svc.Crawl.Cancel(sessionID) {
		h.writeError(w, http.StatusConflict, "ERR_BACKEND", "session is not running")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": sessionID, "state": "cancelling"})
}

// --- Search ----------------------------------------------------------

type searchRequest struct {
	TenantID   string               `json:"tenantId"`
	SiteID     string               `json:"siteId"`
	Query      string               `json:"query"`
	TopK       int                  `json:"topK"`
	Strategies []search.Strategy    `json:"strategies"`
	Filters    search.Filters       `json:"filters"`
	Weights    domain.FusionWeights `json:"fusionWeights"`
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "ERR_BACKEND", "invalid request body")
		return
	}
	if !h.requireTenantScope(w, r, req.TenantID) {
		return
	}

	resp, err := h.svc.Search.Search(r.Context(), search.Request{
		TenantID: req.TenantID, SiteID: req.SiteID, Query: req.Query,
		TopK: req.TopK, Strategies: req.Strategies, Filters: req.Filters, Weights: req.Weights,
	})
	if err != nil {
		h.writeSearchError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) writeSearchError(w http.ResponseWriter, err error) {
	var coded *search.CodedError
	if errors.As(err, &coded) {
		status := http.StatusInternalServerError
		switch coded.Code {
		case search.FailTenantScopeMissing:
			status = http.StatusForbidden
		case search.FailBudgetExceeded:
			status = http.StatusTooManyRequests
		case search.ErrTimeout:
			status = http.StatusGatewayTimeout
		case search.ErrCancelled:
			status = 499
		}
		h.writeError(w, status, coded.Code, coded.Error())
		return
	}
	h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
}

// --- Manifest ----------------------------------------------------------

func (h *handlers) getManifest(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	siteID := r.URL.Query().Get("siteId")
	if !h.requireTenantScope(w, r, tenantID) {
		return
	}

	m, err := h.svc.Manifests.GetLatest(r.Context(), tenantID, siteID)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "ERR_BACKEND", "no manifest generated yet")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

// --- Budget ----------------------------------------------------------

func (h *handlers) getBudget(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	siteID := chi.URLParam(r, "siteId")
	if !h.requireTenantScope(w, r, tenantID) {
		return
	}

	tenant, err := h.svc.Tenants.GetByID(r.Context(), tenantID)
	tier := budget.DefaultTier
	if err == nil {
		tier = tenant.Tier
	}

	check, err := h.svc.Budget.Check(r.Context(), budget.CheckRequest{
		TenantID: tenantID, SiteID: siteID, Tier: tier, Type: domain.BudgetTokens, Amount: 0,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, check.Budget)
}

type budgetPatchRequest struct {
	TenantID string              `json:"tenantId"`
	SiteID   string              `json:"siteId"`
	Limits   domain.BudgetLimits `json:"limits"`
}

func (h *handlers) patchBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "ERR_BACKEND", "invalid request body")
		return
	}
	if !h.requireTenantScope(w, r, req.TenantID) {
		return
	}

	check, err := h.svc.Budget.Check(r.Context(), budget.CheckRequest{
		TenantID: req.TenantID, SiteID: req.SiteID, Type: domain.BudgetTokens, Amount: 0,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}

	b := check.Budget
	b.Limits = req.Limits
	if err := h.svc.Budget.Update(r.Context(), b); err != nil {
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

// --- Admin token issuance -------------------------------------------

type adminTokenRequest struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName,omitempty"`
}

type adminTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// issueToken mints a short-lived JWT an operator can hand to a caller
// in place of a long-lived X-API-Key, for scripted or delegated access
// to a single tenant. Gated by the admin API key (see server.go's
// WithAdminPaths), never by the token it issues.
func (h *handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	if h.jwt == nil {
		h.writeError(w, http.StatusServiceUnavailable, "ERR_BACKEND", "token issuance not configured")
		return
	}
	var req adminTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		h.writeError(w, http.StatusBadRequest, "ERR_BACKEND", "tenantId is required")
		return
	}

	tenant, err := h.svc.Tenants.GetByID(r.Context(), req.TenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "ERR_BACKEND", "unknown tenant")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}

	token, err := h.jwt.GenerateToken(tenant.ID, tenant.Name)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ERR_BACKEND", err.Error())
		return
	}
	expiry, _ := h.jwt.TokenExpiry(token)
	h.writeJSON(w, http.StatusOK, adminTokenResponse{Token: token, ExpiresAt: expiry})
}

// builtinSiteDefaults is the fallback seed for new sites when the
// operator supplies no Config.SiteDefaults.
func builtinSiteDefaults() domain.SiteConfig {
	return domain.SiteConfig{
		EmbeddingModel: "nomic-embed-text",
		EmbeddingDim:   768,
		Chunker: domain.ChunkerConfig{
			Method: "semantic", TargetSize: 512, MaxSize: 1024, Overlap: 50,
		},
		TopK:          8,
		MinScore:      0.35,
		FusionWeights: domain.DefaultFusionWeights(),
		RespectRobots: true,
		UserAgent:     "kbengine-crawler/1.0",
	}
}
