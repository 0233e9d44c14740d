// Package search orchestrates hybrid retrieval: budget check, cache
// lookup, query embedding, parallel vector/fulltext/structured
// dispatch, rank fusion, and result enrichment.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sitespeak/kbengine/internal/budget"
	"github.com/sitespeak/kbengine/internal/cache"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/embedder"
	"github.com/sitespeak/kbengine/internal/rank"
	"github.com/sitespeak/kbengine/internal/repository"
	"github.com/sitespeak/kbengine/internal/vectorstore"
)

// Failure/error codes surfaced to callers of the search ingress.
const (
	FailTenantScopeMissing = "FAIL_TENANT_SCOPE_MISSING"
	FailBudgetExceeded     = "FAIL_BUDGET_EXCEEDED"
	ErrBackend             = "ERR_BACKEND"
	ErrTimeout             = "ERR_TIMEOUT"
	ErrCancelled           = "ERR_CANCELLED"
)

// Strategy names a retrieval leg a search can dispatch to.
type Strategy string

const (
	StrategyVector     Strategy = "vector"
	StrategyFulltext   Strategy = "fulltext"
	StrategyStructured Strategy = "structured"
)

// DefaultStrategies is dispatched when a caller doesn't narrow the
// request to a subset.
var DefaultStrategies = []Strategy{StrategyVector, StrategyFulltext, StrategyStructured}

// Filters narrows a search to a locale and/or a set of structured
// entity types to boost.
type Filters struct {
	Locale           string
	StructuredTypes  []string
}

// Request is one hybrid search call.
type Request struct {
	TenantID string
	SiteID   string
	Query    string
	TopK     int
	Strategies []Strategy
	Filters    Filters
	Weights    domain.FusionWeights // zero value falls back to site/default weights
}

// Result is one fused, enriched hit.
type Result struct {
	ChunkID  string            `json:"chunk_id"`
	Content  string            `json:"content"`
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata"`
	Actions  []domain.ActionDescriptor `json:"actions"`
}

// Response is what Service.Search returns.
type Response struct {
	Results         []Result `json:"results"`
	SessionVersion  int      `json:"session_version"`
	ServedFromCache bool     `json:"served_from_cache"`
	Degraded        bool     `json:"degraded"` // true if one or more strategies timed out
	Warning         string   `json:"warning,omitempty"` // budget threshold annotation, never a failure
}

// CodedError carries one of this package's failure codes so HTTP
// handlers can map it to a status code without string-matching.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

func coded(code string, err error) error { return &CodedError{Code: code, Err: err} }

// Service runs searches against a vector store, cache, budget
// controller, and the manifest/document repositories needed to enrich
// fused hits.
type Service struct {
	store     *vectorstore.Store
	cache     *cache.Cache
	budget    *budget.Controller
	embed     embedder.Embedder
	documents repository.DocumentRepository
	entities  repository.StructuredEntityRepository
	manifests repository.ManifestRepository
	sites     repository.SiteRepository

	fusionK int
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFusionK overrides the RRF dampening constant.
func WithFusionK(k int) Option {
	return func(s *Service) { s.fusionK = k }
}

// WithTimeout overrides the end-to-end search deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New wires a Service from its component dependencies.
func New(
	store *vectorstore.Store,
	c *cache.Cache,
	b *budget.Controller,
	embed embedder.Embedder,
	documents repository.DocumentRepository,
	entities repository.StructuredEntityRepository,
	manifests repository.ManifestRepository,
	sites repository.SiteRepository,
	opts ...Option,
) *Service {
	s := &Service{
		store: store, cache: c, budget: b, embed: embed,
		documents: documents, entities: entities, manifests: manifests, sites: sites,
		fusionK: rank.DefaultK, timeout: 5 * time.Second, log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search executes the five-step query path: budget check, cache
// lookup (with SWR handling), on-miss multi-strategy dispatch and
// fusion, usage recording, and cache writeback.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	if req.TenantID == "" || req.SiteID == "" {
		return Response{}, coded(FailTenantScopeMissing, errors.New("tenantId and siteId are required"))
	}
	if len(req.Strategies) == 0 {
		req.Strategies = DefaultStrategies
	}

	// Per-site retrieval defaults fill in whatever the request leaves
	// unset; the hardcoded fallbacks apply only when the site config is
	// itself empty.
	site, err := s.sites.GetByID(ctx, req.TenantID, req.SiteID)
	if err != nil {
		return Response{}, coded(ErrBackend, fmt.Errorf("search: load site: %w", err))
	}
	if req.TopK <= 0 {
		req.TopK = site.Config.TopK
	}
	if req.TopK <= 0 {
		req.TopK = 8
	}
	weights := req.Weights
	if weights == (domain.FusionWeights{}) {
		weights = site.Config.FusionWeights
	}
	if weights == (domain.FusionWeights{}) {
		weights = domain.DefaultFusionWeights()
	}
	minScore := site.Config.MinScore

	// Step 1: budget check. Both api_calls and the estimated token cost
	// of embedding the query are checked up front, before any usage is
	// recorded and before the query is ever sent to the embedder, so a
	// denial with overage disallowed mutates nothing.
	estimatedTokens := estimateQueryTokens(req.Query)

	apiCheck, err := s.budget.Check(ctx, budget.CheckRequest{
		TenantID: req.TenantID, SiteID: req.SiteID, Type: domain.BudgetAPICalls, Amount: 1,
	})
	if err != nil {
		return Response{}, coded(ErrBackend, fmt.Errorf("search: budget check: %w", err))
	}
	if !apiCheck.Allowed {
		return Response{}, coded(FailBudgetExceeded, fmt.Errorf("api_calls budget exceeded, resets %s", apiCheck.ResetTime))
	}

	tokenCheck, err := s.budget.Check(ctx, budget.CheckRequest{
		TenantID: req.TenantID, SiteID: req.SiteID, Type: domain.BudgetTokens, Amount: estimatedTokens,
	})
	if err != nil {
		return Response{}, coded(ErrBackend, fmt.Errorf("search: budget check: %w", err))
	}
	if !tokenCheck.Allowed {
		return Response{}, coded(FailBudgetExceeded, fmt.Errorf("tokens budget exceeded, resets %s", tokenCheck.ResetTime))
	}

	// Step 2: cache lookup.
	fp := s.fingerprint(req, weights)
	var sessionVersion int
	if manifest, err := s.manifests.GetLatest(ctx, req.TenantID, req.SiteID); err == nil && manifest != nil {
		sessionVersion = manifest.Version
	}

	if s.cache != nil {
		got, err := s.cache.Get(ctx, fp)
		if err != nil {
			s.log.Warn("search: cache get failed", "error", err)
		} else if got.Hit {
			var resp Response
			if err := unmarshalResponse(got.Value, &resp); err == nil {
				resp.ServedFromCache = true
				if got.Stale {
					go s.revalidateInBackground(req, fp)
				}
				return resp, nil
			}
		}
	}

	// Step 3: miss. Embed, dispatch, fuse, enrich.
	searchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.execute(searchCtx, req, weights, minScore, sessionVersion)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, coded(ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return Response{}, coded(ErrCancelled, err)
		}
		if errors.Is(err, vectorstore.ErrTenantScopeMissing) {
			return Response{}, coded(FailTenantScopeMissing, err)
		}
		return Response{}, coded(ErrBackend, err)
	}

	// Step 4: record usage. Threshold warnings are annotations on the
	// response, never failures.
	var warning string
	if rec, err := s.budget.Record(ctx, budget.RecordRequest{
		TenantID: req.TenantID, SiteID: req.SiteID, Type: domain.BudgetAPICalls, Amount: 1,
	}); err != nil {
		s.log.Warn("search: record api_calls failed", "error", err)
	} else if rec.Warning != "" {
		warning = rec.Warning
	}
	if rec, err := s.budget.Record(ctx, budget.RecordRequest{
		TenantID: req.TenantID, SiteID: req.SiteID, Type: domain.BudgetTokens, Amount: estimatedTokens,
	}); err != nil {
		s.log.Warn("search: record tokens failed", "error", err)
	} else if rec.Warning != "" {
		warning = rec.Warning
	}

	// Step 5: cache writeback. The cached copy deliberately omits the
	// warning: usage ratios move between requests, so a warning is
	// stamped per-response, not per-corpus-version.
	if s.cache != nil {
		if raw, err := marshalResponse(resp); err == nil {
			if err := s.cache.Set(ctx, fp, raw); err != nil {
				s.log.Warn("search: cache set failed", "error", err)
			}
		}
	}

	resp.Warning = warning
	return resp, nil
}

// execute performs the miss path: query embedding, parallel strategy
// dispatch, RRF fusion, truncation, and metadata/action enrichment.
// minScore drops fused results below the site's normalized-score
// floor.
func (s *Service) execute(ctx context.Context, req Request, weights domain.FusionWeights, minScore float32, sessionVersion int) (Response, error) {
	want := map[Strategy]bool{}
	for _, strat := range req.Strategies {
		want[strat] = true
	}

	var queryVector []float32
	if want[StrategyVector] {
		v, err := s.embed.Embed(ctx, req.Query)
		if err != nil {
			return Response{}, fmt.Errorf("embed query: %w", err)
		}
		queryVector = v
	}

	type legResult struct {
		name Strategy
		hits []vectorstore.ScoredChunk
		err  error
	}

	legs := make(chan legResult, len(want))
	var dispatched int

	if want[StrategyVector] {
		dispatched++
		go func() {
			hits, err := s.store.AnnSearch(ctx, vectorstore.AnnSearchRequest{
				TenantID: req.TenantID, SiteID: req.SiteID, Locale: req.Filters.Locale,
				Embedding: queryVector, K: req.TopK * 3,
			})
			legs <- legResult{StrategyVector, hits, err}
		}()
	}
	if want[StrategyFulltext] {
		dispatched++
		go func() {
			hits, err := s.store.FtsSearch(ctx, vectorstore.FtsSearchRequest{
				TenantID: req.TenantID, SiteID: req.SiteID, Query: req.Query, K: req.TopK * 3,
			})
			legs <- legResult{StrategyFulltext, hits, err}
		}()
	}
	if want[StrategyStructured] {
		dispatched++
		go func() {
			hits, err := s.structuredSearch(ctx, req)
			legs <- legResult{StrategyStructured, hits, err}
		}()
	}

	systems := make([]rank.System, 0, dispatched)
	byID := make(map[string]vectorstore.ScoredChunk)
	degraded := false

	for i := 0; i < dispatched; i++ {
		select {
		case r := <-legs:
			if r.err != nil {
				if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled) {
					degraded = true
					continue
				}
				return Response{}, fmt.Errorf("%s search: %w", r.name, r.err)
			}
			systems = append(systems, rank.System{
				Name: string(r.name), Weight: weightFor(r.name, weights), Items: toRankItems(r.hits),
			})
			for _, h := range r.hits {
				if _, ok := byID[h.Chunk.ID]; !ok {
					byID[h.Chunk.ID] = h
				}
			}
		case <-ctx.Done():
			degraded = true
		}
	}

	if len(systems) == 0 {
		return Response{}, fmt.Errorf("no search strategy completed: %w", ctx.Err())
	}

	fused := rank.FuseWithOptions(systems, rank.Options{
		K: s.fusionK, MinScore: minScore, MaxResults: req.TopK, Normalize: true,
	})

	manifest, _ := s.manifests.GetLatest(ctx, req.TenantID, req.SiteID)

	results := make([]Result, 0, len(fused))
	for _, item := range fused {
		hit, ok := byID[item.ID]
		if !ok {
			continue
		}
		doc, _ := s.documents.GetByID(ctx, req.TenantID, hit.Chunk.DocumentID)
		result := Result{
			ChunkID:  hit.Chunk.ID,
			Content:  hit.Chunk.Content,
			Score:    item.Score,
			Metadata: hit.Chunk.Metadata,
		}
		if doc != nil {
			result.URL = doc.CanonicalURL
			result.Title = doc.Title
		}
		if manifest != nil {
			result.Actions = actionsForChunk(manifest.Actions, hit.Chunk)
		}
		results = append(results, result)
	}

	return Response{Results: results, SessionVersion: sessionVersion, Degraded: degraded}, nil
}

// structuredSearch turns a StructuredEntity type match into
// chunk-level hits by pulling the chunks of each matching document.
func (s *Service) structuredSearch(ctx context.Context, req Request) ([]vectorstore.ScoredChunk, error) {
	types := req.Filters.StructuredTypes
	if len(types) == 0 {
		types = []string{""}
	}

	var out []vectorstore.ScoredChunk
	seen := make(map[string]bool)
	for _, typ := range types {
		entities, err := s.entities.SearchByType(ctx, req.TenantID, req.SiteID, typ, req.Query, req.TopK)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			chunks, err := s.store.ChunksByDocument(ctx, req.TenantID, e.DocumentID, 3)
			if err != nil {
				return nil, err
			}
			for _, c := range chunks {
				if seen[c.Chunk.ID] {
					continue
				}
				seen[c.Chunk.ID] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// actionsForChunk matches manifest actions whose DocumentID belongs to
// this chunk's document, since the extractor attaches actions at the
// document level rather than the chunk level.
func actionsForChunk(actions []domain.ActionDescriptor, chunk *domain.Chunk) []domain.ActionDescriptor {
	var out []domain.ActionDescriptor
	for _, a := range actions {
		if a.DocumentID == chunk.DocumentID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func weightFor(strat Strategy, w domain.FusionWeights) float32 {
	switch strat {
	case StrategyVector:
		return w.Vector
	case StrategyFulltext:
		return w.Fulltext
	case StrategyStructured:
		return w.Structured
	default:
		return 0
	}
}

func toRankItems(hits []vectorstore.ScoredChunk) []rank.Item {
	items := make([]rank.Item, len(hits))
	for i, h := range hits {
		items[i] = rank.Item{ID: h.Chunk.ID, Rank: i}
	}
	return items
}

// fingerprint renders a Request into a cache Fingerprint, folding
// strategies and weights into the Mode component so distinct retrieval
// configurations never collide on the same key.
func (s *Service) fingerprint(req Request, weights domain.FusionWeights) cache.Fingerprint {
	mode := fmt.Sprintf("%v|%.2f,%.2f,%.2f", req.Strategies, weights.Vector, weights.Fulltext, weights.Structured)
	filters := fmt.Sprintf("locale=%s;types=%v", req.Filters.Locale, req.Filters.StructuredTypes)
	return cache.Fingerprint{
		TenantID: req.TenantID, SiteID: req.SiteID, Query: req.Query, Filters: filters, Mode: mode,
	}
}

// revalidateInBackground re-runs the miss path and refreshes the cache
// entry after an SWR-stale hit was served, using a detached context
// since the originating request has already returned.
func (s *Service) revalidateInBackground(req Request, fp cache.Fingerprint) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	weights := req.Weights
	var minScore float32
	if site, err := s.sites.GetByID(ctx, req.TenantID, req.SiteID); err == nil {
		if weights == (domain.FusionWeights{}) {
			weights = site.Config.FusionWeights
		}
		minScore = site.Config.MinScore
	}
	if weights == (domain.FusionWeights{}) {
		weights = domain.DefaultFusionWeights()
	}

	var sessionVersion int
	if manifest, err := s.manifests.GetLatest(ctx, req.TenantID, req.SiteID); err == nil && manifest != nil {
		sessionVersion = manifest.Version
	}

	resp, err := s.execute(ctx, req, weights, minScore, sessionVersion)
	if err != nil {
		s.log.Warn("search: background revalidation failed", "error", err)
		return
	}
	if raw, err := marshalResponse(resp); err == nil {
		if err := s.cache.Set(ctx, fp, raw); err != nil {
			s.log.Warn("search: background revalidation cache set failed", "error", err)
		}
	}
}

// estimateQueryTokens approximates the embedding-provider token cost
// of a query with a crude chars/4 heuristic, rounding up so budget
// checks err toward denial rather than silent overage.
func estimateQueryTokens(query string) int64 {
	n := (int64(len(query)) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func marshalResponse(resp Response) (json.RawMessage, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("search: marshal cached response: %w", err)
	}
	return b, nil
}

func unmarshalResponse(raw json.RawMessage, out *Response) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("search: unmarshal cached response: %w", err)
	}
	return nil
}
