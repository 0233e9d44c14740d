// Package crawl drives one site through the pending -> discovering ->
// fetching -> processing -> done/failed state machine, fanning out
// across the fetcher, extractors, vector store, and manifest
// generator.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitespeak/kbengine/internal/cache"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/embedder"
	"github.com/sitespeak/kbengine/internal/extract"
	"github.com/sitespeak/kbengine/internal/fetch"
	"github.com/sitespeak/kbengine/internal/ingestion"
	"github.com/sitespeak/kbengine/internal/manifest"
	"github.com/sitespeak/kbengine/internal/repository"
	"github.com/sitespeak/kbengine/internal/repository/postgres"
	"github.com/sitespeak/kbengine/internal/vectorstore"
)

// FailSessionConflict is the error code the crawl trigger endpoint
// returns when a session is rejected because another one for the same
// site is already active.
const FailSessionConflict = "FAIL_SESSION_CONFLICT"

// ErrSessionConflict is returned by Run when a site already has an
// active (non-terminal) crawl session.
var ErrSessionConflict = postgres.ErrSessionConflict

// Config tunes the orchestrator's worker pool sizing.
type Config struct {
	ProcessingConcurrency int
	EmbeddingConcurrency  int
	FetchTimeout          time.Duration
}

// Orchestrator drives one site's crawl session end to end.
type Orchestrator struct {
	sites       repository.SiteRepository
	documents   repository.DocumentRepository
	sessions    repository.CrawlSessionRepository
	entities    repository.StructuredEntityRepository
	manifests   repository.ManifestRepository
	store       *vectorstore.Store
	fetcher     *fetch.Fetcher
	sitemaps    *fetch.SitemapReader
	robots      *fetch.RobotsCache
	extractor   *extract.Extractor
	embed       embedder.Embedder
	manifestGen *manifest.Generator
	cache       *cache.Cache
	cfg         Config
	log         *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New wires an Orchestrator from its component dependencies. cacheStore
// may be nil (e.g. in tests); when absent, a completed crawl simply
// skips cache invalidation rather than serving stale results forever,
// since nothing would ever populate that cache either.
func New(
	sites repository.SiteRepository,
	documents repository.DocumentRepository,
	sessions repository.CrawlSessionRepository,
	entities repository.StructuredEntityRepository,
	manifests repository.ManifestRepository,
	store *vectorstore.Store,
	fetcher *fetch.Fetcher,
	sitemaps *fetch.SitemapReader,
	robots *fetch.RobotsCache,
	extractor *extract.Extractor,
	embed embedder.Embedder,
	cacheStore *cache.Cache,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if cfg.ProcessingConcurrency <= 0 {
		cfg.ProcessingConcurrency = 8
	}
	if cfg.EmbeddingConcurrency <= 0 {
		cfg.EmbeddingConcurrency = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		sites: sites, documents: documents, sessions: sessions, entities: entities,
		manifests: manifests, store: store, fetcher: fetcher, sitemaps: sitemaps,
		robots: robots, extractor: extractor, embed: embed, manifestGen: manifest.New(),
		cache: cacheStore, cfg: cfg, log: log,
		active: make(map[string]context.CancelFunc),
	}
}

// Request starts a crawl for one site.
type Request struct {
	TenantID string
	Site     *domain.Site
	Full     bool // force a full resync, ignoring sitemap lastmod deltas
}

// Run executes one crawl session synchronously, advancing the session
// through every state and persisting it at each transition so a reader
// of CrawlSessionRepository always observes current progress.
//
// Run returns ErrSessionConflict, wrapped via errors.Is, if the site
// already has an active session; the caller (the server's crawl
// trigger handler, or the CLI) is expected to surface that as a 409.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*domain.CrawlSession, error) {
	session, err := o.start(ctx, req)
	if err != nil {
		return nil, err
	}
	o.runSession(ctx, req, session)
	return session, nil
}

// Trigger creates the pending session row synchronously, so a caller
// has a sessionId to poll immediately, and runs the rest of the state
// machine on a detached context in the background. The returned session reflects
// only the pending/discovering transition observed before Trigger
// returns; callers poll CrawlSessionRepository for subsequent states.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) (*domain.CrawlSession, error) {
	session, err := o.start(ctx, req)
	if err != nil {
		return nil, err
	}
	go o.runSession(context.Background(), req, session)
	return session, nil
}

// start creates and persists the pending CrawlSession row, enforcing
// the single-active-session-per-site invariant at the database layer.
func (o *Orchestrator) start(ctx context.Context, req Request) (*domain.CrawlSession, error) {
	sessType := domain.SessionDelta
	if req.Full {
		sessType = domain.SessionFull
	}

	session := &domain.CrawlSession{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		SiteID:    req.Site.ID,
		Type:      sessType,
		State:     domain.SessionPending,
		CreatedAt: time.Now(),
	}
	if err := o.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, postgres.ErrSessionConflict) {
			return nil, fmt.Errorf("crawl: %w", ErrSessionConflict)
		}
		return nil, fmt.Errorf("crawl: create session: %w", err)
	}
	return session, nil
}

// Cancel requests cancellation of an in-flight session. Workers
// observe it at their next suspension point; already-committed
// documents and chunks are kept, and the session lands in failed with
// reason "cancelled". Returns false when the session is not running in
// this process.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) register(session *domain.CrawlSession, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[session.ID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) deregister(session *domain.CrawlSession) {
	o.mu.Lock()
	delete(o.active, session.ID)
	o.mu.Unlock()
}

// runSession advances a freshly created session through discovering ->
// fetching -> processing -> done/failed, persisting state at every
// transition. It is safe to run on a detached context: cancellation of
// the triggering request must never abort an in-flight crawl, and
// already-committed work survives a cancellation either way.
func (o *Orchestrator) runSession(ctx context.Context, req Request, session *domain.CrawlSession) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.register(session, cancel)
	defer o.deregister(session)

	now := time.Now()
	session.StartedAt = &now
	o.transition(ctx, session, domain.SessionDiscovering, "")

	candidates, err := o.discover(ctx, req, session)
	if err != nil {
		o.fail(ctx, session, failReason("discover", err))
		return
	}
	session.Counters.URLsDiscovered = len(candidates)
	o.transition(ctx, session, domain.SessionFetching, "")

	results := o.fetchAll(ctx, candidates, req.Site, o.siteFetcher(req.Site))
	o.transition(ctx, session, domain.SessionProcessing, "")

	actions, entities, err := o.processAll(ctx, req, session, results)
	if err != nil {
		o.fail(ctx, session, failReason("process", err))
		return
	}
	if ctx.Err() != nil {
		o.fail(ctx, session, "cancelled")
		return
	}

	finished := time.Now()
	if err := o.regenerateManifest(ctx, req, actions, entities, finished); err != nil {
		o.log.Warn("crawl: manifest regeneration failed", "site", req.Site.ID, "error", err)
	}

	session.FinishedAt = &finished
	o.transition(ctx, session, domain.SessionDone, "")

	if err := o.sites.SetLatestSession(ctx, req.TenantID, req.Site.ID, session.ID); err != nil {
		o.log.Warn("crawl: set latest session failed", "site", req.Site.ID, "error", err)
	}

	// A successful crawl completion invalidates every cached search
	// response scoped to this site so the next query observes the new
	// corpus instead of serving stale fused results
	// until TTL.
	if o.cache != nil {
		if err := o.cache.Invalidate(ctx, cache.Tag{TenantID: req.TenantID, SiteID: req.Site.ID}); err != nil {
			o.log.Warn("crawl: cache invalidation failed", "site", req.Site.ID, "error", err)
		}
	}
}

// transition persists the session's new state. The update runs on a
// cancellation-stripped context so a cancelled session can still land
// its terminal failed row.
func (o *Orchestrator) transition(ctx context.Context, s *domain.CrawlSession, state domain.SessionState, reason string) {
	s.State = state
	s.FailReason = reason
	if err := o.sessions.Update(context.WithoutCancel(ctx), s); err != nil {
		o.log.Error("crawl: session update failed", "session", s.ID, "state", state, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, s *domain.CrawlSession, reason string) {
	finished := time.Now()
	s.FinishedAt = &finished
	o.transition(ctx, s, domain.SessionFailed, reason)
}

// failReason collapses a cancellation, wherever in the pipeline it
// surfaced, to the single reason "cancelled".
func failReason(phase string, err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return phase + ": " + err.Error()
}

// siteFetcher derives a fetcher honoring the site's persisted
// politeness settings. A site with an empty config (never registered
// through the API) inherits the process-wide fetcher untouched.
func (o *Orchestrator) siteFetcher(site *domain.Site) *fetch.Fetcher {
	c := site.Config
	if c == (domain.SiteConfig{}) {
		return o.fetcher
	}
	opts := []fetch.Option{fetch.WithRespectRobots(c.RespectRobots)}
	if c.UserAgent != "" {
		opts = append(opts, fetch.WithUserAgent(c.UserAgent))
	}
	if c.DelayMS > 0 {
		opts = append(opts, fetch.WithPerHostInterval(time.Duration(c.DelayMS)*time.Millisecond))
	}
	return o.fetcher.With(opts...)
}

// discover resolves the root sitemap plus any robots.txt-declared
// sitemaps, then narrows to the delta set unless this is a full crawl
// or no prior done session exists to diff against. The site's
// MaxDepth/MaxPages bounds apply last, so a delta session spends its
// page budget on changed URLs rather than on whatever sorted first.
func (o *Orchestrator) discover(ctx context.Context, req Request, session *domain.CrawlSession) ([]fetch.SitemapURL, error) {
	_, robotsSitemaps, _ := o.robots.Allowed(ctx, req.Site.BaseURL)

	urls, err := o.sitemaps.Discover(ctx, req.Site.BaseURL, robotsSitemaps)
	if err != nil {
		return nil, err
	}

	if session.Type != domain.SessionFull {
		last, err := o.sessions.GetLastDone(ctx, req.TenantID, req.Site.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if last != nil && last.FinishedAt != nil {
			urls = fetch.FindChangedURLs(urls, *last.FinishedAt)
		}
	}

	if md := req.Site.Config.MaxDepth; md > 0 {
		kept := urls[:0]
		for _, u := range urls {
			if pathDepth(u.Loc) <= md {
				kept = append(kept, u)
			}
		}
		urls = kept
	}
	if mp := req.Site.Config.MaxPages; mp > 0 && len(urls) > mp {
		o.log.Info("crawl: page cap applied", "site", req.Site.ID, "discovered", len(urls), "max_pages", mp)
		urls = urls[:mp]
	}
	return urls, nil
}

// pathDepth counts a URL's non-empty path segments, the measure
// MaxDepth bounds ("/a/b" is depth 2; the root is depth 0).
func pathDepth(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	depth := 0
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			depth++
		}
	}
	return depth
}

// fetchResult bundles one candidate URL's fetch outcome with the
// document it corresponds to (if previously seen).
type fetchResult struct {
	url  fetch.SitemapURL
	doc  *domain.Document
	res  fetch.Result
}

// fetchAll conditionally fetches every candidate URL with bounded
// concurrency, carrying forward each document's prior ETag/Last-Modified
// validators so unchanged pages short-circuit at the HTTP layer.
func (o *Orchestrator) fetchAll(ctx context.Context, candidates []fetch.SitemapURL, site *domain.Site, fetcher *fetch.Fetcher) []fetchResult {
	out := make([]fetchResult, len(candidates))
	sem := make(chan struct{}, o.cfg.ProcessingConcurrency)
	var wg sync.WaitGroup

	for i, c := range candidates {
		wg.Add(1)
		go func(idx int, cand fetch.SitemapURL) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				out[idx] = fetchResult{url: cand, res: fetch.Result{URL: cand.Loc, Outcome: fetch.OutcomeFailed, Err: ctx.Err()}}
				return
			}

			var prior fetch.Validators
			doc, err := o.documents.GetByCanonicalURL(ctx, site.TenantID, site.ID, cand.Loc)
			if err == nil {
				prior = fetch.Validators{ETag: doc.ETag, LastModified: doc.LastModifiedHeader, ContentHash: doc.ContentHash}
			}

			res := fetcher.Fetch(ctx, cand.Loc, prior)
			out[idx] = fetchResult{url: cand, doc: doc, res: res}
		}(i, c)
	}
	wg.Wait()
	return out
}

// processAll extracts, chunks, embeds (reusing embeddings for
// unchanged content), and persists every successfully fetched
// document, accumulating the action/entity inventory the manifest
// generator needs afterward.
func (o *Orchestrator) processAll(ctx context.Context, req Request, session *domain.CrawlSession, results []fetchResult) ([]domain.ActionDescriptor, []domain.StructuredEntity, error) {
	var (
		mu       sync.Mutex
		actions  []domain.ActionDescriptor
		entities []domain.StructuredEntity
	)

	sem := make(chan struct{}, o.cfg.ProcessingConcurrency)
	var wg sync.WaitGroup

	for _, r := range results {
		switch r.res.Outcome {
		case fetch.OutcomeUnchanged:
			mu.Lock()
			session.Counters.Unchanged++
			mu.Unlock()
			continue
		case fetch.OutcomeDisallowed:
			continue
		case fetch.OutcomeFailed:
			mu.Lock()
			session.Counters.Failed++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(fr fetchResult) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			docActions, docEntities, upsert, err := o.processOne(ctx, req, fr)

			mu.Lock()
			defer mu.Unlock()
			session.Counters.Fetched++
			session.Counters.Changed++
			if err != nil {
				session.Counters.Failed++
				o.log.Warn("crawl: process document failed", "url", fr.url.Loc, "error", err)
				return
			}
			session.Counters.ChunksUpserted += upsert.Inserted
			session.Counters.ChunksSkipped += upsert.Skipped
			actions = append(actions, docActions...)
			entities = append(entities, docEntities...)
		}(r)
	}
	wg.Wait()

	return actions, entities, nil
}

// processOne extracts one fetched document, chunks its cleaned content,
// embeds chunks whose content hash is new, and persists document,
// chunks, and structured entities.
func (o *Orchestrator) processOne(ctx context.Context, req Request, fr fetchResult) ([]domain.ActionDescriptor, []domain.StructuredEntity, vectorstore.UpsertResult, error) {
	res := o.extractor.Extract(string(fr.res.Body), fr.url.Loc)

	docID := uuid.New().String()
	if fr.doc != nil {
		docID = fr.doc.ID
	}

	doc := &domain.Document{
		ID:                 docID,
		TenantID:           req.TenantID,
		SiteID:             req.Site.ID,
		CanonicalURL:       fr.url.Loc,
		Title:              res.Content.Title,
		Lastmod:            fr.url.LastMod,
		ETag:               fr.res.Validators.ETag,
		LastModifiedHeader: fr.res.Validators.LastModified,
		ContentHash:        fr.res.ContentHash,
		FetchedAt:          fr.res.FetchedAt,
		UpdatedAt:          time.Now(),
	}
	if fr.doc == nil {
		doc.CreatedAt = time.Now()
	}
	if err := o.documents.Upsert(ctx, doc); err != nil {
		return nil, nil, vectorstore.UpsertResult{}, fmt.Errorf("upsert document: %w", err)
	}

	chunks, err := o.chunkAndEmbed(ctx, req, doc, res.Content)
	if err != nil {
		return nil, nil, vectorstore.UpsertResult{}, fmt.Errorf("chunk/embed: %w", err)
	}
	var upsert vectorstore.UpsertResult
	if len(chunks) > 0 {
		upsert, err = o.store.UpsertChunks(ctx, vectorstore.UpsertChunksRequest{
			TenantID: req.TenantID, SiteID: req.Site.ID, Chunks: chunks,
		})
		if err != nil {
			return nil, nil, vectorstore.UpsertResult{}, fmt.Errorf("upsert chunks: %w", err)
		}
	}

	if err := o.entities.DeleteByDocument(ctx, req.TenantID, doc.ID); err != nil {
		o.log.Warn("crawl: clear prior structured entities failed", "document", doc.ID, "error", err)
	}
	var entities []domain.StructuredEntity
	for _, e := range res.Entities {
		se := domain.StructuredEntity{
			ID: uuid.New().String(), TenantID: req.TenantID, SiteID: req.Site.ID,
			DocumentID: doc.ID, Type: e.Type, Properties: e.Properties,
			Confidence: e.Confidence, CreatedAt: time.Now(),
		}
		if err := o.entities.Create(ctx, &se); err != nil {
			o.log.Warn("crawl: structured entity create failed", "document", doc.ID, "error", err)
			continue
		}
		entities = append(entities, se)
	}

	actions := manifest.FromExtraction(doc.ID, res.Actions, res.Forms)
	return actions, entities, upsert, nil
}

// chunkAndEmbed runs the ingestion pipeline's heading-aware chunker over
// the extractor's structured heading/paragraph sequence, then embeds
// every chunk whose content hash isn't already stored for this site.
// Unchanged content never re-invokes the embedding provider.
func (o *Orchestrator) chunkAndEmbed(ctx context.Context, req Request, doc *domain.Document, content extract.ContentResult) ([]*domain.Chunk, error) {
	if len(content.Blocks) == 0 {
		return nil, nil
	}

	pipeline := ingestion.NewPipeline(ingestion.PipelineConfig{Chunker: req.Site.Config.Chunker})
	result, err := pipeline.ProcessBlocks(ctx, content.Blocks, map[string]string{
		"canonical_url": doc.CanonicalURL,
	})
	if err != nil {
		return nil, err
	}

	domainChunks := ingestion.ChunksToDomain(result.Chunks, req.TenantID, req.Site.ID, doc.ID)
	for _, c := range domainChunks {
		c.CleanedContent = c.Content
		c.Locale = "en"
	}

	var (
		mu         sync.Mutex
		needEmbed  []*domain.Chunk
		needTexts  []string
	)
	for _, c := range domainChunks {
		existing, ok, err := o.store.ExistingEmbedding(ctx, req.Site.ID, c.ContentHash)
		if err != nil {
			return nil, err
		}
		if ok {
			c.Embedding = existing
			continue
		}
		needEmbed = append(needEmbed, c)
		needTexts = append(needTexts, c.Content)
	}

	if len(needEmbed) > 0 {
		sem := make(chan struct{}, o.cfg.EmbeddingConcurrency)
		var wg sync.WaitGroup
		var embedErr error
		for i := range needEmbed {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
				vec, err := o.embed.Embed(ctx, needTexts[idx])
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					embedErr = err
					return
				}
				needEmbed[idx].Embedding = vec
			}(i)
		}
		wg.Wait()
		if embedErr != nil {
			return nil, embedErr
		}
	}

	return domainChunks, nil
}

// regenerateManifest rebuilds and persists the site's SiteManifest from
// the freshly accumulated action/entity inventory. generatedAt is the
// session's finish time so the manifest and session counters agree on
// when this corpus version came to be.
func (o *Orchestrator) regenerateManifest(ctx context.Context, req Request, actions []domain.ActionDescriptor, entities []domain.StructuredEntity, generatedAt time.Time) error {
	prevVersion := 0
	if prev, err := o.manifests.GetLatest(ctx, req.TenantID, req.Site.ID); err == nil && prev != nil {
		prevVersion = prev.Version
	}

	built := o.manifestGen.Build(manifest.BuildRequest{
		SiteID: req.Site.ID, PreviousVersion: prevVersion, Actions: actions,
		Entities: entities, AllowedOrigins: req.Site.AllowedOrigins, GeneratedAt: generatedAt,
	})

	return o.manifests.Put(ctx, req.TenantID, req.Site.ID, &built)
}
