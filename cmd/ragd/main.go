// Command ragd is the knowledge base engine's single-binary
// entrypoint: the long-running serve command plus the crawl, reindex,
// and budget operational subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sitespeak/kbengine/internal/auth"
	"github.com/sitespeak/kbengine/internal/budget"
	"github.com/sitespeak/kbengine/internal/cache"
	"github.com/sitespeak/kbengine/internal/config"
	"github.com/sitespeak/kbengine/internal/crawl"
	"github.com/sitespeak/kbengine/internal/domain"
	"github.com/sitespeak/kbengine/internal/embedder"
	"github.com/sitespeak/kbengine/internal/extract"
	"github.com/sitespeak/kbengine/internal/fetch"
	"github.com/sitespeak/kbengine/internal/repository/postgres"
	"github.com/sitespeak/kbengine/internal/search"
	"github.com/sitespeak/kbengine/internal/server"
	"github.com/sitespeak/kbengine/internal/vectorstore"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		if err := runServe(); err != nil {
			slog.Error("ragd: serve failed", "error", err)
			os.Exit(1)
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "crawl":
		err = runCrawl(os.Args[2:])
	case "reindex":
		err = runReindex(os.Args[2:])
	case "budget":
		err = runBudget(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "usage: ragd [serve|crawl|reindex|budget] ...\n")
		os.Exit(2)
	}
	if err != nil {
		slog.Error("ragd: command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// deps bundles every wired component shared by the serve and CLI
// subcommands, so each command only assembles what it needs.
type deps struct {
	cfg       *config.Config
	db        *postgres.DB
	store     *vectorstore.Store
	embed     embedder.Embedder
	tenants   *postgres.TenantRepo
	sites     *postgres.SiteRepo
	documents *postgres.DocumentRepo
	sessions  *postgres.CrawlSessionRepo
	entities  *postgres.StructuredEntityRepo
	manifests *postgres.ManifestRepo
	budgets   *postgres.BudgetRepo
	budgetCtl *budget.Controller
	cache     *cache.Cache
}

func wire(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Migrate(ctx, cfg.EmbeddingDim); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	embed, err := wireEmbedder(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	c, err := cache.New(cache.Config{
		L1Size: cfg.CacheL1Size, TTL: cfg.CacheTTL, SWRWindow: cfg.CacheSWRWindow, RedisURL: cfg.RedisURL,
	})
	if err != nil {
		slog.Warn("ragd: cache init failed, running without cache", "error", err)
		c = nil
	}

	return &deps{
		cfg:       cfg,
		db:        db,
		store:     vectorstore.New(db),
		embed:     embed,
		tenants:   postgres.NewTenantRepo(db),
		sites:     postgres.NewSiteRepo(db),
		documents: postgres.NewDocumentRepo(db),
		sessions:  postgres.NewCrawlSessionRepo(db),
		entities:  postgres.NewStructuredEntityRepo(db),
		manifests: postgres.NewManifestRepo(db),
		budgets:   postgres.NewBudgetRepo(db),
		budgetCtl: budget.New(postgres.NewBudgetRepo(db), slog.Default(), budget.WithDefaultTier(cfg.DefaultTenantTier)),
		cache:     c,
	}, nil
}

// siteDefaults seeds newly registered sites from the operator's
// environment configuration rather than compile-time constants.
func siteDefaults(cfg *config.Config) domain.SiteConfig {
	model := cfg.OllamaModel
	if cfg.EmbeddingProvider == "openai" {
		model = cfg.OpenAIModel
	}
	return domain.SiteConfig{
		EmbeddingModel: model,
		EmbeddingDim:   cfg.EmbeddingDim,
		Chunker: domain.ChunkerConfig{
			Method:     cfg.DefaultChunkMethod,
			TargetSize: cfg.DefaultChunkTargetSize,
			MaxSize:    cfg.DefaultChunkMaxSize,
			Overlap:    cfg.DefaultChunkOverlap,
		},
		TopK:     cfg.DefaultTopK,
		MinScore: cfg.DefaultMinScore,
		FusionWeights: domain.FusionWeights{
			Vector:     cfg.FusionWeightVector,
			Fulltext:   cfg.FusionWeightFulltext,
			Structured: cfg.FusionWeightStructured,
		},
		RespectRobots: true,
		UserAgent:     cfg.FetchUserAgent,
		DelayMS:       int(cfg.FetchPerHostInterval / time.Millisecond),
	}
}

func wireEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel,
		})
	default:
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL, Model: cfg.OllamaModel, Dimension: cfg.EmbeddingDim,
		}), nil
	}
}

func (d *deps) newOrchestrator() *crawl.Orchestrator {
	fetcher := fetch.New(
		fetch.WithTimeout(d.cfg.FetchTimeout),
		fetch.WithUserAgent(d.cfg.FetchUserAgent),
		fetch.WithPerHostInterval(d.cfg.FetchPerHostInterval),
		fetch.WithMaxConcurrency(d.cfg.FetchMaxConcurrency),
		fetch.WithMaxRetries(d.cfg.FetchMaxRetries),
	)
	sitemaps := fetch.NewSitemapReader(http.DefaultClient, d.cfg.SitemapCacheTTL)
	robots := fetch.NewRobotsCache(http.DefaultClient, d.cfg.FetchUserAgent, time.Hour)
	extractor := extract.New(extract.Options{})

	return crawl.New(
		d.sites, d.documents, d.sessions, d.entities, d.manifests, d.store,
		fetcher, sitemaps, robots, extractor, d.embed, d.cache,
		crawl.Config{
			ProcessingConcurrency: d.cfg.CrawlProcessingConcurrency,
			EmbeddingConcurrency:  d.cfg.CrawlEmbeddingConcurrency,
			FetchTimeout:          d.cfg.FetchTimeout,
		},
		slog.Default(),
	)
}

func (d *deps) newSearchService() *search.Service {
	return search.New(
		d.store, d.cache, d.budgetCtl, d.embed, d.documents, d.entities, d.manifests, d.sites,
		search.WithFusionK(d.cfg.FusionK),
		search.WithTimeout(d.cfg.SearchTimeout),
	)
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := wire(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	resetCtx, resetCancel := context.WithCancel(ctx)
	defer resetCancel()
	go d.budgetCtl.RunResetLoop(resetCtx, d.cfg.BudgetResetPeriod)

	jwtManager := auth.NewJWTManager(&auth.JWTConfig{
		Secret: d.cfg.JWTSecret,
		Expiry: d.cfg.JWTExpiry,
		Issuer: "kbengine",
	})

	srv, err := server.New(server.Config{
		Port:           d.cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"},
		AdminAPIKey:    os.Getenv("ADMIN_API_KEY"),
		JWT:            jwtManager,
		SiteDefaults:   siteDefaults(d.cfg),
	}, server.Services{
		Search:    d.newSearchService(),
		Crawl:     d.newOrchestrator(),
		Budget:    d.budgetCtl,
		Tenants:   d.tenants,
		Sites:     d.sites,
		Sessions:  d.sessions,
		Manifests: d.manifests,
	})
	if err != nil {
		return fmt.Errorf("create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("ragd: received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// runCrawl implements the `crawl --site <id> --tenant <id> [--full]`
// subcommand, running one session to completion synchronously and
// printing its final counters.
func runCrawl(args []string) error {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	tenantID := fs.String("tenant", "", "tenant id")
	siteID := fs.String("site", "", "site id")
	full := fs.Bool("full", false, "force a full resync instead of a delta crawl")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenantID == "" || *siteID == "" {
		return fmt.Errorf("crawl: --tenant and --site are required")
	}

	ctx := context.Background()
	d, err := wire(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	site, err := d.sites.GetByID(ctx, *tenantID, *siteID)
	if err != nil {
		return fmt.Errorf("crawl: load site: %w", err)
	}

	session, err := d.newOrchestrator().Run(ctx, crawl.Request{TenantID: *tenantID, Site: site, Full: *full})
	if err != nil {
		return err
	}

	fmt.Printf("session %s finished in state %s: discovered=%d fetched=%d changed=%d unchanged=%d failed=%d\n",
		session.ID, session.State, session.Counters.URLsDiscovered, session.Counters.Fetched,
		session.Counters.Changed, session.Counters.Unchanged, session.Counters.Failed)
	return nil
}

// runReindex implements `reindex --kind {ann|partition|exact}`: ann
// builds HNSW (high recall, slow build), partition builds IVFFlat
// (fast build after a bulk load, lower recall), exact drops the ANN
// index so queries run exact full scans.
func runReindex(args []string) error {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	kind := fs.String("kind", "ann", "index kind to build: ann, partition, or exact")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := wire(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	var target vectorstore.IndexKind
	switch *kind {
	case "ann":
		target = vectorstore.IndexHNSW
	case "partition":
		target = vectorstore.IndexIVFFlat
	case "exact":
		target = vectorstore.IndexExact
	default:
		return fmt.Errorf("reindex: unknown kind %q", *kind)
	}
	if err := d.store.Reindex(ctx, target); err != nil {
		return err
	}
	fmt.Printf("%s index in place\n", *kind)
	return nil
}

// runBudget implements `budget show --tenant <id> [--site <id>]`.
func runBudget(args []string) error {
	if len(args) == 0 || args[0] != "show" {
		return fmt.Errorf("budget: usage: budget show --tenant <id> [--site <id>]")
	}
	fs := flag.NewFlagSet("budget show", flag.ExitOnError)
	tenantID := fs.String("tenant", "", "tenant id")
	siteID := fs.String("site", "", "site id")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *tenantID == "" {
		return fmt.Errorf("budget show: --tenant is required")
	}

	ctx := context.Background()
	d, err := wire(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	check, err := d.budgetCtl.Check(ctx, budget.CheckRequest{
		TenantID: *tenantID, SiteID: *siteID, Type: domain.BudgetTokens, Amount: 0,
	})
	if err != nil {
		return err
	}
	b := check.Budget
	fmt.Printf("tenant=%s site=%s tier-limits tokens=%d/mo actions=%d/day apiCalls=%d/hr voiceMinutes=%d/mo storage=%dB\n",
		b.TenantID, b.SiteID, b.Limits.TokensPerMonth, b.Limits.ActionsPerDay, b.Limits.APICallsPerHour,
		b.Limits.VoiceMinutesMonth, b.Limits.StorageBytes)
	fmt.Printf("usage: tokens=%d actions=%d apiCalls=%d voiceMinutes=%d storage=%dB\n",
		b.Usage.Tokens, b.Usage.Actions, b.Usage.APICalls, b.Usage.VoiceMinutes, b.Usage.Storage)
	return nil
}
