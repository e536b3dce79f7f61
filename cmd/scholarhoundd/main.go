// scholarhoundd is the academic-profile ingestion service. It serves the
// run-control API with its SSE progress streams, and hosts the background
// scheduler that drains the continuation queue and starts due auto runs.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"go.scholarhound.org/scholarhound/go/httputils"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/arxiv"
	"go.scholarhound.org/scholarhound/ingest/go/authorsearch"
	"go.scholarhound.org/scholarhound/ingest/go/engine"
	"go.scholarhound.org/scholarhound/ingest/go/enrich"
	"go.scholarhound.org/scholarhound/ingest/go/feedcache"
	"go.scholarhound.org/scholarhound/ingest/go/instanceconfig"
	"go.scholarhound.org/scholarhound/ingest/go/openalex"
	"go.scholarhound.org/scholarhound/ingest/go/pagedfetch"
	"go.scholarhound.org/scholarhound/ingest/go/runevents"
	"go.scholarhound.org/scholarhound/ingest/go/scheduler"
	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
	"go.scholarhound.org/scholarhound/ingest/go/sql/sqlstore"
	"go.scholarhound.org/scholarhound/ingest/go/web"
)

// Command line flags.
var (
	configFile = flag.String("config", "", "Path to the JSON5 instance configuration file.")
	port       = flag.String("port", "", "HTTP service address, overrides the config file value.")
	promPort   = flag.String("prom_port", "", "Metrics service address, overrides the config file value.")
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()
	if *configFile == "" {
		sklog.Fatal("--config is required")
	}
	cfg, err := instanceconfig.Load(*configFile)
	if err != nil {
		sklog.Fatalf("Failed to load config %s: %s", *configFile, err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *promPort != "" {
		cfg.PromPort = *promPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.Connect(ctx, cfg.Database.ConnectionString)
	if err != nil {
		sklog.Fatalf("Failed to connect to the database: %s", err)
	}
	defer db.Close()
	stores := sqlstore.New(db)

	// Scraping stack: Scholar source, paged fetcher, event bus, engine.
	scholarClient := httputils.DefaultClientConfig().
		WithRequestTimeout(30 * time.Second).
		WithoutRetries().
		Client()
	src := scholsource.New(scholarClient, cfg.ScholarBaseURL)
	bus := runevents.New()
	fetcher := pagedfetch.New(src, stores.Runs)

	// Enrichment stack: shared caches with politeness gates, OpenAlex and
	// arXiv clients, the background pipeline.
	apiTimeout := cfg.Arxiv.Timeout.Duration
	if apiTimeout <= 0 {
		apiTimeout = 30 * time.Second
	}
	apiClient := httputils.DefaultClientConfig().
		WithRequestTimeout(apiTimeout).
		Client()
	arxivCache := feedcache.New("arxiv", stores.Cache, stores.RuntimeState, feedcache.Options{
		TTL:               cfg.Arxiv.CacheTTL.Duration,
		MaxEntries:        cfg.Arxiv.CacheMaxEntries,
		RatePerSec:        1,
		Burst:             1,
		CooldownThreshold: 3,
		Cooldown:          5 * time.Minute,
	})
	openalexCache := feedcache.New("openalex", stores.Cache, stores.RuntimeState, feedcache.Options{
		TTL:        time.Hour,
		MaxEntries: cfg.Arxiv.CacheMaxEntries,
		RatePerSec: 5,
		Burst:      5,
	})
	oa := openalex.New(apiClient, "", cfg.OpenAlex.Mailto, cfg.OpenAlex.APIKey, openalexCache)
	ax := arxiv.New(apiClient, "", cfg.Arxiv.Mailto, arxivCache)
	enricher := enrich.New(stores.Publications, stores.Runs, oa, ax, bus, enrich.Options{
		ArxivEnabled: cfg.Arxiv.Enabled,
		PDFClient:    apiClient,
	})

	eng := engine.New(stores, fetcher, bus, enricher, cfg.Ingestion.EngineConfig())

	sched := scheduler.New(stores, eng, cfg.Scheduler.Config(cfg.Ingestion))
	sched.Start(ctx)

	// Author search shares the scraping client and the persisted cache.
	searchCache := feedcache.New(authorsearch.Service, stores.Cache, stores.RuntimeState, feedcache.Options{
		TTL:               cfg.AuthorSearch.CacheTTL.Duration,
		MaxEntries:        cfg.AuthorSearch.CacheMaxEntries,
		TTLJitter:         cfg.AuthorSearch.JitterMax.Duration,
		RatePerSec:        0.5,
		Burst:             1,
		CooldownThreshold: cfg.AuthorSearch.BlockedThreshold,
		Cooldown:          cfg.AuthorSearch.Cooldown.Duration,
	})
	search := authorsearch.New(src, searchCache)

	r := chi.NewRouter()
	r.Use(httputils.LoggingRequestResponse)
	web.New(stores, eng, bus, search).AddHandlers(r)

	apiServer := &http.Server{Addr: cfg.Port, Handler: httputils.Healthz(r)}
	promServer := &http.Server{Addr: cfg.PromPort, Handler: promhttp.Handler()}

	var eg errgroup.Group
	eg.Go(func() error {
		sklog.Infof("Serving API on %s", cfg.Port)
		return ignoreServerClosed(apiServer.ListenAndServe())
	})
	eg.Go(func() error {
		sklog.Infof("Serving metrics on %s", cfg.PromPort)
		return ignoreServerClosed(promServer.ListenAndServe())
	})
	eg.Go(func() error {
		<-ctx.Done()
		sklog.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			sklog.Errorf("API server shutdown: %s", err)
		}
		return promServer.Shutdown(shutdownCtx)
	})
	if err := eg.Wait(); err != nil {
		sklog.Fatal(err)
	}
}

func ignoreServerClosed(err error) error {
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
