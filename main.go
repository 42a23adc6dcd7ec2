package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adsplice-proxy/work/ads"
	"adsplice-proxy/work/analytics"
	"adsplice-proxy/work/buffer"
	"adsplice-proxy/work/cache"
	"adsplice-proxy/work/catalog"
	"adsplice-proxy/work/client"
	"adsplice-proxy/work/config"
	"adsplice-proxy/work/database"
	"adsplice-proxy/work/filter"
	"adsplice-proxy/work/gateway"
	"adsplice-proxy/work/geo"
	"adsplice-proxy/work/handlers"
	"adsplice-proxy/work/logger"
	"adsplice-proxy/work/middleware"
	"adsplice-proxy/work/pipeline"
	"adsplice-proxy/work/proxy"
	"adsplice-proxy/work/proxypool"
	"adsplice-proxy/work/resolver"
	"adsplice-proxy/work/rewriter"
	"adsplice-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// catalogTTL bounds how long a video's origin URL is served from memory.
const catalogTTL = time.Minute

// app holds what the admin routes need beyond the StreamProxy
type app struct {
	cfg      *config.Config
	proxy    *proxy.StreamProxy
	pool     *proxypool.Pool
	reloader *proxypool.Reloader
	workers  *ants.Pool
	db       *database.DB
}

// our main app worker
func main() {
	configPath := flag.String("config", "", "path to the JSON settings file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}
	if *configPath != "" {
		config.SetConfigPath(*configPath)
	}

	// load our config
	cfg := config.LoadConfig()
	logger.Init(cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bufferPool := buffer.NewBufferPool(32 * 1024)
	clients := client.New(cfg)

	// egress proxies
	pool := proxypool.New(nil, proxypool.Options{
		FailureThreshold: cfg.FailureThreshold,
		CooldownBase:     cfg.CooldownBase,
		CooldownMax:      cfg.CooldownMax,
	})
	reloader := proxypool.NewReloader(pool, cfg.ProxyListPath, cfg.ProxyReloadEvery)
	reloader.OnReload(func(entries []*proxypool.Entry) {
		keep := make([]*url.URL, 0, len(entries))
		for _, e := range entries {
			keep = append(keep, e.URL)
		}
		if n := clients.Prune(keep); n > 0 {
			logger.Debug("{main - OnReload} closed %d transports of removed proxies", n)
		}
	})
	if cfg.ProxyListPath != "" {
		n, err := reloader.ReloadNow()
		if err != nil {
			logger.Warn("{main - main} initial proxy list load failed: %v", err)
		} else {
			logger.Info("{main - main} loaded %d proxies from %s", n, cfg.ProxyListPath)
		}
	}
	if err := reloader.Start(ctx); err != nil {
		logger.Warn("{main - main} proxy list watcher disabled: %v", err)
	}
	defer reloader.Stop()

	if cfg.HealthCheckURL != "" {
		checker, err := proxypool.NewChecker(pool, func(ctx context.Context, e *proxypool.Entry) error {
			return clients.CheckProxy(ctx, e.URL, cfg.HealthCheckURL)
		}, cfg.HealthCheckEvery, cfg.ProxyFetchTimeout, cfg.WorkerThreads, cfg.HealthCheckRate)
		if err != nil {
			log.Fatalf("Failed to create proxy health checker: %v", err)
		}
		checker.Start(ctx)
		defer checker.Stop()
	}

	gw := gateway.New(cfg, pool, clients, filter.NewHostMatcher(cfg.CDNDomains), bufferPool)

	// collaborators
	db, err := database.Open(cfg.DatabasePath, cfg.AdMediaDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	videoCatalog, err := catalog.New(db, catalogTTL, 0)
	if err != nil {
		log.Fatalf("Failed to create catalog: %v", err)
	}

	var locator geo.Locator = geo.Nop{}
	if cfg.GeoLookupURL != "" {
		l, err := geo.NewHTTPLocator(cfg.GeoLookupURL, clients.Direct(), cfg.GeoTimeout)
		if err != nil {
			log.Fatalf("Failed to create geo locator: %v", err)
		}
		locator = l
	}

	// analytics never waits for a worker
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true), ants.WithNonblocking(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()
	recorder := analytics.NewRecorder(workerPool, db, locator, 5*time.Second)

	segmentCache, err := cache.NewSegmentCache(cfg.AdSegmentCacheSize)
	if err != nil {
		log.Fatalf("Failed to create ad segment cache: %v", err)
	}
	defer segmentCache.Close()

	segments := ads.NewSegmentSource(db, db, segmentCache)
	injector := ads.NewInjector(db, ads.NewSelector(nil), segments, recorder)

	playlists := cache.NewResponseCache("playlist", cfg.PlaylistCacheTTL, cfg.CacheCapacity)
	upstream := cache.NewResponseCache("upstream", cfg.UpstreamCacheTTL, cfg.CacheCapacity)

	proxyInstance := proxy.New(cfg, proxy.Components{
		Pool:         pool,
		Gateway:      gw,
		Pipeline:     pipeline.New(cfg, videoCatalog, resolver.New(cfg, gw), injector, playlists),
		Catalog:      videoCatalog,
		Ads:          db,
		Segments:     segments,
		SegmentCache: segmentCache,
		Playlists:    playlists,
		Upstream:     upstream,
		Recorder:     recorder,
		BufferPool:   bufferPool,
	})
	go proxyInstance.StartMaintenance()
	defer proxyInstance.StopMaintenance()

	// Setup HTTP routes
	router := mux.NewRouter()
	router.HandleFunc("/videos/{videoID}/playlist.m3u8", middleware.GzipMiddleware(handlers.HandlePlaylist(proxyInstance))).Methods("GET")
	router.HandleFunc(rewriter.SegmentPath, handlers.HandleSegment(proxyInstance)).Methods("GET")
	router.HandleFunc("/ads/{adID}/segments/{index:[0-9]+}", handlers.HandleAdSegment(proxyInstance)).Methods("GET", "HEAD")
	router.HandleFunc("/ads/{adID}/click", handlers.HandleAdClick(proxyInstance)).Methods("GET")
	router.HandleFunc("/api/upstream/{path:.+}", middleware.GzipMiddleware(handlers.HandleUpstream(proxyInstance))).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	setupAdminRoutes(router, &app{
		cfg:      cfg,
		proxy:    proxyInstance,
		pool:     pool,
		reloader: reloader,
		workers:  workerPool,
		db:       db,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.RequestID(middleware.CORS(router)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting AdSplice Proxy %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen: %s", cfg.ListenAddr)
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Default mode: %s (ads %v, skip %d segments)", cfg.DefaultMode, cfg.AdsEnabled, cfg.SegmentsToSkip)
	logger.Info("  - Proxies: %d (CDN patterns: %d)", pool.Len(), len(cfg.CDNDomains))
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Playlist cache: %s x %d", cfg.PlaylistCacheTTL, cfg.CacheCapacity)
	logger.Info("  - Ad segment cache: %s", utils.FormatBytes(cfg.AdSegmentCacheSize))
	logger.Info("  - Upstream API: %s", utils.LogURL(cfg, cfg.UpstreamAPIBase))
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("{main - main} shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} server shutdown: %v", err)
	}
	if err := recorder.Wait(shutdownCtx); err != nil {
		logger.Warn("{main - main} analytics still pending at shutdown: %v", err)
	}
}
