package app

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pricecompare/internal/cache"
	"github.com/xenking/pricecompare/internal/catalogsync"
	"github.com/xenking/pricecompare/internal/domain/workspace"
	"github.com/xenking/pricecompare/internal/handler"
	"github.com/xenking/pricecompare/internal/persistence"
	"github.com/xenking/pricecompare/internal/remote"
	"github.com/xenking/pricecompare/internal/status"
	"github.com/xenking/pricecompare/internal/storage/postgres"
	"github.com/xenking/pricecompare/pkg/health"
	"github.com/xenking/pricecompare/pkg/httpmiddleware"
)

// OpenCache opens the key tier under cfg.DataDir and the object tier either
// in Postgres (when cfg.DatabaseURL is set) or under cfg.DataDir, and returns
// a Manager over them. The caller must Dispose it.
func OpenCache(ctx context.Context, lg *zap.Logger, mp metric.MeterProvider, cfg *Config) (*cache.Manager, error) {
	keysDB, err := cache.OpenLevelDB(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		return nil, errors.Wrap(err, "open key tier")
	}
	keys := cache.NewKeyStore(keysDB)

	var backend cache.Backend
	if cfg.DatabaseURL != "" {
		lg.Info("Using Postgres object tier")
		backend, err = postgres.OpenObjectBackend(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = keys.Close()
			return nil, errors.Wrap(err, "open postgres object tier")
		}
	} else {
		objectsDB, err := cache.OpenLevelDB(filepath.Join(cfg.DataDir, "objects"))
		if err != nil {
			_ = keys.Close()
			return nil, errors.Wrap(err, "open object tier")
		}
		backend = cache.NewLevelDBBackend(objectsDB)
	}

	objects, err := cache.NewObjectStore(ctx, backend, cfg.Cache.MaxObjects, lg.Named("objects"))
	if err != nil {
		_ = keys.Close()
		_ = backend.Close()
		return nil, errors.Wrap(err, "open object store")
	}

	mgr, err := cache.NewManager(cache.Config{CleanupInterval: cfg.Cache.CleanupInterval},
		cache.NewMemoryStore(cfg.Cache.MemoryJanitor), keys, objects, lg.Named("cache"), mp)
	if err != nil {
		_ = keys.Close()
		_ = objects.Close()
		return nil, errors.Wrap(err, "create cache manager")
	}
	return mgr, nil
}

// Run creates all components, starts the background loops and the local API
// server, and handles graceful shutdown. It is the single wiring point of
// the agent.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("backend_enabled", cfg.Remote.BackendEnabled),
	)

	mgr, err := OpenCache(ctx, lg, m.MeterProvider(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Dispose(); err != nil {
			lg.Error("Failed to close cache", zap.Error(err))
		}
	}()
	mgr.Init(ctx)

	client := remote.NewClient(cfg.Remote, lg.Named("remote"), m.MeterProvider(), m.TracerProvider())
	monitor := status.NewMonitor(cfg.Status, mgr, client, lg.Named("status"))
	orchestrator, err := catalogsync.New(cfg.Catalog, mgr, client, lg.Named("catalogsync"), catalogsync.Options{
		Gate:           monitor,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create orchestrator")
	}

	ws := workspace.New()
	snapshots := persistence.New(cfg.Workspace, mgr, ws, lg.Named("persistence"), m.TracerProvider())

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddReadinessCheck("storage", 5*time.Second, mgr.Ping)
	healthSvc.AddReadinessCheck("catalog", time.Second, func(context.Context) error {
		if orchestrator.Catalog().Len() == 0 {
			return errors.New("catalog is empty")
		}
		return nil
	})
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	handler.New(orchestrator, ws, monitor, snapshots, mgr).Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Remote.FetchTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(mux,
				httpmiddleware.Recovery(),
				httpmiddleware.CORS(httpmiddleware.CORSConfig{
					AllowOrigins:     cfg.CORS.Origins,
					AllowHeaders:     []string{"Content-Type", httpmiddleware.RequestIDHeader},
					AllowCredentials: cfg.CORS.AllowCredentials,
					MaxAge:           86400,
				}),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.RequestID(),
				httpmiddleware.LogRequests(),
			),
			"pricecompare",
			otelhttp.WithMeterProvider(m.MeterProvider()),
			otelhttp.WithTracerProvider(m.TracerProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return snapshots.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return orchestrator.Run(gctx) })
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		if d := cfg.Graceful.ReadinessDelay; d > 0 {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", d))
			time.Sleep(d)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		if err := snapshots.SaveOnExit(shutdownCtx); err != nil {
			lg.Error("Failed to save workspace on exit", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
