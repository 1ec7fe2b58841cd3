package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"github.com/yungbote/ragbridge-backend/internal/config"
	"github.com/yungbote/ragbridge-backend/internal/data/db"
	"github.com/yungbote/ragbridge-backend/internal/observability"
	"github.com/yungbote/ragbridge-backend/internal/platform/envutil"
	"github.com/yungbote/ragbridge-backend/internal/platform/logger"
)

const serviceName = "ragbridge"

type App struct {
	Log    *logger.Logger
	Config *config.Config

	Clients  Clients
	Repos    Repos
	Services Services

	pg           *db.PostgresService
	db           *gorm.DB
	server       *http.Server
	metrics      *observability.Metrics
	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics := observability.Init(log)
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Version:     envutil.String("SERVICE_VERSION", "dev"),
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	theDB := pg.DB()
	if err := db.AutoMigrateAll(theDB); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	if err := db.EnsureSearchIndexes(theDB); err != nil {
		// Exact scans still serve queries without the ANN/FTS indexes.
		log.Warn("search index creation failed", "error", err)
	}

	clients, err := wireClients(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)
	serviceset := wireServices(theDB, cfg, clients, reposet, log)
	handlerset := wireHandlers(theDB, clients, reposet, serviceset, log)
	middleware := wireMiddleware(cfg, log)

	srv := wireServer(cfg, handlerset, middleware, metrics, log)

	return &App{
		Log:          log,
		Config:       cfg,
		Clients:      clients,
		Repos:        reposet,
		Services:     serviceset,
		pg:           pg,
		db:           theDB,
		server:       srv,
		metrics:      metrics,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves until ctx is cancelled or the listener fails. On cancellation
// in-flight requests drain within the configured shutdown timeout before
// graph instances, the Neo4j driver, and the cache connection are released.
func (a *App) Run(ctx context.Context) error {
	a.metrics.StartServer(ctx, a.Log, envutil.String("METRICS_ADDR", ""))
	a.metrics.StartPostgresCollector(ctx, a.Log, a.db)
	if a.Clients.Cache.Enabled() {
		a.metrics.StartRedisCollector(ctx, a.Log, a.Config.Cache.RedisAddr)
	}
	a.metrics.StartDocumentQueueCollector(ctx, a.Log, a.db)
	a.metrics.StartSLOEvaluator(ctx, a.Log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()
	a.Log.Info("http server listening", "addr", a.Config.HTTP.Addr, "env", a.Config.Env)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout.Duration)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
		a.close(shutdownCtx)
		return nil
	case err := <-errCh:
		a.close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *App) close(ctx context.Context) {
	a.Services.Graph.Cleanup(ctx)
	a.Clients.Close(ctx)
	_ = a.pg.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	a.Log.Sync()
}
