// Package app builds and owns the long-lived services of the orchestrator.
// It is the single place where configuration turns into wired collaborators:
// browser pool, extractor, persistence fan-out, progress hub, director, and
// the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/api"
	"github.com/insightops/fleetharvest/internal/browser"
	"github.com/insightops/fleetharvest/internal/clock/system"
	"github.com/insightops/fleetharvest/internal/config"
	"github.com/insightops/fleetharvest/internal/director"
	"github.com/insightops/fleetharvest/internal/extract"
	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/id/uuid"
	"github.com/insightops/fleetharvest/internal/metrics"
	"github.com/insightops/fleetharvest/internal/persist"
	"github.com/insightops/fleetharvest/internal/pool"
	"github.com/insightops/fleetharvest/internal/probe"
	"github.com/insightops/fleetharvest/internal/progress"
	progresssinks "github.com/insightops/fleetharvest/internal/progress/sinks"
	"github.com/insightops/fleetharvest/internal/ratelimit"
	gcssink "github.com/insightops/fleetharvest/internal/sinks/gcs"
	pgsink "github.com/insightops/fleetharvest/internal/sinks/postgres"
	pubsubsink "github.com/insightops/fleetharvest/internal/sinks/pubsub"
	redissink "github.com/insightops/fleetharvest/internal/sinks/redis"
	"github.com/insightops/fleetharvest/internal/snapshot"
	snapgcs "github.com/insightops/fleetharvest/internal/snapshot/gcs"
	snaplocal "github.com/insightops/fleetharvest/internal/snapshot/local"
	snapmemory "github.com/insightops/fleetharvest/internal/snapshot/memory"
	auditpg "github.com/insightops/fleetharvest/internal/storage/postgres"
	"github.com/insightops/fleetharvest/internal/store"
)

// App holds every long-lived service. Build it with New, run it with Run;
// shutdown happens when Run's context is cancelled.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	allocator     *browser.Allocator
	pool          *pool.Pool
	hub           *progress.Hub
	coordinator   *persist.Coordinator
	director      *director.Director
	auditStore    *auditpg.AuditStore
	portalProbe   *probe.Probe
	httpServer    *http.Server
	storageClient *storage.Client

	closers []func(context.Context) error
}

// New wires the full service graph from configuration. Construction fails
// fast: a bad DSN or unreachable bucket surfaces here, not mid-run.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	a.allocator = browser.NewAllocator(browser.Config{
		UserAgent:         cfg.Portal.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		WarmupURL:         cfg.Portal.WarmupURL,
	}, logger)

	p, err := pool.New(ctx, cfg.Fleet.PoolCapacity, a.allocator.Factory(), logger)
	if err != nil {
		a.allocator.Close()
		return nil, fmt.Errorf("build session pool: %w", err)
	}
	a.pool = p

	extractor, err := a.buildExtractor()
	if err != nil {
		a.teardown(ctx)
		return nil, err
	}

	sinks, err := a.buildResultSinks(ctx)
	if err != nil {
		a.teardown(ctx)
		return nil, err
	}
	a.coordinator = persist.NewCoordinator(persist.Config{Logger: logger}, sinks...)

	var repo store.AuditRepository
	if cfg.Audit.Enabled {
		auditStore, err := auditpg.NewAuditStore(ctx, auditpg.AuditStoreConfig{
			DSN:      cfg.Audit.DSN,
			MaxConns: cfg.Audit.MaxConns,
			MinConns: cfg.Audit.MinConns,
		})
		if err != nil {
			a.teardown(ctx)
			return nil, fmt.Errorf("build audit store: %w", err)
		}
		a.auditStore = auditStore
		repo = auditStore
	}

	hub, err := a.buildProgressHub(repo)
	if err != nil {
		a.teardown(ctx)
		return nil, err
	}
	a.hub = hub

	a.director = director.New(a.pool, extractor, a.coordinator, a.hub, system.New(), uuid.New(), director.Config{
		Workers:     cfg.Fleet.Workers,
		MaxAttempts: cfg.Fleet.MaxAttempts,
		JobTimeout:  cfg.JobTimeout(),
		Logger:      logger,
	})

	a.portalProbe = probe.New(probe.Config{UserAgent: cfg.Portal.UserAgent}, logger)

	var runHandler *api.RunHandler
	if repo != nil {
		runHandler = api.NewRunHandler(repo, logger)
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	server := api.NewServer(a.director, runHandler, a.readiness, api.Config{
		RequestTimeout: cfg.ServerTimeout(),
		APIKey:         apiKey,
		Logger:         logger,
	})
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Director exposes the orchestration facade, mainly for tests.
func (a *App) Director() *director.Director {
	return a.director
}

// Run probes the portal, serves HTTP, and blocks until ctx is cancelled.
// It then drains everything in dependency order.
func (a *App) Run(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.portalProbe.Check(probeCtx, a.cfg.Portal.BaseURL); err != nil {
		// Degraded, not fatal: the portal may recover before the first run.
		a.logger.Warn("portal not reachable at startup", zap.Error(err))
	}
	if err := a.coordinator.Healthcheck(probeCtx); err != nil {
		// Same stance for sinks: report, keep serving, let per-write
		// retries and /readyz track recovery.
		a.logger.Warn("sink healthcheck failed at startup", zap.Error(err))
	}
	cancel()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		a.teardown(shutdownCtx)
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.shutdownServices(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// readiness backs the /readyz endpoint: portal reachable and sinks healthy.
func (a *App) readiness(ctx context.Context) error {
	if err := a.portalProbe.Check(ctx, a.cfg.Portal.BaseURL); err != nil {
		return err
	}
	return a.coordinator.Healthcheck(ctx)
}

func (a *App) buildExtractor() (fleet.Extractor, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Portal.RatePerSecond,
		DefaultBurst: a.cfg.Portal.Burst,
	})

	archiver, err := a.buildArchiver()
	if err != nil {
		return nil, err
	}

	portal, err := extract.New(extract.Config{
		BaseURL:        a.cfg.Portal.BaseURL,
		NotFoundMarker: a.cfg.Portal.NotFoundMarker,
	}, limiter, archiver, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build portal extractor: %w", err)
	}
	return portal, nil
}

func (a *App) buildArchiver() (extract.PageArchiver, error) {
	var blobs snapshot.BlobStore
	switch a.cfg.Snapshots.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		blobs = snapmemory.NewBlobStore()
	case "local":
		localStore, err := snaplocal.New(snaplocal.Config{BaseDir: a.cfg.Snapshots.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("build local snapshot store: %w", err)
		}
		blobs = localStore
	case "gcs":
		client, err := a.gcsClient()
		if err != nil {
			return nil, err
		}
		gcsStore, err := snapgcs.New(client, snapgcs.Config{Bucket: a.cfg.Snapshots.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs snapshot store: %w", err)
		}
		blobs = gcsStore
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", a.cfg.Snapshots.Backend)
	}
	return snapshot.NewArchiver(blobs, a.cfg.Snapshots.Prefix, a.logger)
}

func (a *App) buildResultSinks(ctx context.Context) ([]fleet.ResultSink, error) {
	var sinks []fleet.ResultSink

	if a.cfg.Sinks.Postgres.Enabled {
		sink, err := pgsink.New(ctx, pgsink.Config{
			DSN:      a.cfg.Sinks.Postgres.DSN,
			MaxConns: a.cfg.Sinks.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("build postgres sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if a.cfg.Sinks.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Sinks.Redis.Addr,
			Password: a.cfg.Sinks.Redis.Password,
			DB:       a.cfg.Sinks.Redis.DB,
		})
		sink, err := redissink.New(client, redissink.Config{
			KeyPrefix: a.cfg.Sinks.Redis.KeyPrefix,
			Stream:    a.cfg.Sinks.Redis.Stream,
			TTL:       time.Duration(a.cfg.Sinks.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("build redis sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if a.cfg.Sinks.GCS.Enabled {
		client, err := a.gcsClient()
		if err != nil {
			return nil, err
		}
		sink, err := gcssink.New(client, gcssink.Config{
			Bucket: a.cfg.Sinks.GCS.Bucket,
			Prefix: a.cfg.Sinks.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("build gcs sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if a.cfg.Sinks.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, a.cfg.Sinks.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		sink, err := pubsubsink.New(client.Topic(a.cfg.Sinks.PubSub.TopicName))
		if err != nil {
			return nil, fmt.Errorf("build pubsub sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	return sinks, nil
}

func (a *App) buildProgressHub(repo store.AuditRepository) (*progress.Hub, error) {
	sinks := []progress.Sink{progresssinks.NewLogSink(a.logger)}

	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("build prometheus progress sink: %w", err)
	}
	sinks = append(sinks, promSink)

	if repo != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(repo, a.logger))
	}

	return progress.NewHub(progress.Config{Logger: a.logger}, sinks...), nil
}

// gcsClient lazily builds one storage client shared by sink and snapshots.
func (a *App) gcsClient() (*storage.Client, error) {
	if a.storageClient != nil {
		return a.storageClient, nil
	}
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	a.storageClient = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

// shutdownServices drains the pipeline in dependency order: director first so
// no new writes happen, then the hub, then the sinks.
func (a *App) shutdownServices(ctx context.Context) error {
	var errs []error
	if a.director != nil {
		if err := a.director.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("director shutdown: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.coordinator != nil {
		if err := a.coordinator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sink close: %w", err))
		}
	}
	if a.auditStore != nil {
		a.auditStore.Close()
	}
	for _, closer := range a.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.allocator != nil {
		a.allocator.Close()
	}
	return errors.Join(errs...)
}

// Close releases every service the constructor built. Serve mode reaches it
// through Run; one-shot commands call it directly once their run finishes.
func (a *App) Close(ctx context.Context) error {
	return a.shutdownServices(ctx)
}

// teardown releases whatever was built before a constructor error. The pool
// outlives the director only when construction failed early.
func (a *App) teardown(ctx context.Context) {
	if err := a.shutdownServices(ctx); err != nil {
		a.logger.Warn("partial teardown", zap.Error(err))
	}
	if a.pool != nil && a.director == nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			a.logger.Warn("pool shutdown", zap.Error(err))
		}
	}
}
