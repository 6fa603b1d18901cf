// Package server wires and runs the mailvault sync service: storage,
// blob offload, embeddings, the job orchestrator, the gRPC API and the
// Prometheus endpoint.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/blobstore"
	"github.com/dmitrijs2005/mailvault/internal/server/config"
	"github.com/dmitrijs2005/mailvault/internal/server/downstream"
	"github.com/dmitrijs2005/mailvault/internal/server/embedding"
	"github.com/dmitrijs2005/mailvault/internal/server/jobs"
	"github.com/dmitrijs2005/mailvault/internal/server/metrics"
	"github.com/dmitrijs2005/mailvault/internal/server/pipeline"
	"github.com/dmitrijs2005/mailvault/internal/server/reconcile"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/memrepo"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mailvault/internal/server/services"

	gs "github.com/dmitrijs2005/mailvault/internal/server/grpc"
)

type App struct {
	config       *config.Config
	logger       logging.Logger
	db           *sql.DB
	vault        *services.VaultService
	accounts     *services.AccountService
	orchestrator *jobs.Orchestrator
	trigger      *downstream.AsyncTrigger
	embedders    *embedding.Cache
}

// NewLogger returns the JSON logger used by mailvault binaries.
func NewLogger(level string) logging.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logging.ParseLevel(level)})
	return logging.NewSlogLogger(slog.New(h))
}

// OpenStorage connects to PostgreSQL and applies migrations. An empty DSN
// selects the in-memory store, which loses everything on exit.
func OpenStorage(ctx context.Context, c *config.Config, logger logging.Logger) (*sql.DB, repomanager.RepositoryManager, error) {
	if c.DatabaseDSN == "" {
		logger.Warn(ctx, "no database configured, using in-memory storage")
		db, err := memrepo.OpenDB()
		if err != nil {
			return nil, nil, fmt.Errorf("db init error: %w", err)
		}
		return db, memrepo.New(), nil
	}

	db, err := dbx.OpenPostgres(ctx, c.DatabaseDSN, dbx.PoolOptions{
		MaxOpenConns:    c.Workers*max(c.FolderParallelism, 1) + 4,
		MaxIdleConns:    c.Workers,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("db init error: %w", err)
	}
	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return db, rm, nil
}

// OpenBlobStore returns the S3 store, or an in-memory one when no bucket
// is configured.
func OpenBlobStore(ctx context.Context, c *config.Config) (blobstore.Store, error) {
	if c.S3Bucket == "" {
		return blobstore.NewMemory(), nil
	}
	return blobstore.NewS3Store(ctx, blobstore.S3Options{
		Region:       c.S3Region,
		AccessKey:    c.S3RootUser,
		SecretKey:    c.S3RootPassword,
		BaseEndpoint: c.S3BaseEndpoint,
		Bucket:       c.S3Bucket,
	})
}

func newEmbedderFactory(c *config.Config) embedding.Factory {
	if c.EmbeddingEndpoint == "" {
		return func(string) (embedding.Embedder, error) {
			return embedding.NewHashing(c.EmbeddingDimensions), nil
		}
	}
	return func(string) (embedding.Embedder, error) {
		return embedding.NewHTTP(c.EmbeddingEndpoint, c.EmbeddingDimensions, 30*time.Second), nil
	}
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := NewLogger(c.LogLevel)

	db, rm, err := OpenStorage(ctx, c, logger)
	if err != nil {
		return nil, err
	}

	blobs, err := OpenBlobStore(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blob store init error: %w", err)
	}

	embedders := embedding.NewCache(c.EmbeddingCacheTTL, newEmbedderFactory(c))
	trigger := downstream.NewAsyncTrigger(downstream.SampleGate{
		Min:  c.DownstreamMinSamples,
		Next: downstream.LogProcessor{Logger: logger.With("module", "downstream")},
	}, c.DownstreamQueueSize, logger)

	p := pipeline.New(db, rm, &mailbox.IMAPDialer{Timeout: c.MailboxDialTimeout}, blobs, embedders, trigger, pipeline.Options{
		Reconcile: reconcile.Options{
			BatchSize:      c.ReconcileBatchSize,
			BatchThreshold: c.ReconcileBatchThreshold,
		},
		FolderParallelism: c.FolderParallelism,
		FetchRate:         c.FetchRate,
		FetchBurst:        c.FetchBurst,
		BlobThreshold:     c.BlobThresholdBytes,
		MaxMessages:       c.MaxMessagesPerSync,
	}, logger)

	orchestrator := jobs.New(p, db, rm, jobs.Options{
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Retention:   c.JobRetention,
	}, logger)

	return &App{
		config:       c,
		logger:       logger,
		db:           db,
		vault:        services.NewVaultService(db, rm, c, logger),
		accounts:     services.NewAccountService(db, rm, blobs, logger),
		orchestrator: orchestrator,
		trigger:      trigger,
		embedders:    embedders,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s, err := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.vault, app.accounts, app.orchestrator, app.config.SecretKey)

	if err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	} else {

		if err := s.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(ctx, "Starting metrics server", "address", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// purgeEmbedders drops expired per-user embedders.
func (app *App) purgeEmbedders(ctx context.Context) {
	ticker := time.NewTicker(max(app.config.EmbeddingCacheTTL, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := app.embedders.Purge(); n > 0 {
				app.logger.Debug(ctx, "expired embedders purged", "count", n)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)
	app.orchestrator.Start(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	if app.config.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startMetricsServer(ctx, cancelFunc)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.purgeEmbedders(ctx)
	}()

	wg.Wait()

	app.logger.Info(context.Background(), "Stopping sync workers...")
	app.orchestrator.Shutdown()
	app.trigger.Close()
	if err := app.db.Close(); err != nil {
		app.logger.Error(context.Background(), "db close failed", "error", err)
	}
}
