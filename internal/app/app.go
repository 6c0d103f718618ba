// Package app turns a Config into running services. The cmd binaries and
// the sunscorm CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/donniecs/SunSCORM/internal/api"
	"github.com/donniecs/SunSCORM/internal/blobstore"
	"github.com/donniecs/SunSCORM/internal/catalog"
	"github.com/donniecs/SunSCORM/internal/config"
	"github.com/donniecs/SunSCORM/internal/contentcache"
	"github.com/donniecs/SunSCORM/internal/database"
	"github.com/donniecs/SunSCORM/internal/launch"
	"github.com/donniecs/SunSCORM/internal/license"
	"github.com/donniecs/SunSCORM/internal/processing"
	"github.com/donniecs/SunSCORM/internal/progress"
	"github.com/donniecs/SunSCORM/internal/queue"
	"github.com/donniecs/SunSCORM/internal/repository"
	"github.com/donniecs/SunSCORM/internal/s3storage"
	"github.com/donniecs/SunSCORM/internal/signing"
	"github.com/donniecs/SunSCORM/internal/storage"
	"github.com/donniecs/SunSCORM/internal/upload"
	"github.com/donniecs/SunSCORM/internal/worker"
)

// OpenStore returns the configured record store. For postgres the schema is
// migrated before returning. The returned func releases the connection.
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, records are lost on exit")
		return storage.NewMemoryStore(), func() {}, nil
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db := database.OpenDB(pool)
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		pool.Close()
		return nil, nil, err
	}
	return repository.NewPostgresRepository(db), func() {
		db.Close()
		pool.Close()
	}, nil
}

// openObjects returns nil when no object storage is configured.
func openObjects(cfg *config.Config) (*s3storage.Storage, error) {
	objects, err := s3storage.New(cfg)
	if errors.Is(err, s3storage.ErrNotConfigured) {
		return nil, nil
	}
	return objects, err
}

// RunServer serves the HTTP API until ctx is cancelled.
func RunServer(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	store, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := blobstore.New(cfg.PackagesDir())
	if err != nil {
		return err
	}
	pool := processing.New(cfg.ProcessingPool, log)
	pool.Start(ctx)

	cache := contentcache.New(contentcache.Options{
		TTL:             cfg.CacheTTL,
		MaxEntries:      cfg.CacheMaxEntries,
		MaxArchiveBytes: cfg.CacheMaxArchiveBytes,
		SweepInterval:   cfg.CacheSweepInterval,
		Pool:            pool,
		Logger:          log,
	})
	defer cache.Close()

	resolver := license.NewResolver(store, nil)
	catalogOpts := []catalog.Option{catalog.WithLogger(log)}
	var sink progress.Sink = progress.NewRecorder(store, log, nil)
	if cfg.RedisAddr != "" {
		client := asynq.NewClient(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
		defer client.Close()
		jobs := queue.NewClient(client)
		catalogOpts = append(catalogOpts, catalog.WithMirror(jobs))
		// The worker can only reach a shared database.
		if cfg.StoreDriver != "memory" {
			sink = jobs
		}
	}
	cat := catalog.New(store, blobs, resolver, catalogOpts...)

	uploads, err := upload.NewManager(upload.Options{
		Dir:           cfg.ChunksDir(),
		MaxTotalSize:  cfg.MaxPackageSize,
		MaxChunkSize:  cfg.MaxChunkSize,
		Extensions:    cfg.AllowedExtensions,
		IdleTimeout:   cfg.UploadIdleTimeout,
		SweepInterval: cfg.UploadSweepInterval,
		Pool:          pool,
		Logger:        log,
	}, cat)
	if err != nil {
		return err
	}
	go uploads.Start(ctx)

	deps := api.Deps{
		Config:   cfg,
		Uploads:  uploads,
		Catalog:  cat,
		Resolver: resolver,
		Launch:   launch.NewService(store, resolver, cache, log, nil),
		Signer:   signing.NewSigner(cfg.SigningSecret),
		Sink:     sink,
		Logger:   log,
	}
	objects, err := openObjects(cfg)
	if err != nil {
		return err
	}
	if objects != nil {
		deps.Objects = objects
	}
	return api.New(deps).Run(ctx)
}

// RunWorker processes queued mirror and statement tasks until ctx is
// cancelled.
func RunWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.RedisAddr == "" {
		return errors.New("worker requires SUNSCORM_REDIS_ADDR")
	}
	if cfg.StoreDriver == "memory" {
		return errors.New("worker requires the postgres store")
	}
	store, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var objects worker.ObjectStore
	s3, err := openObjects(cfg)
	if err != nil {
		return err
	}
	if s3 != nil {
		if err := s3.EnsureBucket(ctx); err != nil {
			return err
		}
		objects = s3
	}

	server := asynq.NewServer(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})
	processor := worker.NewProcessor(objects, progress.NewRecorder(store, log, nil), log)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	log.Info("worker started", "redis", cfg.RedisAddr, "concurrency", cfg.ProcessingPool)
	if err := server.Run(processor.Handler()); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	return nil
}
