package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/config"
	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/migration"
	"github.com/piwi3910/assetbridge/internal/resolver"
	"github.com/piwi3910/assetbridge/internal/storage/awss3"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
	"github.com/piwi3910/assetbridge/internal/storage/compression"
	"github.com/piwi3910/assetbridge/internal/storage/fs"
	"github.com/piwi3910/assetbridge/internal/storage/miniostore"
	"github.com/piwi3910/assetbridge/internal/upload"
	"github.com/piwi3910/assetbridge/internal/verify"
)

// Components are the engine services shared by the HTTP server and the CLI.
type Components struct {
	Router     *bucket.Router
	Ledger     *ledger.Ledger
	Storage    backend.Backend
	Uploader   *upload.Uploader
	Resolver   *resolver.Resolver
	Verifier   *verify.Verifier
	Reconciler *migration.Reconciler
}

// Build opens the ledger and storage backend described by cfg and wires the
// services on top of them.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	router, err := bucket.NewRouter(cfg.Buckets.Aliases)
	if err != nil {
		return nil, fmt.Errorf("failed to build bucket router: %w", err)
	}

	store, err := ledger.OpenStore(ctx, ledger.StoreConfig{
		Driver:          cfg.Ledger.Driver,
		DSN:             cfg.Ledger.DSN,
		Dir:             cfg.Ledger.Dir,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		SkipMigrations:  cfg.Ledger.SkipMigrations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open migration ledger: %w", err)
	}

	l := ledger.New(store, router, ledger.WithOpTimeout(cfg.Ledger.OpTimeout))

	storage, err := OpenStorage(ctx, cfg)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	comps, err := Assemble(cfg, router, l, storage)
	if err != nil {
		_ = storage.Close()
		_ = l.Close()

		return nil, err
	}

	return comps, nil
}

// Assemble wires the services over an already opened ledger and backend.
func Assemble(cfg *config.Config, router *bucket.Router, l *ledger.Ledger, storage backend.Backend) (*Components, error) {
	uploader := upload.New(storage, router, upload.Config{
		BaseURL:       cfg.Upload.BaseURL,
		MaxAttempts:   cfg.Upload.MaxAttempts,
		BaseDelay:     cfg.Upload.BaseDelay,
		MaxDelay:      cfg.Upload.MaxDelay,
		OpTimeout:     cfg.Upload.OpTimeout,
		MaxBufferSize: cfg.Upload.MaxSize,
	})

	res, err := resolver.New(resolver.Config{
		BaseURL:         cfg.Upload.BaseURL,
		Chain:           cfg.Resolver.Chain,
		StepTimeout:     cfg.Resolver.StepTimeout,
		CacheSize:       cfg.Resolver.CacheSize,
		CacheTTL:        cfg.Resolver.CacheTTL,
		LegacyRoot:      cfg.Legacy.Root,
		LegacyBaseURL:   cfg.Legacy.BaseURL,
		LegacyTemplates: cfg.Legacy.Templates,
		LazyMigration:   cfg.Legacy.LazyMigration,
		LazyConcurrency: int64(cfg.Legacy.LazyConcurrency),
		LazyTimeout:     cfg.Legacy.LazyTimeout,
	}, l, storage, router, uploader)
	if err != nil {
		return nil, fmt.Errorf("failed to build resolver: %w", err)
	}

	verifier, err := verify.New(l, storage, verify.Config{
		Mode:      verify.Mode(cfg.Verify.Mode),
		OpTimeout: cfg.Verify.OpTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build verifier: %w", err)
	}

	return &Components{
		Router:     router,
		Ledger:     l,
		Storage:    storage,
		Uploader:   uploader,
		Resolver:   res,
		Verifier:   verifier,
		Reconciler: migration.NewReconciler(l, uploader, verifier),
	}, nil
}

// Close drains background migrations, then closes the ledger and backend.
func (c *Components) Close(ctx context.Context) error {
	var errs []error

	if err := c.Resolver.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := c.Ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}

	if err := c.Storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}

	return errors.Join(errs...)
}

// OpenStorage creates and initialises the configured object storage
// backend, wrapped for compression when enabled.
func OpenStorage(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	var (
		store backend.Backend
		err   error
	)

	switch cfg.Storage.Backend {
	case "fs", "":
		log.Info().Str("root", cfg.Storage.FS.Root).Msg("Initializing filesystem storage backend")
		store, err = fs.New(fs.Config{DataDir: cfg.Storage.FS.Root})
	case "minio":
		log.Info().Str("endpoint", cfg.Storage.MinIO.Endpoint).Msg("Initializing MinIO storage backend")
		store, err = openMinIO(cfg)
	case "s3":
		log.Info().Str("region", cfg.Storage.S3.Region).Msg("Initializing S3 storage backend")
		store, err = openS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: fs, minio, s3)", cfg.Storage.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	if alg := cfg.Storage.Compression.Algorithm; alg != "" {
		wrapped, err := compression.New(store, compression.Config{
			Algorithm:    compression.Algorithm(alg),
			Level:        compression.Level(cfg.Storage.Compression.Level),
			MinSize:      cfg.Storage.Compression.MinSize,
			ExcludeTypes: excludeTypes(cfg.Storage.Compression.ExcludeTypes),
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to enable compression: %w", err)
		}

		log.Info().Str("algorithm", alg).Msg("Object compression enabled")

		store = wrapped
	}

	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	return store, nil
}

func openMinIO(cfg *config.Config) (backend.Backend, error) {
	namer, err := bucket.NewNamer(cfg.Buckets.Prefix, cfg.Buckets.Physical)
	if err != nil {
		return nil, err
	}

	m := cfg.Storage.MinIO

	return miniostore.New(miniostore.Config{
		Endpoint:      m.Endpoint,
		AccessKey:     m.AccessKey,
		SecretKey:     m.SecretKey,
		Region:        m.Region,
		UseSSL:        m.UseSSL,
		SkipTLSVerify: m.SkipTLSVerify,
		CreateBuckets: m.CreateBuckets,
	}, namer)
}

func openS3(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	namer, err := bucket.NewNamer(cfg.Buckets.Prefix, cfg.Buckets.Physical)
	if err != nil {
		return nil, err
	}

	s := cfg.Storage.S3

	return awss3.New(ctx, awss3.Config{
		Endpoint:      s.Endpoint,
		Region:        s.Region,
		AccessKey:     s.AccessKey,
		SecretKey:     s.SecretKey,
		UsePathStyle:  s.UsePathStyle,
		SkipTLSVerify: s.SkipTLSVerify,
		CreateBuckets: s.CreateBuckets,
	}, namer)
}

func excludeTypes(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}

	return compression.DefaultConfig().ExcludeTypes
}
