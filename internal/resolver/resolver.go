// Package resolver turns a logical media reference into a retrievable URL by
// walking an ordered fallback chain: migration ledger, storage naming
// convention, legacy filesystem, and finally a category placeholder.
//
// Resolve never fails. Step errors are logged and treated as misses, and a
// total miss yields the placeholder with IsDefault set.
package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/placeholder"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
	"github.com/piwi3910/assetbridge/internal/upload"
)

// Resolver resolves media references. It is safe for concurrent use.
type Resolver struct {
	cfg      Config
	router   *bucket.Router
	policies []Policy
	cache    *expirable.LRU[string, ResolvedAsset]
	lazy     *lazyMigrator
}

// New builds a Resolver. The uploader is only used for lazy migration and
// may be nil when LazyMigration is disabled.
func New(cfg Config, l Ledger, storage backend.Backend, router *bucket.Router, uploader *upload.Uploader) (*Resolver, error) {
	cfg = cfg.withDefaults()

	r := &Resolver{cfg: cfg, router: router}

	var legacy *legacyPolicy

	if cfg.LegacyRoot != "" {
		root, err := filepath.Abs(cfg.LegacyRoot)
		if err != nil {
			return nil, fmt.Errorf("invalid legacy root: %w", err)
		}

		legacy = &legacyPolicy{
			root:      filepath.Clean(root),
			baseURL:   cfg.LegacyBaseURL,
			templates: cfg.LegacyTemplates,
		}

		if cfg.LazyMigration && uploader != nil {
			r.lazy = newLazyMigrator(l, uploader, cfg.LazyConcurrency, cfg.LazyTimeout)
			legacy.lazy = r.lazy
		}
	}

	policies, err := buildPolicies(cfg.Chain,
		&ledgerPolicy{ledger: l, baseURL: cfg.BaseURL},
		&conventionPolicy{storage: storage, baseURL: cfg.BaseURL},
		legacy,
	)
	if err != nil {
		return nil, err
	}

	r.policies = policies

	if cfg.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, ResolvedAsset](cfg.CacheSize, nil, cfg.CacheTTL)
	}

	names := make([]string, 0, len(policies)+1)
	for _, p := range policies {
		names = append(names, string(p.Source()))
	}

	log.Info().
		Strs("chain", append(names, string(SourceDefault))).
		Bool("lazy_migration", r.lazy != nil).
		Int("cache_size", cfg.CacheSize).
		Msg("Resolver configured")

	return r, nil
}

// Resolve returns the first retrievable location for logicalRef.
// A media type that cannot form a storage key resolves straight to the
// placeholder.
func (r *Resolver) Resolve(ctx context.Context, logicalRef, mediaType string) ResolvedAsset {
	if err := bucket.ValidateType(mediaType); err != nil {
		log.Debug().Err(err).Str("ref", logicalRef).Msg("Resolving invalid media type to placeholder")
		metrics.RecordResolution(string(SourceDefault))

		return r.Default(mediaType)
	}

	ref := r.reference(logicalRef, mediaType)
	cacheKey := ref.MediaType + "|" + ref.Logical

	if r.cache != nil && ref.Logical != "" {
		if asset, ok := r.cache.Get(cacheKey); ok {
			metrics.RecordCacheHit()
			metrics.RecordResolution(string(asset.Source))

			return asset
		}

		metrics.RecordCacheMiss()
	}

	if ref.Logical != "" {
		for _, p := range r.policies {
			asset, ok := r.step(ctx, p, ref)
			if !ok {
				continue
			}

			if r.cache != nil && (asset.Source == SourceLedger || asset.Source == SourceConvention) {
				r.cache.Add(cacheKey, asset)
			}

			metrics.RecordResolution(string(asset.Source))

			return asset
		}
	}

	asset := r.Default(mediaType)

	metrics.RecordResolution(string(SourceDefault))
	log.Info().
		Str("ref", logicalRef).
		Str("media_type", mediaType).
		Str("placeholder", asset.Key).
		Msg("Media reference unresolved, serving placeholder")

	return asset
}

func (r *Resolver) step(ctx context.Context, p Policy, ref Reference) (ResolvedAsset, bool) {
	stepCtx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()

	asset, ok, err := p.Resolve(stepCtx, ref)
	if err != nil {
		log.Warn().
			Err(err).
			Str("step", string(p.Source())).
			Str("ref", ref.Logical).
			Msg("Resolver step failed, treating as miss")

		return ResolvedAsset{}, false
	}

	return asset, ok
}

// Default returns the placeholder asset for mediaType.
func (r *Resolver) Default(mediaType string) ResolvedAsset {
	name := placeholder.NameFor(r.router.Resolve(mediaType))
	key := placeholder.Key(name)

	return ResolvedAsset{
		URL:       upload.ObjectURL(r.cfg.BaseURL, bucket.Default, key),
		Source:    SourceDefault,
		Bucket:    bucket.Default,
		Key:       key,
		IsDefault: true,
	}
}

// Invalidate drops a cached resolution.
func (r *Resolver) Invalidate(logicalRef, mediaType string) {
	if r.cache == nil {
		return
	}

	ref := r.reference(logicalRef, mediaType)
	r.cache.Remove(ref.MediaType + "|" + ref.Logical)
}

// Close waits for background migrations to finish or ctx to expire.
func (r *Resolver) Close(ctx context.Context) error {
	if r.lazy == nil {
		return nil
	}

	start := time.Now()
	err := r.lazy.close(ctx)

	log.Info().Dur("waited", time.Since(start)).Err(err).Msg("Resolver lazy migrations drained")

	return err
}

func (r *Resolver) reference(logicalRef, mediaType string) Reference {
	ref := Reference{
		Logical:   strings.TrimSpace(logicalRef),
		MediaType: bucket.NormalizeType(mediaType),
		Bucket:    r.router.Resolve(mediaType),
	}

	ref.Base = bucket.BaseName(ref.Logical)

	if key, err := bucket.ObjectKey(mediaType, ref.Logical); err == nil {
		ref.Key = key
	}

	return ref
}
