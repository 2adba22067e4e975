package resolver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
	"github.com/piwi3910/assetbridge/internal/upload"
)

// Policy is one step of the resolution chain. A step reports a miss with
// ok=false; an error is logged by the resolver and treated as a miss.
type Policy interface {
	Source() Source
	Resolve(ctx context.Context, ref Reference) (ResolvedAsset, bool, error)
}

// ledgerPolicy answers from MIGRATED ledger records.
type ledgerPolicy struct {
	ledger  Ledger
	baseURL string
}

func (p *ledgerPolicy) Source() Source { return SourceLedger }

func (p *ledgerPolicy) Resolve(ctx context.Context, ref Reference) (ResolvedAsset, bool, error) {
	rec, err := p.ledger.FindBySource(ctx, ref.Logical)
	if err != nil {
		return ResolvedAsset{}, false, err
	}

	if rec == nil || rec.Status != ledger.StatusMigrated {
		return ResolvedAsset{}, false, nil
	}

	return ResolvedAsset{
		URL:    upload.ObjectURL(p.baseURL, rec.MediaBucket, rec.StorageKey),
		Source: SourceLedger,
		Bucket: rec.MediaBucket,
		Key:    rec.StorageKey,
	}, true, nil
}

// conventionPolicy probes the canonical bucket and key in object storage.
type conventionPolicy struct {
	storage backend.Backend
	baseURL string
}

func (p *conventionPolicy) Source() Source { return SourceConvention }

func (p *conventionPolicy) Resolve(ctx context.Context, ref Reference) (ResolvedAsset, bool, error) {
	if ref.Key == "" {
		return ResolvedAsset{}, false, nil
	}

	ok, err := p.storage.ObjectExists(ctx, ref.Bucket, ref.Key)
	if err != nil || !ok {
		return ResolvedAsset{}, false, err
	}

	return ResolvedAsset{
		URL:    upload.ObjectURL(p.baseURL, ref.Bucket, ref.Key),
		Source: SourceConvention,
		Bucket: ref.Bucket,
		Key:    ref.Key,
	}, true, nil
}

// legacyPolicy probes directories of the legacy upload tree and schedules a
// background migration on a hit.
type legacyPolicy struct {
	root      string
	baseURL   string
	templates []string
	lazy      *lazyMigrator
}

func (p *legacyPolicy) Source() Source { return SourceLegacy }

func (p *legacyPolicy) Resolve(ctx context.Context, ref Reference) (ResolvedAsset, bool, error) {
	if ref.Key == "" {
		return ResolvedAsset{}, false, nil
	}

	for _, candidate := range p.candidates(ref) {
		if err := ctx.Err(); err != nil {
			return ResolvedAsset{}, false, err
		}

		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		rel, err := filepath.Rel(p.root, candidate)
		if err != nil {
			continue
		}

		if p.lazy != nil {
			p.lazy.trigger(ctx, ref, candidate)
		}

		return ResolvedAsset{
			URL:    legacyURL(p.baseURL, rel),
			Source: SourceLegacy,
		}, true, nil
	}

	return ResolvedAsset{}, false, nil
}

// candidates lists files to probe: the reference itself when it names a
// path inside the root, then the base name under each template directory.
func (p *legacyPolicy) candidates(ref Reference) []string {
	var out []string

	if !strings.Contains(ref.Logical, "://") {
		clean := filepath.Clean(filepath.FromSlash(ref.Logical))

		if filepath.IsAbs(clean) && p.within(clean) {
			out = append(out, clean)
		} else if joined := filepath.Join(p.root, clean); p.within(joined) {
			out = append(out, joined)
		}
	}

	mediaType := bucket.NormalizeType(ref.MediaType)

	for _, tmpl := range p.templates {
		dir := strings.ReplaceAll(tmpl, "{mediaType}", mediaType)
		candidate := filepath.Join(p.root, filepath.FromSlash(dir), ref.Base)

		if p.within(candidate) {
			out = append(out, candidate)
		}
	}

	return out
}

func (p *legacyPolicy) within(path string) bool {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return false
	}

	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func legacyURL(baseURL, rel string) string {
	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.TrimRight(baseURL, "/") + "/" + strings.Join(segments, "/")
}

// buildPolicies turns configured names into policies. DEFAULT is implicit.
func buildPolicies(names []string, lp *ledgerPolicy, cp *conventionPolicy, gp *legacyPolicy) ([]Policy, error) {
	seen := make(map[string]bool, len(names))
	policies := make([]Policy, 0, len(names))

	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || name == "default" {
			continue
		}

		if seen[name] {
			return nil, fmt.Errorf("duplicate resolver policy %q", raw)
		}

		seen[name] = true

		switch name {
		case "ledger":
			policies = append(policies, lp)
		case "convention":
			policies = append(policies, cp)
		case "legacy":
			if gp != nil {
				policies = append(policies, gp)
			}
		default:
			return nil, fmt.Errorf("unknown resolver policy %q", raw)
		}
	}

	return policies, nil
}
