package resolver

import (
	"context"
	"time"

	"github.com/piwi3910/assetbridge/internal/ledger"
)

// Source names the policy that produced a resolution.
type Source string

// Resolution sources, in default chain order.
const (
	SourceLedger     Source = "LEDGER"
	SourceConvention Source = "CONVENTION"
	SourceLegacy     Source = "LEGACY"
	SourceDefault    Source = "DEFAULT"
)

// ResolvedAsset is the outcome of resolving a logical reference.
type ResolvedAsset struct {
	URL       string `json:"url" yaml:"url"`
	Source    Source `json:"source" yaml:"source"`
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key       string `json:"key,omitempty" yaml:"key,omitempty"`
	IsDefault bool   `json:"is_default" yaml:"is_default"`
}

// Reference is a normalised resolution request shared by all policies.
type Reference struct {
	Logical   string
	MediaType string
	Base      string
	Bucket    string
	// Key is empty when the reference has no usable file name.
	Key string
}

// Ledger is the subset of the migration ledger used by the resolver.
type Ledger interface {
	FindBySource(ctx context.Context, sourceLocation string) (*ledger.Record, error)
	UpsertPending(ctx context.Context, sourceType ledger.SourceType, sourceLocation, mediaType string) (*ledger.Record, error)
	MarkMigrated(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, message string) error
}

// Config holds resolver settings.
type Config struct {
	// BaseURL prefixes canonical object URLs.
	BaseURL string
	// Chain lists policy names in order. DEFAULT is always appended.
	Chain []string
	// StepTimeout bounds the I/O of each chain step.
	StepTimeout time.Duration

	CacheSize int
	CacheTTL  time.Duration

	// LegacyRoot is the read-only legacy upload directory. Empty disables LEGACY.
	LegacyRoot string
	// LegacyBaseURL prefixes URLs of files served from LegacyRoot.
	LegacyBaseURL string
	// LegacyTemplates are directories under LegacyRoot probed in order;
	// {mediaType} is replaced with the normalised media type.
	LegacyTemplates []string

	LazyMigration   bool
	LazyConcurrency int64
	LazyTimeout     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "/storage-proxy",
		Chain:           []string{"ledger", "convention", "legacy"},
		StepTimeout:     2 * time.Second,
		CacheSize:       10000,
		CacheTTL:        5 * time.Minute,
		LegacyBaseURL:   "/legacy",
		LegacyTemplates: []string{"uploads/{mediaType}", "{mediaType}"},
		LazyMigration:   true,
		LazyConcurrency: 4,
		LazyTimeout:     2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}

	if len(c.Chain) == 0 {
		c.Chain = d.Chain
	}

	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}

	if c.LegacyBaseURL == "" {
		c.LegacyBaseURL = d.LegacyBaseURL
	}

	if len(c.LegacyTemplates) == 0 {
		c.LegacyTemplates = d.LegacyTemplates
	}

	if c.LazyConcurrency <= 0 {
		c.LazyConcurrency = d.LazyConcurrency
	}

	if c.LazyTimeout <= 0 {
		c.LazyTimeout = d.LazyTimeout
	}

	return c
}
