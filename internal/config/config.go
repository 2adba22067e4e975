// Package config provides configuration management for assetbridge.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (ASSETBRIDGE_* prefix, "." replaced by "_")
//  3. Configuration file (assetbridge.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/assetbridge/assetbridge.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/assetbridge/internal/bucket"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ASSETBRIDGE"

// Config holds all configuration for assetbridge
type Config struct {
	// NodeID labels metrics. Generated and persisted under DataDir when unset.
	NodeID string `mapstructure:"node_id" yaml:"node_id"`

	// DataDir holds local state: the embedded ledger and the fs object store.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Ledger    LedgerConfig    `mapstructure:"ledger" yaml:"ledger"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Buckets   BucketsConfig   `mapstructure:"buckets" yaml:"buckets"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Resolver  ResolverConfig  `mapstructure:"resolver" yaml:"resolver"`
	Legacy    LegacyConfig    `mapstructure:"legacy" yaml:"legacy"`
	Verify    VerifyConfig    `mapstructure:"verify" yaml:"verify"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`

	// ProxyCacheMaxAge is the Cache-Control max-age of proxied objects.
	ProxyCacheMaxAge time.Duration `mapstructure:"proxy_cache_max_age" yaml:"proxy_cache_max_age"`
	// ProxyFallbackMaxAge is the Cache-Control max-age of placeholder responses.
	ProxyFallbackMaxAge time.Duration `mapstructure:"proxy_fallback_max_age" yaml:"proxy_fallback_max_age"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// LedgerConfig selects and tunes the migration ledger store.
type LedgerConfig struct {
	// Driver is postgres, sqlite or badger.
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is the database connection string (postgres) or file path (sqlite).
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// Dir is the badger data directory.
	Dir string `mapstructure:"dir" yaml:"dir"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	SkipMigrations  bool          `mapstructure:"skip_migrations" yaml:"skip_migrations"`

	// OpTimeout bounds every ledger call.
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// StorageConfig selects the object storage backend.
type StorageConfig struct {
	// Backend is fs, minio or s3.
	Backend string `mapstructure:"backend" yaml:"backend"`

	FS          FSConfig          `mapstructure:"fs" yaml:"fs"`
	MinIO       MinIOConfig       `mapstructure:"minio" yaml:"minio"`
	S3          S3Config          `mapstructure:"s3" yaml:"s3"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
}

// FSConfig configures the local filesystem backend.
type FSConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// MinIOConfig configures the MinIO backend.
type MinIOConfig struct {
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey     string `mapstructure:"secret_key" yaml:"-"`
	Region        string `mapstructure:"region" yaml:"region"`
	UseSSL        bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify" yaml:"skip_tls_verify"`
	CreateBuckets bool   `mapstructure:"create_buckets" yaml:"create_buckets"`
}

// S3Config configures the AWS S3 backend.
type S3Config struct {
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
	Region        string `mapstructure:"region" yaml:"region"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey     string `mapstructure:"secret_key" yaml:"-"`
	UsePathStyle  bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
	SkipTLSVerify bool   `mapstructure:"skip_tls_verify" yaml:"skip_tls_verify"`
	CreateBuckets bool   `mapstructure:"create_buckets" yaml:"create_buckets"`
}

// CompressionConfig enables transparent object compression.
type CompressionConfig struct {
	// Algorithm is zstd, lz4 or gzip. "none" keeps reading previously
	// compressed objects but writes plain ones; empty disables the wrapper.
	Algorithm    string   `mapstructure:"algorithm" yaml:"algorithm"`
	Level        int      `mapstructure:"level" yaml:"level"`
	MinSize      int64    `mapstructure:"min_size" yaml:"min_size"`
	ExcludeTypes []string `mapstructure:"exclude_types" yaml:"exclude_types"`
}

// BucketsConfig customises media type routing and physical bucket names.
type BucketsConfig struct {
	// Aliases maps extra media types to logical buckets.
	Aliases map[string]string `mapstructure:"aliases" yaml:"aliases"`
	// Prefix is prepended to lower-cased logical names to form S3 bucket names.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// Physical overrides the physical name of individual logical buckets.
	Physical map[string]string `mapstructure:"physical" yaml:"physical"`
}

// UploadConfig tunes the uploader.
type UploadConfig struct {
	// BaseURL prefixes object URLs handed to clients.
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	OpTimeout   time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	// MaxSize caps buffered and direct uploads, in bytes.
	MaxSize int64 `mapstructure:"max_size" yaml:"max_size"`
}

// ResolverConfig tunes the resolution chain.
type ResolverConfig struct {
	Chain       []string      `mapstructure:"chain" yaml:"chain"`
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	CacheSize   int           `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// LegacyConfig describes the legacy upload directory.
type LegacyConfig struct {
	// Root is the legacy upload directory. Empty disables LEGACY resolution.
	Root      string   `mapstructure:"root" yaml:"root"`
	BaseURL   string   `mapstructure:"base_url" yaml:"base_url"`
	Templates []string `mapstructure:"templates" yaml:"templates"`
	// Serve exposes Root read-only under BaseURL.
	Serve bool `mapstructure:"serve" yaml:"serve"`

	LazyMigration   bool          `mapstructure:"lazy_migration" yaml:"lazy_migration"`
	LazyConcurrency int           `mapstructure:"lazy_concurrency" yaml:"lazy_concurrency"`
	LazyTimeout     time.Duration `mapstructure:"lazy_timeout" yaml:"lazy_timeout"`
}

// VerifyConfig tunes post-migration verification.
type VerifyConfig struct {
	// Mode is read (fetch and sniff) or head (existence and size).
	Mode string `mapstructure:"mode" yaml:"mode"`
	// Schedule is a cron spec such as "@every 15m". Empty disables the scheduler.
	Schedule   string        `mapstructure:"schedule" yaml:"schedule"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`
	OpTimeout  time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// ReconcileConfig holds defaults for reconcile runs.
type ReconcileConfig struct {
	Concurrency int  `mapstructure:"concurrency" yaml:"concurrency"`
	Verify      bool `mapstructure:"verify" yaml:"verify"`
}

// Options are command line overrides
type Options struct {
	DataDir  string
	Port     int
	LogLevel string
}

const maxReconcileConcurrency = 64

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("assetbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/assetbridge")
		v.AddConfigPath("$HOME/.assetbridge")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	if opts.Port != 0 {
		v.Set("server.port", opts.Port)
	}

	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.proxy_cache_max_age", 24*time.Hour)
	v.SetDefault("server.proxy_fallback_max_age", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.max_open_conns", 10)
	v.SetDefault("ledger.max_idle_conns", 5)
	v.SetDefault("ledger.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("ledger.op_timeout", 10*time.Second)

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.minio.use_ssl", true)
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.compression.algorithm", "")
	v.SetDefault("storage.compression.level", 3)
	v.SetDefault("storage.compression.min_size", 1024)

	v.SetDefault("upload.base_url", "/storage-proxy")
	v.SetDefault("upload.max_attempts", 3)
	v.SetDefault("upload.base_delay", 200*time.Millisecond)
	v.SetDefault("upload.max_delay", 5*time.Second)
	v.SetDefault("upload.op_timeout", 60*time.Second)
	v.SetDefault("upload.max_size", 100<<20)

	v.SetDefault("resolver.chain", []string{"ledger", "convention", "legacy"})
	v.SetDefault("resolver.step_timeout", 2*time.Second)
	v.SetDefault("resolver.cache_size", 10000)
	v.SetDefault("resolver.cache_ttl", 5*time.Minute)

	v.SetDefault("legacy.base_url", "/legacy")
	v.SetDefault("legacy.templates", []string{"uploads/{mediaType}", "{mediaType}"})
	v.SetDefault("legacy.serve", true)
	v.SetDefault("legacy.lazy_migration", true)
	v.SetDefault("legacy.lazy_concurrency", 4)
	v.SetDefault("legacy.lazy_timeout", 2*time.Minute)

	v.SetDefault("verify.mode", "read")
	v.SetDefault("verify.schedule", "")
	v.SetDefault("verify.batch_size", 500)
	v.SetDefault("verify.op_timeout", 30*time.Second)
	v.SetDefault("verify.run_timeout", 10*time.Minute)

	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.verify", false)
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}

	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if c.NodeID == "" {
		id, err := loadOrCreateNodeID(c.DataDir)
		if err != nil {
			return err
		}

		c.NodeID = id
	}

	validators := []func() error{
		c.validateServer,
		c.validateLog,
		c.validateLedger,
		c.validateStorage,
		c.validateBuckets,
		c.validateUpload,
		c.validateResolver,
		c.validateVerify,
	}

	for _, fn := range validators {
		if err := fn(); err != nil {
			return err
		}
	}

	if c.Reconcile.Concurrency < 1 || c.Reconcile.Concurrency > maxReconcileConcurrency {
		return fmt.Errorf("reconcile.concurrency must be between 1 and %d", maxReconcileConcurrency)
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	return nil
}

func (c *Config) validateLog() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}

	switch c.Log.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Driver {
	case "postgres":
		if c.Ledger.DSN == "" {
			return errors.New("ledger.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Ledger.DSN == "" {
			c.Ledger.DSN = filepath.Join(c.DataDir, "ledger.db")
		}
	case "badger":
		if c.Ledger.Dir == "" {
			c.Ledger.Dir = filepath.Join(c.DataDir, "ledger")
		}
	default:
		return fmt.Errorf("unsupported ledger.driver %q (supported: postgres, sqlite, badger)", c.Ledger.Driver)
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "fs", "":
		c.Storage.Backend = "fs"
		if c.Storage.FS.Root == "" {
			c.Storage.FS.Root = filepath.Join(c.DataDir, "objects")
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" {
			return errors.New("storage.minio.endpoint is required for the minio backend")
		}
	case "s3":
	default:
		return fmt.Errorf("unsupported storage.backend %q (supported: fs, minio, s3)", c.Storage.Backend)
	}

	switch c.Storage.Compression.Algorithm {
	case "", "none", "zstd", "lz4", "gzip":
	default:
		return fmt.Errorf("unsupported storage.compression.algorithm %q", c.Storage.Compression.Algorithm)
	}

	return nil
}

func (c *Config) validateBuckets() error {
	if _, err := bucket.NewRouter(c.Buckets.Aliases); err != nil {
		return fmt.Errorf("invalid buckets.aliases: %w", err)
	}

	if c.Storage.Backend != "fs" {
		if _, err := bucket.NewNamer(c.Buckets.Prefix, c.Buckets.Physical); err != nil {
			return fmt.Errorf("invalid bucket naming: %w", err)
		}
	}

	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.MaxAttempts < 1 {
		return errors.New("upload.max_attempts must be at least 1")
	}

	if c.Upload.MaxSize <= 0 {
		return errors.New("upload.max_size must be positive")
	}

	return nil
}

func (c *Config) validateResolver() error {
	seen := make(map[string]bool, len(c.Resolver.Chain))

	for _, name := range c.Resolver.Chain {
		name = strings.ToLower(strings.TrimSpace(name))

		switch name {
		case "ledger", "convention", "legacy":
		default:
			return fmt.Errorf("unknown resolver.chain step %q (supported: ledger, convention, legacy)", name)
		}

		if seen[name] {
			return fmt.Errorf("duplicate resolver.chain step %q", name)
		}

		seen[name] = true
	}

	if c.Legacy.Root != "" {
		info, err := os.Stat(c.Legacy.Root)
		if err != nil {
			return fmt.Errorf("legacy.root: %w", err)
		}

		if !info.IsDir() {
			return fmt.Errorf("legacy.root %s is not a directory", c.Legacy.Root)
		}
	}

	return nil
}

func (c *Config) validateVerify() error {
	switch c.Verify.Mode {
	case "read", "head":
	default:
		return fmt.Errorf("verify.mode must be read or head, got %q", c.Verify.Mode)
	}

	if c.Verify.Schedule != "" {
		if _, err := cron.ParseStandard(c.Verify.Schedule); err != nil {
			return fmt.Errorf("invalid verify.schedule %q: %w", c.Verify.Schedule, err)
		}
	}

	if c.Verify.BatchSize < 1 {
		return errors.New("verify.batch_size must be at least 1")
	}

	return nil
}

// loadOrCreateNodeID reads the node ID persisted in dataDir, creating one
// on first start.
func loadOrCreateNodeID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "node-id")

	data, err := os.ReadFile(path) // #nosec G304 - fixed name under the data directory
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := "node-" + uuid.NewString()[:8]

	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", fmt.Errorf("failed to write node ID: %w", err)
	}

	return id, nil
}
