package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "assetbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	dataDir := t.TempDir()

	cfg, err := Load("", Options{DataDir: dataDir})
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, filepath.Join(dataDir, "ledger.db"), cfg.Ledger.DSN)
	assert.Equal(t, "fs", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(dataDir, "objects"), cfg.Storage.FS.Root)
	assert.Empty(t, cfg.Storage.Compression.Algorithm)
	assert.Equal(t, []string{"ledger", "convention", "legacy"}, cfg.Resolver.Chain)
	assert.Equal(t, 3, cfg.Upload.MaxAttempts)
	assert.Equal(t, "read", cfg.Verify.Mode)
	assert.Empty(t, cfg.Verify.Schedule)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.Server.ProxyCacheMaxAge)
}

func TestNodeIDPersisted(t *testing.T) {
	dataDir := t.TempDir()

	first, err := Load("", Options{DataDir: dataDir})
	require.NoError(t, err)

	second, err := Load("", Options{DataDir: dataDir})
	require.NoError(t, err)

	assert.Equal(t, first.NodeID, second.NodeID)

	data, err := os.ReadFile(filepath.Join(dataDir, "node-id"))
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, string(data))
}

func TestLoadFile(t *testing.T) {
	dataDir := t.TempDir()
	legacy := t.TempDir()

	path := writeConfig(t, `
data_dir: `+dataDir+`
node_id: edge-1
server:
  port: 9100
  proxy_fallback_max_age: 30s
log:
  level: debug
  format: console
ledger:
  driver: badger
storage:
  backend: minio
  minio:
    endpoint: minio:9000
    access_key: key
    secret_key: secret
  compression:
    algorithm: zstd
buckets:
  prefix: media-
  aliases:
    flyer: SALE
resolver:
  chain: [convention, legacy]
legacy:
  root: `+legacy+`
verify:
  mode: head
  schedule: "@every 15m"
reconcile:
  concurrency: 16
`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "edge-1", cfg.NodeID)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ProxyFallbackMaxAge)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, filepath.Join(dataDir, "ledger"), cfg.Ledger.Dir)
	assert.Equal(t, "minio:9000", cfg.Storage.MinIO.Endpoint)
	assert.Equal(t, "secret", cfg.Storage.MinIO.SecretKey)
	assert.Equal(t, "zstd", cfg.Storage.Compression.Algorithm)
	assert.Equal(t, "SALE", cfg.Buckets.Aliases["flyer"])
	assert.Equal(t, []string{"convention", "legacy"}, cfg.Resolver.Chain)
	assert.Equal(t, legacy, cfg.Legacy.Root)
	assert.Equal(t, "head", cfg.Verify.Mode)
	assert.Equal(t, 16, cfg.Reconcile.Concurrency)
}

func TestOptionsOverrideFileAndEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9100\nlog:\n  level: warn\n")

	t.Setenv("ASSETBRIDGE_SERVER_PORT", "9200")
	t.Setenv("ASSETBRIDGE_UPLOAD_MAX_ATTEMPTS", "7")

	cfg, err := Load(path, Options{DataDir: t.TempDir(), LogLevel: "error"})
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Upload.MaxAttempts)
	assert.Equal(t, "error", cfg.Log.Level)

	cfg, err = Load(path, Options{DataDir: t.TempDir(), Port: 9300})
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{name: "port out of range", body: "server:\n  port: 70000\n", errMsg: "server.port"},
		{name: "bad log level", body: "log:\n  level: loud\n", errMsg: "log.level"},
		{name: "bad log format", body: "log:\n  format: xml\n", errMsg: "log.format"},
		{name: "unknown ledger driver", body: "ledger:\n  driver: mysql\n", errMsg: "ledger.driver"},
		{name: "postgres without dsn", body: "ledger:\n  driver: postgres\n", errMsg: "ledger.dsn"},
		{name: "unknown backend", body: "storage:\n  backend: gcs\n", errMsg: "storage.backend"},
		{name: "minio without endpoint", body: "storage:\n  backend: minio\n", errMsg: "storage.minio.endpoint"},
		{name: "bad compression", body: "storage:\n  compression:\n    algorithm: brotli\n", errMsg: "compression"},
		{name: "alias to unknown bucket", body: "buckets:\n  aliases:\n    flyer: POSTERS\n", errMsg: "buckets.aliases"},
		{name: "invalid physical prefix", body: "storage:\n  backend: s3\nbuckets:\n  prefix: UPPER_\n", errMsg: "bucket naming"},
		{name: "zero attempts", body: "upload:\n  max_attempts: 0\n", errMsg: "upload.max_attempts"},
		{name: "zero max size", body: "upload:\n  max_size: 0\n", errMsg: "upload.max_size"},
		{name: "unknown chain step", body: "resolver:\n  chain: [ledger, cdn]\n", errMsg: "resolver.chain"},
		{name: "duplicate chain step", body: "resolver:\n  chain: [ledger, ledger]\n", errMsg: "duplicate"},
		{name: "missing legacy root", body: "legacy:\n  root: /nonexistent/legacy/root\n", errMsg: "legacy.root"},
		{name: "bad verify mode", body: "verify:\n  mode: deep\n", errMsg: "verify.mode"},
		{name: "bad schedule", body: "verify:\n  schedule: every now and then\n", errMsg: "verify.schedule"},
		{name: "concurrency too high", body: "reconcile:\n  concurrency: 65\n", errMsg: "reconcile.concurrency"},
		{name: "concurrency zero", body: "reconcile:\n  concurrency: 0\n", errMsg: "reconcile.concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)

			_, err := Load(path, Options{DataDir: t.TempDir()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLegacyRootMustBeDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	path := writeConfig(t, "legacy:\n  root: "+file+"\n")

	_, err := Load(path, Options{DataDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}
