package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/migration"
	"github.com/piwi3910/assetbridge/internal/resolver"
	"github.com/piwi3910/assetbridge/internal/testutil"
	"github.com/piwi3910/assetbridge/internal/verify"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCmd(BuildInfo{Version: "1.2.3", Commit: "abc123"})

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()

	return stdout.String(), err
}

func runJSON[T any](t *testing.T, args ...string) T {
	t.Helper()

	out, err := run(t, append(args, "-o", "json")...)
	require.NoError(t, err, out)

	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)

	return v
}

func sourceTree(t *testing.T) (string, string) {
	t.Helper()

	first := testutil.WriteTree(t, map[string][]byte{
		"banner-1.jpg": testutil.JPEG,
		"poster.png":   testutil.PNG,
	})
	second := testutil.WriteTree(t, map[string][]byte{
		"banner-1.jpg": testutil.JPEG,
	})

	return first, second
}

func TestReconcile(t *testing.T) {
	dataDir := t.TempDir()
	first, second := sourceTree(t)

	report := runJSON[migration.Report](t, "reconcile", "--data-dir", dataDir, "--type", "calendar", first, second)
	assert.Equal(t, 2, report.Uploaded)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.False(t, report.DryRun)

	again := runJSON[migration.Report](t, "reconcile", "--data-dir", dataDir, "--type", "calendar", "--concurrency", "1", first, second)
	assert.Zero(t, again.Uploaded)
	assert.Equal(t, 3, again.Skipped)

	stats := runJSON[ledger.Stats](t, "ledger", "stats", "--data-dir", dataDir)
	assert.Equal(t, int64(2), stats.Migrated)
	assert.Zero(t, stats.Pending)

	records := runJSON[[]ledger.Record](t, "ledger", "list", "--data-dir", dataDir, "--status", "migrated")
	require.Len(t, records, 2)
	assert.Equal(t, "CALENDAR", records[0].MediaBucket)

	failed := runJSON[[]ledger.Record](t, "ledger", "list", "--data-dir", dataDir)
	assert.Empty(t, failed)

	asset := runJSON[resolver.ResolvedAsset](t, "resolve", "--data-dir", dataDir, "--type", "calendar",
		filepath.Join(first, "banner-1.jpg"))
	assert.Equal(t, resolver.SourceLedger, asset.Source)
	assert.Equal(t, "calendar/banner-1.jpg", asset.Key)

	vr := runJSON[verify.Report](t, "verify", "--data-dir", dataDir)
	assert.Equal(t, 2, vr.Verified)
	assert.Zero(t, vr.Failed)
}

func TestReconcileDryRun(t *testing.T) {
	dataDir := t.TempDir()
	first, second := sourceTree(t)

	report := runJSON[migration.Report](t, "reconcile", "--data-dir", dataDir, "--type", "forum", "--dry-run", first, second)
	assert.True(t, report.DryRun)
	assert.Zero(t, report.Uploaded)
	assert.Equal(t, 2, report.Planned)
	assert.Equal(t, 1, report.Skipped)

	stats := runJSON[ledger.Stats](t, "ledger", "stats", "--data-dir", dataDir)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Zero(t, stats.Migrated)
}

func TestReconcileDryRunWithoutLedger(t *testing.T) {
	dataDir := t.TempDir()
	first, _ := sourceTree(t)

	report := runJSON[migration.Report](t, "reconcile", "--data-dir", dataDir, "--type", "forum", "--dry-run-no-ledger", first)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Planned)

	stats := runJSON[ledger.Stats](t, "ledger", "stats", "--data-dir", dataDir)
	assert.Zero(t, stats.Total)
}

func TestReconcileFlagValidation(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		args   []string
		errMsg string
	}{
		{name: "missing type", args: []string{"reconcile", "--data-dir", dir, dir}, errMsg: "type"},
		{name: "missing dirs", args: []string{"reconcile", "--data-dir", dir, "--type", "forum"}, errMsg: "arg"},
		{name: "zero concurrency", args: []string{"reconcile", "--data-dir", dir, "--type", "forum", "--concurrency", "0", dir}, errMsg: "--concurrency"},
		{name: "concurrency too high", args: []string{"reconcile", "--data-dir", dir, "--type", "forum", "--concurrency", "65", dir}, errMsg: "--concurrency"},
		{name: "bad output", args: []string{"ledger", "stats", "--data-dir", dir, "-o", "xml"}, errMsg: "output format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolveUnknownReference(t *testing.T) {
	asset := runJSON[resolver.ResolvedAsset](t, "resolve", "--data-dir", t.TempDir(), "--type", "sale", "missing.png")
	assert.Equal(t, resolver.SourceDefault, asset.Source)
	assert.True(t, asset.IsDefault)
	assert.Equal(t, "SALE", asset.Bucket)
}

func TestLedgerPurge(t *testing.T) {
	dataDir := t.TempDir()
	first, _ := sourceTree(t)

	_ = runJSON[migration.Report](t, "reconcile", "--data-dir", dataDir, "--type", "forum", "--dry-run", first)

	_, err := run(t, "ledger", "purge", "--data-dir", dataDir, "--status", "PENDING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	_, err = run(t, "ledger", "purge", "--data-dir", dataDir, "--yes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--status")

	_, err = run(t, "ledger", "purge", "--data-dir", dataDir, "--status", "DONE", "--yes")
	require.Error(t, err)

	purged := runJSON[map[string]int64](t, "ledger", "purge", "--data-dir", dataDir, "--status", "pending", "--yes")
	assert.Equal(t, int64(2), purged["purged"])

	stats := runJSON[ledger.Stats](t, "ledger", "stats", "--data-dir", dataDir)
	assert.Zero(t, stats.Total)
}

func TestConfigShow(t *testing.T) {
	dataDir := t.TempDir()

	out, err := run(t, "config", "show", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "data_dir: "+dataDir)
	assert.Contains(t, out, "driver: sqlite")
	assert.NotContains(t, out, "secret_key")
}

func TestYAMLOutput(t *testing.T) {
	out, err := run(t, "ledger", "stats", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "total: 0")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "abc123")
}

func TestFailures(t *testing.T) {
	assert.NoError(t, failures(0, "file(s)"))

	err := failures(3, "file(s)")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ExitFailures, exitErr.Code)
	assert.Equal(t, "3 file(s) failed", exitErr.Message)
}

func TestMaskSecret(t *testing.T) {
	assert.Empty(t, maskSecret(""))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "post****5432", maskSecret("postgres://u:p@db:5432"))
}
