package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/testutil"
	"github.com/piwi3910/assetbridge/internal/testutil/mocks"
	"github.com/piwi3910/assetbridge/internal/upload"
)

type fixture struct {
	ledger   *ledger.Ledger
	storage  *mocks.MockStorageBackend
	uploader *upload.Uploader
	root     string
}

func newFixture(t *testing.T, files map[string][]byte) *fixture {
	t.Helper()

	store, err := ledger.OpenBadger(ledger.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	router := bucket.DefaultRouter()
	storage := mocks.NewMockStorageBackend()

	return &fixture{
		ledger:   ledger.New(store, router),
		storage:  storage,
		uploader: upload.New(storage, router, upload.Config{BaseURL: "/storage-proxy", BaseDelay: time.Millisecond}),
		root:     testutil.WriteTree(t, files),
	}
}

func (f *fixture) resolver(t *testing.T, mutate func(*Config)) *Resolver {
	t.Helper()

	cfg := DefaultConfig()
	cfg.LegacyRoot = f.root

	if mutate != nil {
		mutate(&cfg)
	}

	r, err := New(cfg, f.ledger, f.storage, bucket.DefaultRouter(), f.uploader)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	return r
}

func waitLazy(r *Resolver) {
	if r.lazy != nil {
		r.lazy.wg.Wait()
	}
}

func TestResolve_LedgerWins(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"uploads/forum/topic.png": testutil.PNG,
	})
	ctx := context.Background()

	// Every later step would also hit; the ledger must still answer first.
	rec, err := f.ledger.UpsertPending(ctx, ledger.SourceDatabase, "topic.png", "forum")
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkMigrated(ctx, rec.ID))
	f.storage.AddObject(bucket.Forum, "forum/topic.png", testutil.PNG, "image/png")

	r := f.resolver(t, nil)

	asset := r.Resolve(ctx, "topic.png", "forum")
	assert.Equal(t, SourceLedger, asset.Source)
	assert.Equal(t, "/storage-proxy/FORUM/forum/topic.png", asset.URL)
	assert.Equal(t, bucket.Forum, asset.Bucket)
	assert.False(t, asset.IsDefault)
}

func TestResolve_PendingLedgerRecordFallsThrough(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ledger.UpsertPending(ctx, ledger.SourceDatabase, "pending.png", "forum")
	require.NoError(t, err)
	f.storage.AddObject(bucket.Forum, "forum/pending.png", testutil.PNG, "image/png")

	asset := f.resolver(t, nil).Resolve(ctx, "pending.png", "forum")
	assert.Equal(t, SourceConvention, asset.Source)
}

func TestResolve_Convention(t *testing.T) {
	f := newFixture(t, nil)
	f.storage.AddObject(bucket.Sale, "real_estate/house.jpg", testutil.JPEG, "image/jpeg")

	asset := f.resolver(t, nil).Resolve(context.Background(), "https://old.example.com/img/house.jpg?v=3", "real_estate")
	assert.Equal(t, SourceConvention, asset.Source)
	assert.Equal(t, "/storage-proxy/SALE/real_estate/house.jpg", asset.URL)
	assert.Equal(t, "real_estate/house.jpg", asset.Key)
}

func TestResolve_LegacyTriggersLazyMigration(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"uploads/calendar/summer fest.jpg": testutil.JPEG,
	})
	ctx := context.Background()
	r := f.resolver(t, nil)

	asset := r.Resolve(ctx, "summer fest.jpg", "calendar")
	assert.Equal(t, SourceLegacy, asset.Source)
	assert.Equal(t, "/legacy/uploads/calendar/summer%20fest.jpg", asset.URL)
	assert.False(t, asset.IsDefault)

	waitLazy(r)

	data, ok := f.storage.GetStoredObject(bucket.Calendar, "calendar/summer fest.jpg")
	require.True(t, ok)
	assert.Equal(t, testutil.JPEG, data)

	rec, err := f.ledger.FindBySource(ctx, "summer fest.jpg")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StatusMigrated, rec.Status)

	// The migration is visible on the next resolution.
	again := r.Resolve(ctx, "summer fest.jpg", "calendar")
	assert.Equal(t, SourceLedger, again.Source)
	assert.Equal(t, "/storage-proxy/CALENDAR/calendar/summer%20fest.jpg", again.URL)
}

func TestResolve_LegacyUploadFailureMarksFailed(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"forum/broken.png": testutil.PNG,
	})
	f.storage.SetPutObjectError(errors.New("bucket offline"))
	ctx := context.Background()
	r := f.resolver(t, nil)

	asset := r.Resolve(ctx, "broken.png", "forum")
	assert.Equal(t, SourceLegacy, asset.Source)
	assert.Equal(t, "/legacy/forum/broken.png", asset.URL)

	waitLazy(r)

	rec, err := f.ledger.FindBySource(ctx, "broken.png")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "bucket offline")
}

func TestResolve_LegacyDirectPath(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"misc/2019/flyer.png": testutil.PNG,
	})

	r := f.resolver(t, func(c *Config) { c.LazyMigration = false })

	asset := r.Resolve(context.Background(), "/misc/2019/flyer.png", "community")
	assert.Equal(t, SourceLegacy, asset.Source)
	assert.Equal(t, "/legacy/misc/2019/flyer.png", asset.URL)
	assert.Equal(t, 0, f.storage.PutCalls())
}

func TestResolve_LegacyRejectsEscapes(t *testing.T) {
	f := newFixture(t, nil)
	r := f.resolver(t, nil)

	asset := r.Resolve(context.Background(), "../../../etc/passwd", "forum")
	assert.Equal(t, SourceDefault, asset.Source)

	asset = r.Resolve(context.Background(), "a.png", "../../etc")
	assert.Equal(t, SourceDefault, asset.Source)
}

func TestResolve_DefaultPlaceholder(t *testing.T) {
	f := newFixture(t, nil)
	r := f.resolver(t, nil)

	asset := r.Resolve(context.Background(), "missing.jpg", "calendar")
	assert.Equal(t, SourceDefault, asset.Source)
	assert.True(t, asset.IsDefault)
	assert.Equal(t, bucket.Default, asset.Bucket)
	assert.Equal(t, "placeholders/default-event-image.svg", asset.Key)
	assert.Equal(t, "/storage-proxy/DEFAULT/placeholders/default-event-image.svg", asset.URL)

	empty := r.Resolve(context.Background(), "", "forum")
	assert.True(t, empty.IsDefault)
	assert.Equal(t, "placeholders/default-forum-image.svg", empty.Key)
}

func TestResolve_InvalidMediaTypeIsDefault(t *testing.T) {
	f := newFixture(t, map[string][]byte{"a.png": testutil.PNG})
	r := f.resolver(t, nil)

	for _, mediaType := range []string{"..", "forum/..", `a\b`} {
		asset := r.Resolve(context.Background(), "a.png", mediaType)
		assert.True(t, asset.IsDefault, mediaType)
		assert.Equal(t, bucket.Default, asset.Bucket)
	}

	waitLazy(r)
	stats, err := f.ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestResolve_StepErrorsAreMisses(t *testing.T) {
	f := newFixture(t, nil)
	f.storage.SetObjectExistsError(errors.New("storage down"))

	asset := f.resolver(t, nil).Resolve(context.Background(), "a.png", "vendor")
	assert.True(t, asset.IsDefault)
	assert.Equal(t, "placeholders/default-vendor-image.svg", asset.Key)
}

func TestResolve_CachesPositiveResults(t *testing.T) {
	f := newFixture(t, nil)
	f.storage.AddObject(bucket.Forum, "forum/cached.png", testutil.PNG, "image/png")
	r := f.resolver(t, nil)
	ctx := context.Background()

	first := r.Resolve(ctx, "cached.png", "forum")
	require.Equal(t, SourceConvention, first.Source)

	calls := f.storage.ExistsCalls()

	second := r.Resolve(ctx, "cached.png", "forum")
	assert.Equal(t, first, second)
	assert.Equal(t, calls, f.storage.ExistsCalls())

	require.NoError(t, f.storage.DeleteObject(ctx, bucket.Forum, "forum/cached.png"))
	r.Invalidate("cached.png", "forum")

	third := r.Resolve(ctx, "cached.png", "forum")
	assert.True(t, third.IsDefault)
}

func TestResolve_DefaultIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	r := f.resolver(t, nil)
	ctx := context.Background()

	assert.True(t, r.Resolve(ctx, "late.png", "forum").IsDefault)

	f.storage.AddObject(bucket.Forum, "forum/late.png", testutil.PNG, "image/png")

	assert.Equal(t, SourceConvention, r.Resolve(ctx, "late.png", "forum").Source)
}

func TestResolve_CustomChainOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.ledger.UpsertPending(ctx, ledger.SourceDatabase, "order.png", "forum")
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkMigrated(ctx, rec.ID))
	f.storage.AddObject(bucket.Forum, "forum/order.png", testutil.PNG, "image/png")

	r := f.resolver(t, func(c *Config) { c.Chain = []string{"convention", "ledger"} })

	assert.Equal(t, SourceConvention, r.Resolve(ctx, "order.png", "forum").Source)
}

func TestNew_RejectsUnknownPolicy(t *testing.T) {
	f := newFixture(t, nil)

	cfg := DefaultConfig()
	cfg.Chain = []string{"ledger", "cdn"}

	_, err := New(cfg, f.ledger, f.storage, bucket.DefaultRouter(), f.uploader)
	require.Error(t, err)

	cfg.Chain = []string{"ledger", "ledger"}

	_, err = New(cfg, f.ledger, f.storage, bucket.DefaultRouter(), f.uploader)
	require.Error(t, err)
}

func TestClose_StopsNewLazyMigrations(t *testing.T) {
	f := newFixture(t, map[string][]byte{
		"uploads/forum/after-close.png": testutil.PNG,
	})
	r := f.resolver(t, nil)

	require.NoError(t, r.Close(context.Background()))

	asset := r.Resolve(context.Background(), "after-close.png", "forum")
	assert.Equal(t, SourceLegacy, asset.Source)

	waitLazy(r)
	assert.Equal(t, 0, f.storage.PutCalls())
}
