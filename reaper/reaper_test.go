package reaper

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/videobot/delivery"
	"github.com/videobot/delivery/backend"
	"github.com/videobot/delivery/cache"
	"github.com/videobot/delivery/policy"
	"github.com/videobot/delivery/router"
)

func newTestIndex(t *testing.T, opts ...cache.Option) *cache.Index {
	t.Helper()
	opts = append(opts, cache.WithNoSync(true))
	idx := cache.NewIndex(opts...)
	require.NoError(t, idx.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func newTestRouter(t *testing.T) (*router.Router, *backend.Local) {
	t.Helper()
	store, err := backend.NewLocal(backend.LocalConfig{Root: t.TempDir()})
	require.NoError(t, err)

	rt, err := router.New(router.Config{
		Local:  store,
		Policy: policy.Default(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, rt.Connect(context.Background()))
	return rt, store
}

func putObject(t *testing.T, store *backend.Local, key string, size int, uploadedAt time.Time) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, make([]byte, size), 0644))
	_, err := store.Upload(context.Background(), src, key, backend.UploadOptions{
		Metadata: map[string]string{
			delivery.MetaUploadedAt: uploadedAt.Format(time.RFC3339),
		},
	})
	require.NoError(t, err)
}

func objectExists(t *testing.T, store *backend.Local, key string) bool {
	t.Helper()
	_, err := store.Stat(context.Background(), key)
	return err == nil
}

func TestExpiredObjectSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	rt, store := newTestRouter(t)
	idx := newTestIndex(t)

	// Free tier retention is 24h; premium is a week.
	putObject(t, store, "free/2025/03/7/1_old.mp4", 100, now.Add(-25*time.Hour))
	putObject(t, store, "free/2025/03/7/2_new.mp4", 100, now.Add(-time.Hour))
	putObject(t, store, "premium/2025/03/8/3_old.mp4", 100, now.Add(-25*time.Hour))

	mgr := New(rt, idx, "", DefaultConfig(), policy.Default(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(func() time.Time { return now }))

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredDeleted)
	assert.Equal(t, int64(100), result.BytesFreed)

	assert.False(t, objectExists(t, store, "free/2025/03/7/1_old.mp4"))
	assert.True(t, objectExists(t, store, "free/2025/03/7/2_new.mp4"))
	assert.True(t, objectExists(t, store, "premium/2025/03/8/3_old.mp4"))

	// A second run has nothing left to do.
	result, err = mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.ExpiredDeleted)
}

func TestExpiredSweepDropsCachedCopy(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	rt, store := newTestRouter(t)
	idx := newTestIndex(t)
	cacheDir := t.TempDir()

	key := "free/2025/03/7/1_old.mp4"
	putObject(t, store, key, 100, now.Add(-25*time.Hour))

	cachedPath := filepath.Join(cacheDir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(cachedPath), 0755))
	require.NoError(t, os.WriteFile(cachedPath, make([]byte, 100), 0644))
	require.NoError(t, idx.Put(ctx, &cache.Entry{Key: key, Size: 100}))

	mgr := New(rt, idx, cacheDir, DefaultConfig(), policy.Default(),
		WithNow(func() time.Time { return now }))

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.ExpiredDeleted)

	_, err = os.Stat(cachedPath)
	assert.True(t, os.IsNotExist(err))
	_, err = idx.Get(ctx, key)
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestCacheTTLEviction(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rt, _ := newTestRouter(t)
	idx := newTestIndex(t, cache.WithNow(func() time.Time { return current }))
	cacheDir := t.TempDir()

	writeCached := func(key string, size int) {
		path := filepath.Join(cacheDir, key)
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
		require.NoError(t, idx.Put(ctx, &cache.Entry{Key: key, Size: int64(size)}))
	}

	writeCached("stale.mp4", 100)
	current = current.Add(48 * time.Hour)
	writeCached("fresh.mp4", 100)

	config := DefaultConfig()
	config.CacheTTL = 24 * time.Hour
	mgr := New(rt, idx, cacheDir, config, policy.Default(),
		WithNow(func() time.Time { return current }))

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CacheTTLEvicted)

	_, err = os.Stat(filepath.Join(cacheDir, "stale.mp4"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cacheDir, "fresh.mp4"))
	assert.NoError(t, err)
}

func TestCacheSizeEnforcement(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rt, _ := newTestRouter(t)
	idx := newTestIndex(t, cache.WithNow(func() time.Time { return current }))
	cacheDir := t.TempDir()

	// Three 100-byte entries, oldest first.
	for _, key := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(cacheDir, key), make([]byte, 100), 0644))
		require.NoError(t, idx.Put(ctx, &cache.Entry{Key: key, Size: 100}))
		current = current.Add(time.Minute)
	}

	config := DefaultConfig()
	config.MaxCacheBytes = 150
	mgr := New(rt, idx, cacheDir, config, policy.Default(),
		WithNow(func() time.Time { return current }))

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.CacheLRUEvicted)

	// The two least recently used entries go; the freshest stays.
	_, err = idx.Get(ctx, "a.mp4")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
	_, err = idx.Get(ctx, "b.mp4")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
	_, err = idx.Get(ctx, "c.mp4")
	assert.NoError(t, err)

	total, err := idx.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), total)
}

func TestCacheSizeEnforcementStopsWhenVictimsStick(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rt, _ := newTestRouter(t)
	idx := newTestIndex(t, cache.WithNow(func() time.Time { return current }))
	cacheDir := t.TempDir()

	// Cached paths that are non-empty directories cannot be removed, so
	// every eviction attempt for these entries fails.
	for _, key := range []string{"a.mp4", "b.mp4"} {
		dir := filepath.Join(cacheDir, key)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "inner"), make([]byte, 10), 0644))
		require.NoError(t, idx.Put(ctx, &cache.Entry{Key: key, Size: 100}))
		current = current.Add(time.Minute)
	}

	config := DefaultConfig()
	config.MaxCacheBytes = 50
	mgr := New(rt, idx, cacheDir, config, policy.Default(),
		WithNow(func() time.Time { return current }))

	// The cycle must terminate even though nothing can be evicted.
	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.CacheLRUEvicted)
	assert.NotEmpty(t, result.Errors)
	// One failure per victim, not an unbounded retry loop.
	assert.LessOrEqual(t, len(result.Errors), 2)
}

func TestTempSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	rt, _ := newTestRouter(t)
	idx := newTestIndex(t)
	tempDir := t.TempDir()

	oldPath := filepath.Join(tempDir, "old.part")
	require.NoError(t, os.WriteFile(oldPath, make([]byte, 50), 0644))
	require.NoError(t, os.Chtimes(oldPath, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	freshPath := filepath.Join(tempDir, "fresh.part")
	require.NoError(t, os.WriteFile(freshPath, make([]byte, 50), 0644))

	config := DefaultConfig()
	config.TempDir = tempDir
	mgr := New(rt, idx, "", config, policy.Default(),
		WithNow(func() time.Time { return now }))

	result, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TempDeleted)
	assert.Equal(t, int64(50), result.BytesFreed)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	assert.NoError(t, err)
}

func TestCleanupStatsPersisted(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	rt, store := newTestRouter(t)
	idx := newTestIndex(t)

	putObject(t, store, "free/2025/03/7/1_old.mp4", 100, now.Add(-25*time.Hour))

	mgr := New(rt, idx, "", DefaultConfig(), policy.Default(),
		WithNow(func() time.Time { return now }))

	_, err := mgr.RunNow(ctx)
	require.NoError(t, err)
	_, err = mgr.RunNow(ctx)
	require.NoError(t, err)

	stats, err := idx.LoadCleanupStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Runs)
	assert.Equal(t, int64(1), stats.FilesDeleted)
	assert.Equal(t, int64(100), stats.BytesFreed)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	rt, _ := newTestRouter(t)
	idx := newTestIndex(t)

	config := DefaultConfig()
	config.StartupDelay = 10 * time.Millisecond
	config.Interval = 50 * time.Millisecond

	mgr := New(rt, idx, "", config, policy.Default(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	mgr.Start(ctx)

	time.Sleep(100 * time.Millisecond)

	require.NotNil(t, mgr.Status(), "should have run at least once")
	assert.Equal(t, StateIdle, mgr.State())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, mgr.Stop(stopCtx))
	require.NoError(t, mgr.Stop(stopCtx), "stop should be idempotent")
}
