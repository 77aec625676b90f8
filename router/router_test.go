package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/videobot/delivery"
	"github.com/videobot/delivery/backend"
	"github.com/videobot/delivery/policy"
)

// fakeBackend is an in-memory Backend with failure injection.
type fakeBackend struct {
	mu        sync.Mutex
	name      string
	connected bool
	objects   map[string]fakeStored
	publicURL string

	connectErr error
	uploadErr  error
	statErr    error
	deleteErr  error

	uploads int
	deletes int
}

type fakeStored struct {
	data     []byte
	metadata map[string]string
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, objects: make(map[string]fakeStored)}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		f.connected = false
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeBackend) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBackend) Upload(ctx context.Context, localPath, key string, opts backend.UploadOptions) (*delivery.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, err
	}
	f.objects[key] = fakeStored{data: data, metadata: opts.Metadata}
	return &delivery.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		LastModified: time.Now().UTC(),
		Metadata:     opts.Metadata,
		Backends:     []string{f.name},
	}, nil
}

func (f *fakeBackend) Download(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return delivery.ErrNotFound
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, obj.data, 0644)
}

func (f *fakeBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (f *fakeBackend) Stat(ctx context.Context, key string) (*delivery.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return nil, f.statErr
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return &delivery.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: time.Now().UTC(),
		Metadata:     obj.metadata,
		Backends:     []string{f.name},
	}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBackend) List(ctx context.Context, prefix string, limit int) ([]delivery.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []delivery.ObjectInfo
	for k, obj := range f.objects {
		if prefix != "" && (len(k) < len(prefix) || k[:len(prefix)] != prefix) {
			continue
		}
		if limit > 0 && len(infos) >= limit {
			break
		}
		infos = append(infos, delivery.ObjectInfo{
			Key:      k,
			Size:     int64(len(obj.data)),
			Metadata: obj.metadata,
			Backends: []string{f.name},
		})
	}
	return infos, nil
}

func (f *fakeBackend) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed." + f.name + ".example/" + key, nil
}

func (f *fakeBackend) Stats(ctx context.Context) (*backend.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &backend.Stats{Backend: f.name, Connected: f.connected}
	for _, obj := range f.objects {
		s.TotalFiles++
		s.TotalBytes += int64(len(obj.data))
	}
	return s, nil
}

func (f *fakeBackend) PublicURL(key string) (string, bool) {
	if f.publicURL == "" {
		return "", false
	}
	return f.publicURL + "/" + key, true
}

func (f *fakeBackend) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

var _ backend.Backend = (*fakeBackend)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, primary, backup *fakeBackend) (*Router, *fakeBackend) {
	t.Helper()
	local := newFakeBackend("local")

	cfg := Config{
		Local:  local,
		Policy: policy.Default(),
		Logger: discardLogger(),
	}
	if primary != nil {
		cfg.Primary = primary
	}
	if backup != nil {
		cfg.Backup = backup
	}
	r, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Connect(context.Background()))
	return r, local
}

func sourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.mp4")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestUploadGoesToPrimaryAndReplicates(t *testing.T) {
	primary := newFakeBackend("wasabi")
	backup := newFakeBackend("backblaze")
	r, local := newTestRouter(t, primary, backup)

	src := sourceFile(t, "payload")
	res, err := r.Upload(context.Background(), src, "free/2025/03/7/1_a.mp4", delivery.TierFree, nil)
	require.NoError(t, err)
	require.Equal(t, "wasabi", res.Backend)
	require.False(t, res.LocalFallback)
	require.Equal(t, int64(len("payload")), res.Size)
	require.False(t, res.ExpiresAt.IsZero())

	// Replication is detached; Close waits for it.
	r.Close()
	require.True(t, backup.has("free/2025/03/7/1_a.mp4"))
	require.Equal(t, "true", backup.objects["free/2025/03/7/1_a.mp4"].metadata["backup-copy"])
	require.False(t, local.has("free/2025/03/7/1_a.mp4"))
}

func TestUploadStampsMetadata(t *testing.T) {
	primary := newFakeBackend("wasabi")
	r, _ := newTestRouter(t, primary, nil)

	src := sourceFile(t, "x")
	_, err := r.Upload(context.Background(), src, "premium/2025/03/9/1_b.mp4", delivery.TierPremium,
		map[string]string{delivery.MetaOwner: "9"})
	require.NoError(t, err)

	meta := primary.objects["premium/2025/03/9/1_b.mp4"].metadata
	require.Equal(t, "premium", meta[delivery.MetaTier])
	require.Equal(t, "9", meta[delivery.MetaOwner])
	_, err = time.Parse(time.RFC3339, meta[delivery.MetaUploadedAt])
	require.NoError(t, err)
}

func TestUploadFallsBackToBackupWhenPrimaryDown(t *testing.T) {
	primary := newFakeBackend("wasabi")
	primary.connectErr = errors.New("down")
	backup := newFakeBackend("backblaze")
	r, _ := newTestRouter(t, primary, backup)

	src := sourceFile(t, "x")
	res, err := r.Upload(context.Background(), src, "free/2025/03/7/1_c.mp4", delivery.TierFree, nil)
	require.NoError(t, err)
	require.Equal(t, "backblaze", res.Backend)
	require.False(t, res.LocalFallback)

	// No replication back onto the serving backend.
	r.Close()
	require.Equal(t, 1, backup.uploads)
}

func TestUploadLocalFallbackWhenNoRemote(t *testing.T) {
	r, local := newTestRouter(t, nil, nil)

	src := sourceFile(t, "x")
	res, err := r.Upload(context.Background(), src, "free/2025/03/7/1_d.mp4", delivery.TierFree, nil)
	require.NoError(t, err)
	require.Equal(t, "local", res.Backend)
	require.True(t, res.LocalFallback)
	require.True(t, local.has("free/2025/03/7/1_d.mp4"))
}

func TestUploadRemoteFailureFallsBackToLocal(t *testing.T) {
	primary := newFakeBackend("wasabi")
	r, local := newTestRouter(t, primary, nil)
	primary.uploadErr = errors.New("put failed")

	src := sourceFile(t, "x")
	res, err := r.Upload(context.Background(), src, "free/2025/03/7/1_e.mp4", delivery.TierFree, nil)
	require.NoError(t, err)
	require.True(t, res.LocalFallback)
	require.True(t, local.has("free/2025/03/7/1_e.mp4"))
}

func TestUploadSizeLimitNotMaskedByFallback(t *testing.T) {
	primary := newFakeBackend("wasabi")
	r, local := newTestRouter(t, primary, nil)
	primary.uploadErr = delivery.ErrSizeLimitExceeded

	src := sourceFile(t, "x")
	_, err := r.Upload(context.Background(), src, "free/2025/03/7/1_f.mp4", delivery.TierFree, nil)
	require.ErrorIs(t, err, delivery.ErrSizeLimitExceeded)
	require.False(t, local.has("free/2025/03/7/1_f.mp4"))
}

func TestAdminUploadsRequirePrimary(t *testing.T) {
	primary := newFakeBackend("wasabi")
	primary.connectErr = errors.New("down")
	backup := newFakeBackend("backblaze")
	r, local := newTestRouter(t, primary, backup)

	src := sourceFile(t, "x")
	res, err := r.Upload(context.Background(), src, "admin/2025/03/1/1_g.mp4", delivery.TierAdmin, nil)
	require.NoError(t, err)
	// Admin never lands on the backup; with the primary down it falls local.
	require.True(t, res.LocalFallback)
	require.True(t, local.has("admin/2025/03/1/1_g.mp4"))
	require.Zero(t, backup.uploads)
}

func TestUploadPublicURLPreferred(t *testing.T) {
	primary := newFakeBackend("wasabi")
	primary.publicURL = "https://cdn.example.com"
	r, _ := newTestRouter(t, primary, nil)

	src := sourceFile(t, "x")
	res, err := r.Upload(context.Background(), src, "public/banner.png", delivery.TierFree, nil)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/public/banner.png", res.PublicURL)
	require.Equal(t, res.PublicURL, res.URL)
}

func TestInfoPriorityOrder(t *testing.T) {
	primary := newFakeBackend("wasabi")
	backup := newFakeBackend("backblaze")
	r, local := newTestRouter(t, primary, backup)
	ctx := context.Background()

	src := sourceFile(t, "x")
	_, err := backup.Upload(ctx, src, "free/2025/03/7/1_h.mp4", backend.UploadOptions{})
	require.NoError(t, err)
	_, err = local.Upload(ctx, src, "free/2025/03/7/1_h.mp4", backend.UploadOptions{})
	require.NoError(t, err)

	info, err := r.Info(ctx, "free/2025/03/7/1_h.mp4")
	require.NoError(t, err)
	require.Equal(t, []string{"backblaze"}, info.Backends)
	require.False(t, info.ExpiresAt.IsZero())

	// Primary errors are skipped, not fatal.
	primary.statErr = errors.New("boom")
	info, err = r.Info(ctx, "free/2025/03/7/1_h.mp4")
	require.NoError(t, err)
	require.Equal(t, []string{"backblaze"}, info.Backends)
}

func TestInfoNotFound(t *testing.T) {
	primary := newFakeBackend("wasabi")
	r, _ := newTestRouter(t, primary, nil)

	_, err := r.Info(context.Background(), "free/2025/03/7/1_nope.mp4")
	require.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestDownloadFallsThroughBackends(t *testing.T) {
	primary := newFakeBackend("wasabi")
	r, local := newTestRouter(t, primary, nil)
	ctx := context.Background()

	src := sourceFile(t, "only local")
	_, err := local.Upload(ctx, src, "free/2025/03/7/1_i.mp4", backend.UploadOptions{})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out.mp4")
	source, err := r.Download(ctx, "free/2025/03/7/1_i.mp4", dst)
	require.NoError(t, err)
	require.Equal(t, "local", source)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "only local", string(data))
}

func TestOpenReturnsSource(t *testing.T) {
	primary := newFakeBackend("wasabi")
	r, _ := newTestRouter(t, primary, nil)
	ctx := context.Background()

	src := sourceFile(t, "stream")
	_, err := primary.Upload(ctx, src, "free/2025/03/7/1_j.mp4", backend.UploadOptions{})
	require.NoError(t, err)

	rc, source, err := r.Open(ctx, "free/2025/03/7/1_j.mp4")
	require.NoError(t, err)
	require.Equal(t, "wasabi", source)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, "stream", string(data))

	_, _, err = r.Open(ctx, "free/2025/03/7/1_missing.mp4")
	require.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestDeleteFansOutToAllBackends(t *testing.T) {
	primary := newFakeBackend("wasabi")
	backup := newFakeBackend("backblaze")
	r, local := newTestRouter(t, primary, backup)
	ctx := context.Background()

	src := sourceFile(t, "x")
	for _, b := range []*fakeBackend{primary, backup, local} {
		_, err := b.Upload(ctx, src, "free/2025/03/7/1_k.mp4", backend.UploadOptions{})
		require.NoError(t, err)
	}

	res, err := r.Delete(ctx, "free/2025/03/7/1_k.mp4")
	require.NoError(t, err)
	require.Equal(t, 3, res.Deleted)
	require.False(t, primary.has("free/2025/03/7/1_k.mp4"))
	require.False(t, backup.has("free/2025/03/7/1_k.mp4"))
	require.False(t, local.has("free/2025/03/7/1_k.mp4"))
}

func TestDeleteSucceedsIfAnyBackendConfirms(t *testing.T) {
	primary := newFakeBackend("wasabi")
	r, _ := newTestRouter(t, primary, nil)
	primary.deleteErr = errors.New("boom")

	res, err := r.Delete(context.Background(), "free/2025/03/7/1_l.mp4")
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.False(t, res.Results["wasabi"])
	require.True(t, res.Results["local"])
}

func TestStatsCountsPrimaryOnly(t *testing.T) {
	primary := newFakeBackend("wasabi")
	backup := newFakeBackend("backblaze")
	r, local := newTestRouter(t, primary, backup)
	ctx := context.Background()

	src := sourceFile(t, "12345")
	_, err := primary.Upload(ctx, src, "a", backend.UploadOptions{})
	require.NoError(t, err)
	_, err = backup.Upload(ctx, src, "a", backend.UploadOptions{})
	require.NoError(t, err)
	_, err = local.Upload(ctx, src, "b", backend.UploadOptions{})
	require.NoError(t, err)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Backends, 3)
	// Replicas must not inflate the totals.
	require.Equal(t, int64(1), stats.TotalFiles)
	require.Equal(t, int64(5), stats.TotalBytes)
}

func TestPublicURLChecksRemotesOnly(t *testing.T) {
	primary := newFakeBackend("wasabi")
	backup := newFakeBackend("backblaze")
	backup.publicURL = "https://b2.example.com"
	r, _ := newTestRouter(t, primary, backup)

	url, ok := r.PublicURL("public/x.png")
	require.True(t, ok)
	require.Equal(t, "https://b2.example.com/public/x.png", url)
}
