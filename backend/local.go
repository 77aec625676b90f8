package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/videobot/delivery"
	"github.com/zeebo/blake3"
)

// metaSuffix marks the sidecar file carrying an object's upload attributes.
const metaSuffix = ".meta"

// Local implements Backend against the local filesystem. It is the
// last-resort fallback when no remote backend is available and also backs
// the delivery cache tier. Writes are atomic using a temp file and rename.
type Local struct {
	root      string
	urlPrefix string
	maxSize   int64
	connected atomic.Bool
}

// LocalConfig configures a Local backend.
type LocalConfig struct {
	// Root is the directory objects are stored under. Created if missing.
	Root string

	// URLPrefix, when set, is used to build public URLs for stored keys
	// (e.g. "http://cdn-host:8080/api/v1/files").
	URLPrefix string

	// MaxFileSize rejects uploads larger than this many bytes before
	// transfer. Zero means no limit.
	MaxFileSize int64
}

// NewLocal creates a local filesystem backend rooted at cfg.Root.
func NewLocal(cfg LocalConfig) (*Local, error) {
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	l := &Local{
		root:      absRoot,
		urlPrefix: strings.TrimSuffix(cfg.URLPrefix, "/"),
		maxSize:   cfg.MaxFileSize,
	}
	l.connected.Store(true)
	return l, nil
}

// Name returns "local".
func (l *Local) Name() string { return "local" }

// Root returns the root directory path.
func (l *Local) Root() string { return l.root }

// Connect verifies the root directory is usable.
func (l *Local) Connect(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0755); err != nil {
		l.connected.Store(false)
		return fmt.Errorf("creating root directory: %w", err)
	}
	l.connected.Store(true)
	return nil
}

// Connected reports whether the root directory is usable.
func (l *Local) Connected() bool { return l.connected.Load() }

// sidecar is the JSON document persisted next to each object.
type sidecar struct {
	ContentType string            `json:"content_type"`
	ETag        string            `json:"etag"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Upload copies the file at localPath into the store under key. The content
// is hashed with BLAKE3 while copying; the digest becomes the object's ETag.
func (l *Local) Upload(ctx context.Context, localPath, key string, opts UploadOptions) (*delivery.ObjectInfo, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	stat, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if l.maxSize > 0 && stat.Size() > l.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", delivery.ErrSizeLimitExceeded, stat.Size(), l.maxSize)
	}

	hasher := blake3.New()
	if err := l.writeAtomic(l.keyToPath(key), io.TeeReader(src, hasher)); err != nil {
		return nil, err
	}
	etag := hex.EncodeToString(hasher.Sum(nil))

	sc := sidecar{
		ContentType: opts.ContentType,
		ETag:        etag,
		Metadata:    opts.Metadata,
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := l.writeAtomic(l.keyToPath(key)+metaSuffix, strings.NewReader(string(data))); err != nil {
		return nil, err
	}

	return &delivery.ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  sc.ContentType,
		ETag:         etag,
		LastModified: time.Now().UTC(),
		Metadata:     opts.Metadata,
		Backends:     []string{l.Name()},
	}, nil
}

// Download copies the object at key to localPath atomically.
func (l *Local) Download(ctx context.Context, key, localPath string) error {
	src, err := l.Open(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	return writeFileAtomic(localPath, src)
}

// Open returns a reader over the stored object.
func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Stat returns metadata for the stored object, merging the sidecar when one
// exists (cache fills written by the engine have no sidecar).
func (l *Local) Stat(ctx context.Context, key string) (*delivery.ObjectInfo, error) {
	path := l.keyToPath(key)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, delivery.ErrNotFound
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}

	info := &delivery.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  delivery.ContentType(key),
		LastModified: fi.ModTime().UTC(),
		Backends:     []string{l.Name()},
	}

	if data, err := os.ReadFile(path + metaSuffix); err == nil {
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err == nil {
			if sc.ContentType != "" {
				info.ContentType = sc.ContentType
			}
			info.ETag = sc.ETag
			info.Metadata = sc.Metadata
		}
	}
	return info, nil
}

// Delete removes the object and its sidecar. Missing keys are success.
func (l *Local) Delete(ctx context.Context, key string) error {
	path := l.keyToPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing sidecar: %w", err)
	}
	return nil
}

// List walks the store under prefix. Temp files and sidecars are skipped.
func (l *Local) List(ctx context.Context, prefix string, limit int) ([]delivery.ObjectInfo, error) {
	dir := l.keyToPath(prefix)

	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !fi.IsDir() {
		info, err := l.Stat(ctx, prefix)
		if err != nil {
			return nil, err
		}
		return []delivery.ObjectInfo{*info}, nil
	}

	var infos []delivery.ObjectInfo
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") || strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		if limit > 0 && len(infos) >= limit {
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		info, err := l.Stat(ctx, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		infos = append(infos, *info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return infos, nil
}

// Presign is unsupported for the local filesystem.
func (l *Local) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", fmt.Errorf("%w: local backend cannot presign", delivery.ErrBackendUnavailable)
}

// Stats sums all stored objects.
func (l *Local) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Backend: l.Name(), Connected: l.Connected()}
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") || strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		stats.TotalFiles++
		stats.TotalBytes += fi.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking root: %w", err)
	}
	return stats, nil
}

// PublicURL builds a URL from the configured prefix, when one is set.
func (l *Local) PublicURL(key string) (string, bool) {
	if l.urlPrefix == "" {
		return "", false
	}
	return l.urlPrefix + "/" + key, true
}

// keyToPath converts a key to a filesystem path under the root.
func (l *Local) keyToPath(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

// writeAtomic writes r to path via a temp file in the same directory.
func (l *Local) writeAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return writeFileAtomic(path, r)
}

// writeFileAtomic writes r to path so a concurrent reader never observes a
// partially-written file: data goes to a temp name, is synced, then renamed
// into place.
func writeFileAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true
	return nil
}

var _ Backend = (*Local)(nil)
