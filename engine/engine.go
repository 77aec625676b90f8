// Package engine implements the delivery serve path: resolve the object
// across backends, refuse expired objects, redirect to public URLs when
// possible, and otherwise pull the object into the local cache and stream it
// with byte-range support.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/videobot/delivery"
	"github.com/videobot/delivery/cache"
	"github.com/videobot/delivery/policy"
	"github.com/videobot/delivery/router"
	"github.com/videobot/delivery/telemetry"
)

// streamChunkSize is the copy buffer size for streaming responses.
const streamChunkSize = 1 << 20 // 1 MiB

// Engine serves objects over HTTP through the local cache.
type Engine struct {
	router  *router.Router
	index   *cache.Index
	dir     string
	maxSize int64
	policy  policy.Policy
	logger  *slog.Logger
	now     func() time.Time
}

// Config configures an Engine.
type Config struct {
	// Router resolves and fetches objects across backends.
	Router *router.Router

	// Index tracks cached objects for LRU eviction.
	Index *cache.Index

	// Dir is the cache directory files are staged in.
	Dir string

	// MaxObjectBytes skips caching for objects larger than this; they are
	// streamed straight from the serving backend. Zero caches everything.
	MaxObjectBytes int64

	// Policy drives the expired-object check.
	Policy policy.Policy

	Logger *slog.Logger
}

// Option configures optional Engine behaviour.
type Option func(*Engine)

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("cache index is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		router:  cfg.Router,
		index:   cfg.Index,
		dir:     cfg.Dir,
		maxSize: cfg.MaxObjectBytes,
		policy:  cfg.Policy,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Dir returns the cache directory.
func (e *Engine) Dir() string { return e.dir }

// Serve resolves the object and writes the response: a redirect to a public
// URL when one exists and no range was requested, otherwise the object's
// bytes from the local cache. The returned error is one of the package
// sentinels for the caller to map to a status code; once the body has
// started streaming errors are logged, not returned.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, key string) error {
	ctx := r.Context()

	info, err := e.router.Info(ctx, key)
	if err != nil {
		return err
	}

	if e.policy.IsExpired(info.UploadedAt(), info.Tier(), e.now()) {
		return fmt.Errorf("%w: %s", delivery.ErrGone, key)
	}

	rangeHeader := r.Header.Get("Range")

	// A public URL serves the bytes without proxying, but only for whole
	// objects: range requests must be answered by us.
	if rangeHeader == "" {
		if url, ok := e.router.PublicURL(key); ok {
			telemetry.SetCacheResult(r, telemetry.CacheNA)
			http.Redirect(w, r, url, http.StatusFound)
			return nil
		}
	}

	br, err := ParseRange(rangeHeader, info.Size)
	if err != nil {
		return err
	}

	if e.maxSize > 0 && info.Size > e.maxSize {
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
		return e.streamRemote(w, r, key, info, br)
	}

	path, result, err := e.ensureLocal(ctx, key, info)
	if err != nil {
		return err
	}
	telemetry.SetCacheResult(r, result)

	return e.serveFile(w, r, path, info, br)
}

// Invalidate drops the object from the local cache. Used after deletes so a
// removed object cannot be served from a stale cache entry.
func (e *Engine) Invalidate(ctx context.Context, key string) error {
	path := e.keyToPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing cached file: %w", err)
	}
	return e.index.Delete(ctx, key)
}

// ensureLocal returns the cache path for the object, filling the cache from
// the backends on a miss.
func (e *Engine) ensureLocal(ctx context.Context, key string, info *delivery.ObjectInfo) (string, telemetry.CacheResult, error) {
	path := e.keyToPath(key)

	if _, err := e.index.Get(ctx, key); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := e.index.Touch(ctx, key); err != nil {
				e.logger.Warn("cache touch failed", "key", key, "error", err)
			}
			return path, telemetry.CacheHit, nil
		}
		// Index entry without a file: the file was removed out of band.
		e.logger.Warn("cache entry missing its file, dropping", "key", key)
		_ = e.index.Delete(ctx, key)
	}

	start := time.Now()
	source, err := e.router.Download(ctx, key, path)
	if err != nil {
		telemetry.RecordCacheFill(ctx, "unknown", 0, time.Since(start), "error")
		return "", telemetry.CacheMiss, err
	}
	telemetry.RecordCacheFill(ctx, source, info.Size, time.Since(start), "success")

	entry := &cache.Entry{
		Key:    key,
		Size:   info.Size,
		Source: source,
		ETag:   info.ETag,
	}
	if err := e.index.Put(ctx, entry); err != nil {
		e.logger.Warn("cache index update failed", "key", key, "error", err)
	}

	return path, telemetry.CacheMiss, nil
}

// serveFile streams the cached file, honoring a parsed range.
func (e *Engine) serveFile(w http.ResponseWriter, r *http.Request, path string, info *delivery.ObjectInfo, br *ByteRange) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening cached file: %w", err)
	}
	defer f.Close()

	e.writeObjectHeaders(w, info)

	if br == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return nil
		}
		e.copyChunks(w, f, info.Size, info.Key)
		return nil
	}

	w.Header().Set("Content-Range", br.ContentRange(info.Size))
	w.Header().Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusPartialContent)
		return nil
	}
	if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to range start: %w", err)
	}
	w.WriteHeader(http.StatusPartialContent)
	e.copyChunks(w, f, br.Length(), info.Key)
	return nil
}

// streamRemote proxies the object straight from the serving backend without
// caching. Range requests discard the leading bytes since remote readers
// cannot seek.
func (e *Engine) streamRemote(w http.ResponseWriter, r *http.Request, key string, info *delivery.ObjectInfo, br *ByteRange) error {
	length := info.Size
	status := http.StatusOK
	if br != nil {
		length = br.Length()
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		e.writeRemoteHeaders(w, info, br, length)
		w.WriteHeader(status)
		return nil
	}

	// Open the reader and position it before touching the response, so an
	// open failure still maps to a clean error status instead of leaving a
	// full-object Content-Length on an error body.
	rc, source, err := e.router.Open(r.Context(), key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if br != nil && br.Start > 0 {
		if _, err := io.CopyN(io.Discard, rc, br.Start); err != nil {
			return fmt.Errorf("%w: skipping to range start on %q: %v",
				delivery.ErrBackendUnavailable, source, err)
		}
	}

	e.writeRemoteHeaders(w, info, br, length)
	w.WriteHeader(status)
	e.copyChunks(w, rc, length, key)
	return nil
}

func (e *Engine) writeRemoteHeaders(w http.ResponseWriter, info *delivery.ObjectInfo, br *ByteRange, length int64) {
	e.writeObjectHeaders(w, info)
	if br != nil {
		w.Header().Set("Content-Range", br.ContentRange(info.Size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
}

// copyChunks streams up to length bytes to the response. Failures after the
// first byte cannot change the response, so they are only logged.
func (e *Engine) copyChunks(w http.ResponseWriter, src io.Reader, length int64, key string) {
	buf := make([]byte, streamChunkSize)
	n, err := io.CopyBuffer(w, io.LimitReader(src, length), buf)
	if err != nil {
		e.logger.Error("stream interrupted after partial write",
			"key", key, "bytes_written", n, "error", err)
		return
	}
	if n != length {
		e.logger.Error("content-length mismatch", "key", key, "expected", length, "actual", n)
	}
}

func (e *Engine) writeObjectHeaders(w http.ResponseWriter, info *delivery.ObjectInfo) {
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", cacheControl(info))
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	if info.ETag != "" {
		w.Header().Set("ETag", `"`+info.ETag+`"`)
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	if !info.ExpiresAt.IsZero() {
		w.Header().Set("Expires", info.ExpiresAt.UTC().Format(http.TimeFormat))
	}
}

func (e *Engine) keyToPath(key string) string {
	return filepath.Join(e.dir, filepath.FromSlash(key))
}

// cacheControl builds the Cache-Control header. Public objects are shared
// cacheable until they expire; everything else stays private.
func cacheControl(info *delivery.ObjectInfo) string {
	scope := "private"
	if delivery.IsPublicKey(info.Key) {
		scope = "public"
	}
	if info.ExpiresAt.IsZero() {
		return scope + ", max-age=3600"
	}
	maxAge := time.Until(info.ExpiresAt) / time.Second
	if maxAge < 0 {
		maxAge = 0
	}
	if maxAge > 3600 {
		maxAge = 3600
	}
	return fmt.Sprintf("%s, max-age=%d", scope, maxAge)
}
