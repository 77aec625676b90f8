// Package router places objects across the configured storage backends and
// retrieves them in priority order. The priority is primary, then backup,
// then local; the local backend is always configured and acts as the
// last-resort fallback when no remote backend is reachable.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/videobot/delivery"
	"github.com/videobot/delivery/backend"
	"github.com/videobot/delivery/policy"
	"github.com/videobot/delivery/telemetry"
)

// maxPresignExpiry is the longest presigned URL lifetime S3-compatible
// providers accept.
const maxPresignExpiry = 168 * time.Hour

// replicationTimeout bounds a single detached backup replication.
const replicationTimeout = 10 * time.Minute

// Router fans object operations out across the primary, backup, and local
// backends.
type Router struct {
	primary backend.Backend
	backup  backend.Backend
	local   backend.Backend
	policy  policy.Policy
	logger  *slog.Logger
	now     func() time.Time

	replWG sync.WaitGroup
}

// Config configures a Router.
type Config struct {
	// Primary is the preferred remote backend. Optional.
	Primary backend.Backend

	// Backup receives detached replica copies of every primary upload and
	// serves reads when the primary fails. Optional.
	Backup backend.Backend

	// Local is the filesystem fallback. Required.
	Local backend.Backend

	// Policy drives expiry stamps on upload results and object info.
	Policy policy.Policy

	Logger *slog.Logger
}

// Option configures optional Router behaviour.
type Option func(*Router)

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router. The local backend is mandatory; remote backends are
// used when configured and connected.
func New(cfg Config, opts ...Option) (*Router, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("local backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		primary: cfg.Primary,
		backup:  cfg.Backup,
		local:   cfg.Local,
		policy:  cfg.Policy,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Connect probes all configured backends. Remote failures are logged and
// tolerated; only a local failure is fatal, since local is the fallback of
// last resort.
func (r *Router) Connect(ctx context.Context) error {
	if err := r.local.Connect(ctx); err != nil {
		return fmt.Errorf("connecting local backend: %w", err)
	}
	for _, b := range []backend.Backend{r.primary, r.backup} {
		if b == nil {
			continue
		}
		if err := b.Connect(ctx); err != nil {
			r.logger.Warn("backend unavailable", "backend", b.Name(), "error", err)
		}
	}
	if r.primary == nil || !r.primary.Connected() {
		r.logger.Warn("no primary storage available, uploads fall back")
	}
	return nil
}

// Close waits for in-flight backup replications to finish.
func (r *Router) Close() {
	r.replWG.Wait()
}

// Backends returns all configured backends in priority order.
func (r *Router) Backends() []backend.Backend {
	out := make([]backend.Backend, 0, 3)
	if r.primary != nil {
		out = append(out, r.primary)
	}
	if r.backup != nil {
		out = append(out, r.backup)
	}
	out = append(out, r.local)
	return out
}

// Local returns the local fallback backend.
func (r *Router) Local() backend.Backend { return r.local }

// Upload stores the file under key on the preferred backend for the tier and
// kicks off a detached replication to the backup. When no remote backend is
// connected the object lands on the local backend and the result is marked
// as a local fallback.
func (r *Router) Upload(ctx context.Context, localPath, key string, tier delivery.Tier, metadata map[string]string) (*delivery.UploadResult, error) {
	now := r.now().UTC()

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[delivery.MetaUploadedAt] = now.Format(time.RFC3339)
	meta[delivery.MetaTier] = string(tier)

	opts := backend.UploadOptions{
		ContentType: delivery.ContentType(key),
		Metadata:    meta,
	}

	target := r.selectUploadTarget(tier)
	if target == nil {
		return r.uploadToLocal(ctx, localPath, key, tier, now, opts)
	}

	info, err := target.Upload(ctx, localPath, key, opts)
	if err != nil {
		if errors.Is(err, delivery.ErrSizeLimitExceeded) {
			return nil, err
		}
		r.logger.Warn("remote upload failed, falling back to local",
			"backend", target.Name(), "key", key, "error", err)
		return r.uploadToLocal(ctx, localPath, key, tier, now, opts)
	}

	result := &delivery.UploadResult{
		Key:       key,
		Backend:   target.Name(),
		Size:      info.Size,
		ExpiresAt: r.policy.ExpiresAt(now, tier),
	}
	if url, ok := target.PublicURL(key); ok {
		result.PublicURL = url
		result.URL = url
	} else if url, err := target.Presign(ctx, key, r.presignExpiry(tier)); err == nil {
		result.URL = url
	}

	if r.backup != nil && r.backup != target && r.backup.Connected() {
		r.replicate(localPath, key, meta)
	}

	return result, nil
}

// uploadToLocal is the last-resort path when no remote backend can take the
// object.
func (r *Router) uploadToLocal(ctx context.Context, localPath, key string, tier delivery.Tier, now time.Time, opts backend.UploadOptions) (*delivery.UploadResult, error) {
	info, err := r.local.Upload(ctx, localPath, key, opts)
	if err != nil {
		return nil, fmt.Errorf("local fallback upload: %w", err)
	}

	result := &delivery.UploadResult{
		Key:           key,
		Backend:       r.local.Name(),
		Size:          info.Size,
		ExpiresAt:     r.policy.ExpiresAt(now, tier),
		LocalFallback: true,
	}
	if url, ok := r.local.PublicURL(key); ok {
		result.URL = url
	}
	return result, nil
}

// replicate copies the uploaded file to the backup backend in a detached
// goroutine. Replication failures are logged and counted, never surfaced to
// the uploader.
func (r *Router) replicate(localPath, key string, metadata map[string]string) {
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["backup-copy"] = "true"

	r.replWG.Add(1)
	go func() {
		defer r.replWG.Done()

		// Carry the tier into the detached context so replication metrics
		// can be tagged by tier after the request is gone.
		base := telemetry.WithTierContext(context.Background(), meta[delivery.MetaTier])
		ctx, cancel := context.WithTimeout(base, replicationTimeout)
		defer cancel()

		_, err := r.backup.Upload(ctx, localPath, key, backend.UploadOptions{
			ContentType: delivery.ContentType(key),
			Metadata:    meta,
		})
		if err != nil {
			r.logger.Warn("backup replication failed",
				"backend", r.backup.Name(), "key", key, "error", err)
			telemetry.RecordReplication(ctx, r.backup.Name(), "error")
			return
		}
		r.logger.Info("backup copy created", "backend", r.backup.Name(), "key", key)
		telemetry.RecordReplication(ctx, r.backup.Name(), "success")
	}()
}

// Info returns the object's metadata from the first backend that has it,
// stamped with its computed expiry.
func (r *Router) Info(ctx context.Context, key string) (*delivery.ObjectInfo, error) {
	var lastErr error
	for _, b := range r.Backends() {
		if !b.Connected() {
			continue
		}
		info, err := b.Stat(ctx, key)
		if err == nil {
			info.ExpiresAt = r.policy.ExpiresAt(info.UploadedAt(), info.Tier())
			return info, nil
		}
		if !errors.Is(err, delivery.ErrNotFound) {
			r.logger.Warn("stat failed", "backend", b.Name(), "key", key, "error", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, delivery.ErrBackendUnavailable
	}
	if errors.Is(lastErr, delivery.ErrNotFound) {
		return nil, delivery.ErrNotFound
	}
	return nil, fmt.Errorf("%w: %v", delivery.ErrBackendUnavailable, lastErr)
}

// Download copies the object to localPath from the first backend that can
// serve it.
func (r *Router) Download(ctx context.Context, key, localPath string) (string, error) {
	var lastErr error
	for _, b := range r.Backends() {
		if !b.Connected() {
			continue
		}
		err := b.Download(ctx, key, localPath)
		if err == nil {
			return b.Name(), nil
		}
		if !errors.Is(err, delivery.ErrNotFound) {
			r.logger.Warn("download failed", "backend", b.Name(), "key", key, "error", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		return "", delivery.ErrBackendUnavailable
	}
	if errors.Is(lastErr, delivery.ErrNotFound) {
		return "", delivery.ErrNotFound
	}
	return "", fmt.Errorf("%w: %v", delivery.ErrBackendUnavailable, lastErr)
}

// Open returns a reader for the object from the first backend that can serve
// it, along with the serving backend's name.
func (r *Router) Open(ctx context.Context, key string) (io.ReadCloser, string, error) {
	var lastErr error
	for _, b := range r.Backends() {
		if !b.Connected() {
			continue
		}
		rc, err := b.Open(ctx, key)
		if err == nil {
			return rc, b.Name(), nil
		}
		if !errors.Is(err, delivery.ErrNotFound) {
			r.logger.Warn("open failed", "backend", b.Name(), "key", key, "error", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, "", delivery.ErrBackendUnavailable
	}
	if errors.Is(lastErr, delivery.ErrNotFound) {
		return nil, "", delivery.ErrNotFound
	}
	return nil, "", fmt.Errorf("%w: %v", delivery.ErrBackendUnavailable, lastErr)
}

// PublicURL returns the first public URL any remote backend exposes for the
// key.
func (r *Router) PublicURL(key string) (string, bool) {
	for _, b := range []backend.Backend{r.primary, r.backup} {
		if b == nil || !b.Connected() {
			continue
		}
		if url, ok := b.PublicURL(key); ok {
			return url, true
		}
	}
	return "", false
}

// DeleteResult reports the outcome of a delete fan-out.
type DeleteResult struct {
	// Deleted is the number of backends that confirmed the delete.
	Deleted int `json:"deleted_from"`
	// Results maps backend name to per-backend success.
	Results map[string]bool `json:"results"`
}

// Delete removes the object from every configured backend in parallel. The
// delete succeeds when at least one backend confirms it.
func (r *Router) Delete(ctx context.Context, key string) (*DeleteResult, error) {
	backends := r.Backends()

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(backends))

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b backend.Backend) {
			defer wg.Done()
			results <- outcome{name: b.Name(), err: b.Delete(ctx, key)}
		}(b)
	}
	wg.Wait()
	close(results)

	res := &DeleteResult{Results: make(map[string]bool, len(backends))}
	for out := range results {
		ok := out.err == nil
		res.Results[out.name] = ok
		if ok {
			res.Deleted++
		} else {
			r.logger.Warn("delete failed", "backend", out.name, "key", key, "error", out.err)
		}
	}

	if res.Deleted == 0 {
		return res, fmt.Errorf("%w: delete failed on all backends", delivery.ErrBackendUnavailable)
	}
	return res, nil
}

// StorageStats aggregates per-backend usage. Totals count only the primary
// backend so replicas are not double counted; when no remote backend exists
// the local backend provides the totals.
type StorageStats struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Backends   map[string]*backend.Stats `json:"backends"`
	TotalFiles int64                     `json:"total_files"`
	TotalBytes int64                     `json:"total_size_bytes"`
}

// Stats collects usage from every configured backend.
func (r *Router) Stats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{
		Timestamp: r.now().UTC(),
		Backends:  make(map[string]*backend.Stats, 3),
	}

	totalsFrom := r.local.Name()
	if r.primary != nil && r.primary.Connected() {
		totalsFrom = r.primary.Name()
	}

	for _, b := range r.Backends() {
		s, err := b.Stats(ctx)
		if err != nil {
			r.logger.Warn("stats failed", "backend", b.Name(), "error", err)
			stats.Backends[b.Name()] = &backend.Stats{Backend: b.Name(), Connected: b.Connected()}
			continue
		}
		stats.Backends[b.Name()] = s
		if b.Name() == totalsFrom {
			stats.TotalFiles = s.TotalFiles
			stats.TotalBytes = s.TotalBytes
		}
	}
	return stats, nil
}

// selectUploadTarget picks the remote backend for a new upload. Admin
// uploads always go to the primary; everyone else takes the first connected
// remote backend in priority order.
func (r *Router) selectUploadTarget(tier delivery.Tier) backend.Backend {
	if tier == delivery.TierAdmin {
		if r.primary != nil && r.primary.Connected() {
			return r.primary
		}
		return nil
	}
	for _, b := range []backend.Backend{r.primary, r.backup} {
		if b != nil && b.Connected() {
			return b
		}
	}
	return nil
}

// presignExpiry bounds presigned URL lifetimes to the tier's retention,
// capped at the provider maximum.
func (r *Router) presignExpiry(tier delivery.Tier) time.Duration {
	d := r.policy.Retention(tier)
	if d > maxPresignExpiry {
		return maxPresignExpiry
	}
	return d
}
