package reaper

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/videobot/delivery"
	"github.com/videobot/delivery/telemetry"
)

// phaseExpiredObjects deletes objects past their retention from every
// backend. Each tier namespace is listed on each connected backend; the key
// set is deduplicated so replicas do not trigger duplicate deletes.
func (m *Manager) phaseExpiredObjects(ctx context.Context, result *Result) {
	m.logger.Debug("phase: expired objects")
	now := m.now()

	expired := make(map[string]int64)
	for _, tier := range delivery.Tiers() {
		for _, b := range m.router.Backends() {
			if !b.Connected() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			default:
			}

			infos, err := b.List(ctx, string(tier)+"/", m.config.BatchSize)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("list %s on %s: %v", tier, b.Name(), err))
				m.logger.Error("failed to list tier namespace",
					"tier", tier, "backend", b.Name(), "error", err)
				continue
			}

			for _, info := range infos {
				if m.policy.IsExpired(info.UploadedAt(), info.Tier(), now) {
					expired[info.Key] = info.Size
				}
			}
		}
	}

	if len(expired) == 0 {
		return
	}

	m.setState(StateDeleting)
	defer m.setState(StateScanning)

	var freed int64
	for key, size := range expired {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := m.router.Delete(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete expired %s: %v", key, err))
			m.logger.Error("failed to delete expired object", "key", key, "error", err)
			continue
		}

		// Drop any cached copy so the key cannot be served after deletion.
		if err := m.removeCached(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("invalidate cache %s: %v", key, err))
		}

		result.ExpiredDeleted++
		result.BytesFreed += size
		freed += size

		m.logger.Debug("deleted expired object", "key", key, "size", size)
	}

	telemetry.RecordReaperPhase(ctx, "expired", result.ExpiredDeleted, freed)
}

// phaseCacheTTL evicts cache entries not accessed within the TTL.
func (m *Manager) phaseCacheTTL(ctx context.Context, result *Result) {
	if m.config.CacheTTL <= 0 {
		return
	}

	m.logger.Debug("phase: cache TTL eviction")

	cutoff := m.now().Add(-m.config.CacheTTL)
	entries, err := m.index.AccessedBefore(ctx, cutoff, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list stale cache entries: %v", err))
		m.logger.Error("failed to list stale cache entries", "error", err)
		return
	}

	var freed int64
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.removeCached(ctx, entry.Key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict %s: %v", entry.Key, err))
			m.logger.Error("failed to evict stale cache entry", "key", entry.Key, "error", err)
			continue
		}

		result.CacheTTLEvicted++
		result.BytesFreed += entry.Size
		freed += entry.Size

		m.logger.Debug("evicted stale cache entry",
			"key", entry.Key, "size", entry.Size, "last_access", entry.LastAccess)
	}

	telemetry.RecordReaperPhase(ctx, "cache_ttl", result.CacheTTLEvicted, freed)
}

// phaseCacheSize evicts least recently used entries until the cache fits the
// configured size bound.
func (m *Manager) phaseCacheSize(ctx context.Context, result *Result) {
	if m.config.MaxCacheBytes <= 0 {
		return
	}

	m.logger.Debug("phase: cache size enforcement")

	totalSize, err := m.index.TotalSize(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("get cache size: %v", err))
		m.logger.Error("failed to get cache size", "error", err)
		return
	}

	if totalSize <= m.config.MaxCacheBytes {
		m.logger.Debug("cache within bound", "total_size", totalSize, "max_size", m.config.MaxCacheBytes)
		return
	}

	bytesToFree := totalSize - m.config.MaxCacheBytes
	m.logger.Info("cache over bound, evicting least recently used",
		"total_size", totalSize,
		"max_size", m.config.MaxCacheBytes,
		"bytes_to_free", bytesToFree,
	)

	var freed int64
	evicted := 0

	for freed < bytesToFree && evicted < m.config.BatchSize {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := m.index.LeastRecent(ctx, 100)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("get LRU entries: %v", err))
			m.logger.Error("failed to get LRU entries", "error", err)
			break
		}
		if len(entries) == 0 {
			break
		}

		evictedBefore := evicted
		for _, entry := range entries {
			if freed >= bytesToFree {
				break
			}

			if err := m.removeCached(ctx, entry.Key); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("evict LRU %s: %v", entry.Key, err))
				m.logger.Error("failed to evict LRU entry", "key", entry.Key, "error", err)
				continue
			}

			freed += entry.Size
			result.CacheLRUEvicted++
			result.BytesFreed += entry.Size
			evicted++

			m.logger.Debug("evicted LRU entry",
				"key", entry.Key, "size", entry.Size, "last_access", entry.LastAccess)
		}

		// A full pass with no eviction means the remaining victims cannot be
		// removed; re-fetching the same page would loop forever.
		if evicted == evictedBefore {
			break
		}
	}

	telemetry.RecordReaperPhase(ctx, "cache_lru", result.CacheLRUEvicted, freed)
}

// phaseTempSweep deletes scratch files older than the configured age.
func (m *Manager) phaseTempSweep(ctx context.Context, result *Result) {
	if m.config.TempDir == "" {
		return
	}

	m.logger.Debug("phase: temp sweep")

	cutoff := m.now().Add(-m.config.TempMaxAge)
	var freed int64

	err := filepath.WalkDir(m.config.TempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if !fi.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove temp %s: %v", path, err))
			m.logger.Error("failed to remove temp file", "path", path, "error", err)
			return nil
		}

		result.TempDeleted++
		result.BytesFreed += fi.Size()
		freed += fi.Size()

		m.logger.Debug("removed temp file", "path", path, "size", fi.Size())
		return nil
	})
	if err != nil && ctx.Err() == nil {
		result.Errors = append(result.Errors, fmt.Sprintf("walk temp dir: %v", err))
	}

	telemetry.RecordReaperPhase(ctx, "temp", result.TempDeleted, freed)
}

// phaseOrphans is a stub. Detecting objects present on one backend but
// missing from the others needs an authoritative index to reconcile against,
// which does not exist yet. Left as a no-op so the cycle structure is in
// place when reconciliation lands.
func (m *Manager) phaseOrphans(ctx context.Context, result *Result) {
	m.logger.Debug("phase: orphan sweep (not implemented)")
}

// removeCached drops a key's cached file and index entry. Missing files and
// missing entries are fine.
func (m *Manager) removeCached(ctx context.Context, key string) error {
	if m.cacheDir != "" {
		path := filepath.Join(m.cacheDir, filepath.FromSlash(key))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing cached file: %w", err)
		}
	}
	return m.index.Delete(ctx, key)
}
