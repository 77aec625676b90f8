// Package cache tracks the objects held in the local delivery cache. The
// index lives in a bbolt database beside the cached files and maintains a
// last-access ordering so the reaper can evict least-recently-used entries
// when the cache grows past its size cap.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/videobot/delivery"
	"go.etcd.io/bbolt"
)

// Entry describes one cached object.
type Entry struct {
	// Key is the object key, matching the file's path under the cache root.
	Key string `json:"key"`

	// Size is the cached file's size in bytes.
	Size int64 `json:"size"`

	// Source names the backend the object was pulled from.
	Source string `json:"source"`

	// ETag is the object's content hash, when known.
	ETag string `json:"etag,omitempty"`

	// CachedAt is when the object entered the cache.
	CachedAt time.Time `json:"cached_at"`

	// LastAccess is when the object was last served.
	LastAccess time.Time `json:"last_access"`
}

// CleanupStats accumulates reaper totals across runs. Persisted in the index
// so the numbers survive restarts.
type CleanupStats struct {
	Runs         int64     `json:"cleanup_runs"`
	FilesDeleted int64     `json:"total_files_deleted"`
	BytesFreed   int64     `json:"total_bytes_freed"`
	LastRun      time.Time `json:"last_cleanup"`
}

// Index is the bbolt-backed cache index.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) { i.logger = logger }
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(i *Index) { i.now = now }
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(i *Index) { i.noSync = noSync }
}

// NewIndex creates an Index with options. Call Open before use.
func NewIndex(opts ...Option) *Index {
	i := &Index{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Open opens the index database at the given path.
func (i *Index) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  i.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening cache index: %w", err)
	}
	i.db = db

	if err := i.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	i.logger.Debug("opened cache index", "path", path, "noSync", i.noSync)
	return nil
}

func (i *Index) createBuckets() error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketEntries,
			bucketEntriesByAccess,
			bucketAccessByKey,
			bucketStats,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the index database.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	i.logger.Debug("closing cache index")
	return i.db.Close()
}

// Put records a cached object. An existing entry for the key is replaced and
// its access index updated.
func (i *Index) Put(_ context.Context, e *Entry) error {
	if e.CachedAt.IsZero() {
		e.CachedAt = i.now().UTC()
	}
	if e.LastAccess.IsZero() {
		e.LastAccess = e.CachedAt
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}

	return i.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if err := entries.Put([]byte(e.Key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return i.updateAccessIndex(tx, e.Key, e.LastAccess)
	})
}

// Get retrieves a cached entry. Returns delivery.ErrNotFound for unknown keys.
func (i *Index) Get(_ context.Context, key string) (*Entry, error) {
	var entry Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(key))
		if val == nil {
			return delivery.ErrNotFound
		}
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Touch bumps the entry's last access time, moving it to the fresh end of
// the LRU ordering.
func (i *Index) Touch(_ context.Context, key string) error {
	now := i.now().UTC()
	return i.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		val := entries.Get([]byte(key))
		if val == nil {
			return delivery.ErrNotFound
		}

		var entry Entry
		if err := json.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("unmarshaling entry: %w", err)
		}
		entry.LastAccess = now

		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := entries.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return i.updateAccessIndex(tx, key, now)
	})
}

// Delete removes an entry and its access index. Unknown keys are success.
func (i *Index) Delete(_ context.Context, key string) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		if err := i.removeAccessIndex(tx, key); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// List returns all cached entries.
func (i *Index) List(_ context.Context) ([]Entry, error) {
	var out []Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // skip invalid entries
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

// Count returns the number of cached entries.
func (i *Index) Count(_ context.Context) (int, error) {
	var n int
	err := i.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

// TotalSize returns the summed size of all cached entries.
func (i *Index) TotalSize(_ context.Context) (int64, error) {
	var total int64
	err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			total += entry.Size
			return nil
		})
	})
	return total, err
}

// LeastRecent returns up to limit entries ordered oldest access first.
func (i *Index) LeastRecent(_ context.Context, limit int) ([]Entry, error) {
	var out []Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		cursor := tx.Bucket(bucketEntriesByAccess).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			val := entries.Get(v)
			if val == nil {
				continue // index entry orphaned by a concurrent delete
			}
			var entry Entry
			if err := json.Unmarshal(val, &entry); err != nil {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// AccessedBefore returns entries whose last access is before the cutoff,
// oldest first.
func (i *Index) AccessedBefore(_ context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	var out []Entry
	cutoffTs := encodeTimestamp(cutoff)

	err := i.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		cursor := tx.Bucket(bucketEntriesByAccess).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by access time, stop at the cutoff.
			if bytes.Compare(k[:8], cutoffTs) >= 0 {
				break
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			val := entries.Get(v)
			if val == nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(val, &entry); err != nil {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// LoadCleanupStats returns the persisted cumulative cleanup totals.
func (i *Index) LoadCleanupStats(_ context.Context) (*CleanupStats, error) {
	stats := &CleanupStats{}
	err := i.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketStats).Get(statsCleanupKey)
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, stats)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RecordCleanupRun folds one reaper run into the cumulative totals.
func (i *Index) RecordCleanupRun(_ context.Context, filesDeleted int, bytesFreed int64) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStats)

		stats := CleanupStats{}
		if val := bucket.Get(statsCleanupKey); val != nil {
			if err := json.Unmarshal(val, &stats); err != nil {
				return fmt.Errorf("unmarshaling cleanup stats: %w", err)
			}
		}

		stats.Runs++
		stats.FilesDeleted += int64(filesDeleted)
		stats.BytesFreed += bytesFreed
		stats.LastRun = i.now().UTC()

		data, err := json.Marshal(&stats)
		if err != nil {
			return fmt.Errorf("marshaling cleanup stats: %w", err)
		}
		return bucket.Put(statsCleanupKey, data)
	})
}

// updateAccessIndex replaces the forward and reverse access index entries for
// a key.
func (i *Index) updateAccessIndex(tx *bbolt.Tx, key string, accessTime time.Time) error {
	if err := i.removeAccessIndex(tx, key); err != nil {
		return err
	}

	accessBucket := tx.Bucket(bucketEntriesByAccess)
	reverseBucket := tx.Bucket(bucketAccessByKey)

	accessKey := makeAccessKey(accessTime, key)
	if err := accessBucket.Put(accessKey, []byte(key)); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	if err := reverseBucket.Put([]byte(key), encodeTimestamp(accessTime)); err != nil {
		return fmt.Errorf("putting access reverse index: %w", err)
	}
	return nil
}

// removeAccessIndex deletes a key's access index entries via the reverse
// index lookup.
func (i *Index) removeAccessIndex(tx *bbolt.Tx, key string) error {
	reverseBucket := tx.Bucket(bucketAccessByKey)
	tsBytes := reverseBucket.Get([]byte(key))
	if tsBytes == nil {
		return nil
	}

	oldAccess := decodeTimestamp(tsBytes)
	accessKey := makeAccessKey(oldAccess, key)
	if err := tx.Bucket(bucketEntriesByAccess).Delete(accessKey); err != nil {
		return fmt.Errorf("deleting old access index: %w", err)
	}
	if err := reverseBucket.Delete([]byte(key)); err != nil {
		return fmt.Errorf("deleting access reverse index: %w", err)
	}
	return nil
}
