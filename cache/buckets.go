package cache

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries         = []byte("entries")           // key -> Entry JSON
	bucketEntriesByAccess = []byte("entries_by_access") // timestamp+key -> key (LRU index)
	bucketAccessByKey     = []byte("access_by_key")     // key -> 8-byte timestamp (reverse index for O(1) delete)
	bucketStats           = []byte("stats")             // fixed keys -> JSON documents
)

// statsCleanupKey is the stats bucket key holding cumulative cleanup totals.
var statsCleanupKey = []byte("cleanup")

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the entries_by_access index.
// Format: [8-byte timestamp][object key]
func makeAccessKey(accessTime time.Time, key string) []byte {
	ts := encodeTimestamp(accessTime)
	out := make([]byte, 8+len(key))
	copy(out[:8], ts)
	copy(out[8:], key)
	return out
}
