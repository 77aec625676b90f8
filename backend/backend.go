// Package backend provides the storage backend capability interface and its
// implementations: an S3-compatible remote adapter and a local filesystem
// adapter. Implementations must be safe for concurrent use.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/videobot/delivery"
)

// Backend is the uniform capability interface over a storage target. The
// router depends only on this interface, never on concrete backend types.
//
// Error contract: operations on missing keys return delivery.ErrNotFound,
// except Delete, which treats a missing key as success (idempotent delete).
// Provider-level errors never escape wrapped in provider-specific types.
type Backend interface {
	// Name returns the backend identifier used in logs, metadata, and
	// per-backend result maps (e.g. "wasabi", "backblaze", "local").
	Name() string

	// Connect probes the backend and marks it healthy. Safe to call again
	// after a failure.
	Connect(ctx context.Context) error

	// Connected reports whether the last Connect succeeded.
	Connected() bool

	// Upload stores the file at localPath under key. The upload is rejected
	// with delivery.ErrSizeLimitExceeded before any transfer begins when the
	// file exceeds the backend's configured maximum size.
	Upload(ctx context.Context, localPath, key string, opts UploadOptions) (*delivery.ObjectInfo, error)

	// Download copies the object at key to localPath. The destination write
	// is atomic (temp file and rename).
	Download(ctx context.Context, key, localPath string) error

	// Open returns a reader over the object's bytes.
	// The caller must close the returned ReadCloser.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns the object's metadata.
	Stat(ctx context.Context, key string) (*delivery.ObjectInfo, error)

	// Delete removes the object. Deleting a non-existent key is success.
	Delete(ctx context.Context, key string) error

	// List returns objects under the given prefix, up to limit
	// (limit <= 0 means no limit).
	List(ctx context.Context, prefix string, limit int) ([]delivery.ObjectInfo, error)

	// Presign returns a time-limited URL granting direct access to the
	// object without proxying through this process. Backends that cannot
	// presign return delivery.ErrBackendUnavailable.
	Presign(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Stats returns aggregate usage for this backend.
	Stats(ctx context.Context) (*Stats, error)

	// PublicURL returns the unsigned public/CDN URL for a key, and whether
	// the backend exposes one.
	PublicURL(key string) (string, bool)
}

// UploadOptions carries per-upload attributes persisted with the object.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Stats summarizes a single backend's usage.
type Stats struct {
	Backend    string `json:"backend"`
	Connected  bool   `json:"connected"`
	TotalFiles int64  `json:"total_files"`
	TotalBytes int64  `json:"total_size_bytes"`
}
