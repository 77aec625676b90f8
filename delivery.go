// Package delivery provides the shared data types for the tiered storage
// delivery subsystem: caller tiers, object metadata, and the error taxonomy
// used across the backend, router, engine, and reaper packages.
package delivery

import (
	"errors"
	"time"
)

// Tier classifies a caller and drives retention duration and backend
// selection priority.
type Tier string

const (
	TierFree    Tier = "free"
	TierTrial   Tier = "trial"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// ParseTier maps a string to a Tier. Unknown values fall back to TierFree,
// the most conservative tier.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFree, TierTrial, TierPremium, TierAdmin:
		return Tier(s)
	default:
		return TierFree
	}
}

// Tiers lists all known tiers in retention order (shortest first).
func Tiers() []Tier {
	return []Tier{TierFree, TierTrial, TierPremium, TierAdmin}
}

// Sentinel errors for the delivery subsystem. Adapter-level provider errors
// are converted to these at the adapter boundary; HTTP handlers map them to
// status codes (404, 410, 416, 503, 403, 413).
var (
	// ErrNotFound indicates the key is absent from every backend.
	ErrNotFound = errors.New("object not found")

	// ErrGone indicates the key exists but is past its retention expiry.
	ErrGone = errors.New("object expired")

	// ErrRangeNotSatisfiable indicates an invalid byte range for the object size.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrBackendUnavailable indicates every configured backend failed.
	ErrBackendUnavailable = errors.New("no storage backend available")

	// ErrAccessDenied indicates the caller lacks permission for the key.
	ErrAccessDenied = errors.New("access denied")

	// ErrSizeLimitExceeded indicates an upload was rejected before transfer
	// because it exceeds the configured maximum size.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")
)

// ObjectInfo describes a stored object as known to at least one backend.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Backends lists the backend names that currently hold a copy.
	Backends []string `json:"backends,omitempty"`

	// ExpiresAt is derived from the upload time and the owning tier's
	// retention. Zero means unknown (backend could not resolve a tier).
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Metadata keys persisted alongside every uploaded object. The reaper and
// the engine use these to compute expiry without an external index.
const (
	MetaUploadedAt = "uploaded-at" // RFC3339
	MetaTier       = "tier"
	MetaOwner      = "owner"
)

// Tier returns the tier recorded in the object's metadata, falling back to
// the tier encoded in the key, and finally to TierFree.
func (i *ObjectInfo) Tier() Tier {
	if t, ok := i.Metadata[MetaTier]; ok {
		return ParseTier(t)
	}
	return KeyTier(i.Key)
}

// UploadedAt returns the upload timestamp recorded in metadata, falling back
// to the backend's last-modified time.
func (i *ObjectInfo) UploadedAt() time.Time {
	if s, ok := i.Metadata[MetaUploadedAt]; ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return i.LastModified
}

// UploadResult is returned by the storage router after an upload.
type UploadResult struct {
	Key     string `json:"key"`
	Backend string `json:"backend"`

	// URL is a time-limited presigned URL when the backend supports
	// presigning, otherwise the backend's public URL.
	URL string `json:"url,omitempty"`

	// PublicURL is the unsigned public/CDN URL, when the backend exposes one.
	PublicURL string `json:"public_url,omitempty"`

	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`

	// LocalFallback is set when no remote backend was available and the
	// object was persisted to the local store instead.
	LocalFallback bool `json:"local_fallback,omitempty"`
}
