// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// tierKey is the context key for propagating the caller tier to background goroutines.
	tierKey contextKey = "tier"
)

// CacheResult represents the outcome of a local cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Tier        string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetTier sets the caller tier tag for metrics and logging.
func SetTier(r *http.Request, tier string) {
	if tags := GetTags(r); tags != nil {
		tags.Tier = tier
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// TierFromContext retrieves the caller tier from a context.
// It checks both background contexts (set by WithTierContext) and
// request contexts (set by SetTier via InjectTags).
func TierFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tierKey).(string); ok && t != "" {
		return t
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Tier
	}
	return ""
}

// WithTierContext returns a context with the caller tier stored.
// Use this to propagate the tier into goroutines that outlive the request context.
func WithTierContext(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, tierKey, tier)
}
