package server

import (
	"strings"
	"sync"
	"time"

	"github.com/videobot/delivery"
)

// rateWindow is the fixed window length for rate accounting.
const rateWindow = time.Minute

// RateLimiter decides whether a client may make another request on a route.
type RateLimiter interface {
	// Allow consumes one request slot. It returns false when the client is
	// over its per-window limit, along with the limit that applied.
	Allow(clientID string, tier delivery.Tier, path string) (bool, int)
}

// anonymousTier keys limits for unauthenticated callers.
const anonymousTier = "anonymous"

// FixedWindowLimiter is an in-memory per-client fixed-window rate limiter.
// Counters reset at the start of each minute window.
type FixedWindowLimiter struct {
	defaults   map[string]int
	pathLimits map[string]map[string]int

	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

var _ RateLimiter = (*FixedWindowLimiter)(nil)

// LimiterOption configures a FixedWindowLimiter.
type LimiterOption func(*FixedWindowLimiter)

// WithLimiterNow overrides the clock. Used by tests.
func WithLimiterNow(now func() time.Time) LimiterOption {
	return func(l *FixedWindowLimiter) { l.now = now }
}

// NewFixedWindowLimiter creates a limiter with the stock per-tier limits:
// general requests per minute by tier, with tighter limits on the file
// serving route.
func NewFixedWindowLimiter(opts ...LimiterOption) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		defaults: map[string]int{
			string(delivery.TierFree):    10,
			string(delivery.TierTrial):   15,
			string(delivery.TierPremium): 30,
			string(delivery.TierAdmin):   100,
			anonymousTier:                5,
		},
		pathLimits: map[string]map[string]int{
			"/api/v1/files/": {
				string(delivery.TierFree):    5,
				string(delivery.TierTrial):   10,
				string(delivery.TierPremium): 20,
				string(delivery.TierAdmin):   50,
				anonymousTier:                2,
			},
		},
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes a request slot for the client on the route.
func (l *FixedWindowLimiter) Allow(clientID string, tier delivery.Tier, path string) (bool, int) {
	limit := l.limit(tier, path)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := clientID + ":" + routeClass(path)

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= rateWindow {
		w = &window{start: now}
		l.windows[key] = w
		l.maybeSweep(now)
	}

	if w.count >= limit {
		return false, limit
	}
	w.count++
	return true, limit
}

// limit resolves the applicable limit for the tier and path. Unauthenticated
// callers pass an empty tier and get the anonymous limits.
func (l *FixedWindowLimiter) limit(tier delivery.Tier, path string) int {
	key := anonymousTier
	if tier != "" {
		key = string(tier)
	}
	for prefix, limits := range l.pathLimits {
		if strings.HasPrefix(path, prefix) {
			if limit, ok := limits[key]; ok {
				return limit
			}
			break
		}
	}
	if limit, ok := l.defaults[key]; ok {
		return limit
	}
	return l.defaults[anonymousTier]
}

// routeClass buckets paths so counters are per route group, not per key.
func routeClass(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 4)
	if len(parts) >= 3 && parts[0] == "api" {
		return parts[2]
	}
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "global"
}

// maybeSweep drops windows that ended more than a window ago. Called with
// the mutex held.
func (l *FixedWindowLimiter) maybeSweep(now time.Time) {
	if len(l.windows) < 4096 {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*rateWindow {
			delete(l.windows, key)
		}
	}
}
