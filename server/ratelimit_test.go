package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/videobot/delivery"
)

func TestLimiterAnonymousFilesRoute(t *testing.T) {
	l := NewFixedWindowLimiter()

	// Anonymous callers get 2 file requests per minute.
	for i := 0; i < 2; i++ {
		allowed, limit := l.Allow("10.0.0.1", "", "/api/v1/files/public/a.mp4")
		assert.True(t, allowed, "request %d", i)
		assert.Equal(t, 2, limit)
	}
	allowed, _ := l.Allow("10.0.0.1", "", "/api/v1/files/public/a.mp4")
	assert.False(t, allowed)

	// A different client is unaffected.
	allowed, _ = l.Allow("10.0.0.2", "", "/api/v1/files/public/a.mp4")
	assert.True(t, allowed)
}

func TestLimiterPerTierLimits(t *testing.T) {
	l := NewFixedWindowLimiter()

	tests := []struct {
		tier  delivery.Tier
		path  string
		limit int
	}{
		{delivery.TierFree, "/api/v1/files/x", 5},
		{delivery.TierTrial, "/api/v1/files/x", 10},
		{delivery.TierPremium, "/api/v1/files/x", 20},
		{delivery.TierAdmin, "/api/v1/files/x", 50},
		{delivery.TierFree, "/api/v1/list/x", 10},
		{delivery.TierPremium, "/stats", 30},
	}
	for _, tt := range tests {
		_, limit := l.Allow("user:"+string(tt.tier), tt.tier, tt.path)
		assert.Equal(t, tt.limit, limit, "tier %s path %s", tt.tier, tt.path)
	}
}

func TestLimiterWindowResets(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewFixedWindowLimiter(WithLimiterNow(func() time.Time { return current }))

	for i := 0; i < 2; i++ {
		allowed, _ := l.Allow("10.0.0.1", "", "/api/v1/files/a")
		assert.True(t, allowed)
	}
	allowed, _ := l.Allow("10.0.0.1", "", "/api/v1/files/a")
	assert.False(t, allowed)

	// A new window opens after a minute.
	current = current.Add(time.Minute)
	allowed, _ = l.Allow("10.0.0.1", "", "/api/v1/files/a")
	assert.True(t, allowed)
}

func TestLimiterCountsPerRoute(t *testing.T) {
	l := NewFixedWindowLimiter()

	// Exhaust the files route; the list route still has budget.
	for i := 0; i < 2; i++ {
		l.Allow("10.0.0.1", "", "/api/v1/files/a")
	}
	allowed, _ := l.Allow("10.0.0.1", "", "/api/v1/files/a")
	assert.False(t, allowed)

	allowed, _ = l.Allow("10.0.0.1", "", "/api/v1/list/a")
	assert.True(t, allowed)
}

func TestRouteClass(t *testing.T) {
	assert.Equal(t, "files", routeClass("/api/v1/files/free/a.mp4"))
	assert.Equal(t, "list", routeClass("/api/v1/list/free"))
	assert.Equal(t, "stats", routeClass("/stats"))
	assert.Equal(t, "global", routeClass("/"))
}
