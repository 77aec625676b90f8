package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/videobot/delivery"
)

// Caller identifies an authenticated client.
type Caller struct {
	ID   int64
	Tier delivery.Tier
}

// IsAdmin reports whether the caller has the admin tier.
func (c *Caller) IsAdmin() bool {
	return c != nil && c.Tier == delivery.TierAdmin
}

// Resolver turns a bearer token into a Caller.
type Resolver interface {
	ResolveCaller(ctx context.Context, token string) (*Caller, error)
}

// JWTResolver validates HMAC-signed JWTs carrying user_id and tier claims.
type JWTResolver struct {
	secret []byte
	now    func() time.Time
}

// JWTOption configures a JWTResolver.
type JWTOption func(*JWTResolver)

// WithJWTNow overrides the clock used for expiry validation. Used by tests.
func WithJWTNow(now func() time.Time) JWTOption {
	return func(r *JWTResolver) { r.now = now }
}

// NewJWTResolver creates a resolver validating tokens signed with the given
// HMAC secret.
func NewJWTResolver(secret string, opts ...JWTOption) *JWTResolver {
	r := &JWTResolver{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Resolver = (*JWTResolver)(nil)

// ResolveCaller parses and validates the token. Tokens must be HMAC signed
// and carry a numeric user_id claim; the tier claim falls back to free when
// absent or unknown.
func (r *JWTResolver) ResolveCaller(_ context.Context, token string) (*Caller, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", delivery.ErrAccessDenied, err)
	}

	userID, ok := claims["user_id"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: token missing user_id claim", delivery.ErrAccessDenied)
	}

	tier := delivery.TierFree
	if s, ok := claims["tier"].(string); ok {
		tier = delivery.ParseTier(s)
	}

	return &Caller{ID: int64(userID), Tier: tier}, nil
}

// SignToken mints a token the resolver accepts. Used by provisioning tooling
// and tests.
func (r *JWTResolver) SignToken(userID int64, tier delivery.Tier, ttl time.Duration) (string, error) {
	now := r.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"tier":    string(tier),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	return token.SignedString(r.secret)
}

type callerContextKey struct{}

// withCaller attaches the caller to the request context.
func withCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// CallerFromContext returns the authenticated caller, nil for anonymous
// requests.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerContextKey{}).(*Caller)
	return c
}

// extractToken pulls the bearer token from the Authorization header, the
// token query parameter, or the X-Access-Token header, in that order.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("X-Access-Token")
}

// canReadKey reports whether the caller may fetch the object. Keys under
// public/ are anonymous-readable, admins see everything, and owners match
// the owner segment of the key.
func canReadKey(caller *Caller, key string) bool {
	if delivery.IsPublicKey(key) {
		return true
	}
	if caller == nil {
		return false
	}
	if caller.IsAdmin() {
		return true
	}
	return delivery.KeyOwner(key) == caller.ID
}

// canDeleteKey reports whether the caller may delete the object. Only the
// owner or an admin may delete, including public objects.
func canDeleteKey(caller *Caller, key string) bool {
	if caller == nil {
		return false
	}
	if caller.IsAdmin() {
		return true
	}
	return delivery.KeyOwner(key) == caller.ID
}

// canListPrefix reports whether the caller may list the prefix. Admins list
// everything; public/ is open; others are restricted to their own
// {tier}/{year}/{month}/{owner} subtree, so the prefix must reach the owner
// segment and match.
func canListPrefix(caller *Caller, prefix string) bool {
	if strings.HasPrefix(prefix, "public/") || prefix == "public" {
		return true
	}
	if caller == nil {
		return false
	}
	if caller.IsAdmin() {
		return true
	}
	parts := strings.Split(strings.Trim(prefix, "/"), "/")
	if len(parts) < 4 {
		return false
	}
	return parts[3] == fmt.Sprintf("%d", caller.ID)
}
