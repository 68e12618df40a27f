package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"quantdesk/internal/config"
)

type ctxKey int

const tenantKey ctxKey = iota

// Tenant returns the authenticated tenant of the request, empty when the
// request never passed the auth middleware.
func Tenant(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

// IssueToken mints an HS256 bearer token for a tenant. The server only
// verifies tokens; this is for tests and operator tooling.
func IssueToken(secret, tenant string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   tenant,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authenticator verifies HS256 bearer tokens. The tenant is the token
// subject; admins are configured by name.
type authenticator struct {
	secret []byte
	admins map[string]struct{}
	logger *slog.Logger
}

func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *authenticator {
	admins := make(map[string]struct{}, len(cfg.AdminUsers))
	for _, name := range cfg.AdminUsers {
		admins[name] = struct{}{}
	}
	return &authenticator{
		secret: []byte(cfg.JWTSecret),
		admins: admins,
		logger: logger.With("component", "auth"),
	}
}

// tenantFromRequest extracts and verifies the token. Bearer header first;
// the token query parameter exists for WebSocket clients, which cannot set
// headers from browsers.
func (a *authenticator) tenantFromRequest(r *http.Request) (string, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	}
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", fmt.Errorf("missing token")
	}

	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Subject, nil
}

func (a *authenticator) isAdmin(tenant string) bool {
	_, ok := a.admins[tenant]
	return ok
}

// requireUser rejects unauthenticated requests and stores the tenant on
// the context for handlers.
func (a *authenticator) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := a.tenantFromRequest(r)
		if err != nil {
			a.logger.Debug("request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// tenantLimiter hands every tenant its own token bucket. Buckets are never
// evicted: the tenant set is small and bounded by real users.
type tenantLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &tenantLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *tenantLimiter) allow(tenant string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[tenant]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[tenant] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// middleware runs after auth, so the bucket key is the verified tenant.
func (l *tenantLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(Tenant(r.Context())) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
