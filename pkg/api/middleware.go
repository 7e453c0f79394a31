package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	claimsKey    contextKey = "agent_claims"
)

// RequestIDMiddleware injects a unique X-Request-ID into every request
// context and response header. If the client sends an X-Request-ID, it is
// reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// withClaims attaches validated token claims to the context.
func withClaims(ctx context.Context, claims *AgentClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom returns the validated claims for the request, if any.
func ClaimsFrom(ctx context.Context) (*AgentClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*AgentClaims)
	return claims, ok
}

// MatchAgent checks that the request acts as agentID. Requests without
// claims pass: the bearer middleware already rejected them when auth is
// enforced, and without enforcement the body is trusted.
func MatchAgent(ctx context.Context, agentID string) error {
	claims, ok := ClaimsFrom(ctx)
	if !ok {
		return nil
	}
	if claims.Subject != agentID {
		return fmt.Errorf("token subject %q cannot act as agent %q", claims.Subject, agentID)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLogMiddleware emits one structured line per request.
func RequestLogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", GetRequestID(r.Context()))
		})
	}
}

// publicPaths are endpoints that do not require a session token.
// Registration must stay open or no agent could ever obtain one.
var publicPaths = []string{
	"/healthz",
	"/v1/agents",
	"/v1/status",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// BearerMiddleware validates Authorization bearer tokens. With enforce set,
// non-public requests without a valid token are rejected; without it,
// a presented token still populates claims but nothing is required.
// A nil issuer with enforce set fails closed.
func BearerMiddleware(issuer *TokenIssuer, enforce bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if enforce {
					WriteUnauthorized(w, "Missing Authorization header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if issuer == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := issuer.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// RateLimiter manages per-actor token buckets. Authenticated requests are
// keyed by token subject, anonymous ones by remote IP.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[key] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors removes stale entries so idle actors do not accumulate.
// Checks every minute, removes entries older than 3 minutes.
func (rl *RateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-actor rate limit. Runs after the bearer
// middleware so authenticated actors are limited by identity, not address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := actorKey(r)
		if !rl.getVisitor(key).Allow() {
			retryAfter := int(1 / float64(rl.rps))
			if retryAfter < 1 {
				retryAfter = 1
			}
			WriteTooManyRequests(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorKey(r *http.Request) string {
	if claims, ok := ClaimsFrom(r.Context()); ok {
		return "agent/" + claims.Subject
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip/" + ip
}

// InflightGate caps how many requests run through a route at once. Past
// the cap, callers get an immediate 429 with Retry-After rather than
// queueing inside the server. limit must be positive.
func InflightGate(limit int) func(http.Handler) http.Handler {
	slots := make(chan struct{}, limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
				next.ServeHTTP(w, r)
			default:
				w.Header().Set("Retry-After", "1")
				WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Too many concurrent requests for this endpoint")
			}
		})
	}
}

// Chain composes middleware outermost first.
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
