package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"halalledger/pkg/platform/httputil"
	"halalledger/pkg/requestcontext"
)

// Limit is a request budget per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Middleware applies per-caller limits. Store failures let the request through.
type Middleware struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Middleware {
	return &Middleware{store: store, logger: logger}
}

// PerIP limits callers by client IP. Use for public reads.
func (m *Middleware) PerIP(class string, limit Limit) func(http.Handler) http.Handler {
	return m.limit(class, limit, func(r *http.Request) string {
		return "ip:" + requestcontext.ClientIP(r.Context())
	})
}

// PerPrincipal limits authenticated callers by principal, falling back to IP.
// Must run after the auth middleware.
func (m *Middleware) PerPrincipal(class string, limit Limit) func(http.Handler) http.Handler {
	return m.limit(class, limit, func(r *http.Request) string {
		if p := requestcontext.Principal(r.Context()); !p.IsZero() {
			return "principal:" + p.String()
		}
		return "ip:" + requestcontext.ClientIP(r.Context())
	})
}

func (m *Middleware) limit(class string, limit Limit, keyFor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit.Requests <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := class + ":" + keyFor(r)
			result, err := m.store.Allow(ctx, key, limit.Requests, limit.Window)
			if err != nil {
				m.logger.WarnContext(ctx, "rate limit check failed",
					"class", class,
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{
					Error:            "rate_limit_exceeded",
					ErrorDescription: "too many requests, retry after " + strconv.Itoa(result.RetryAfter) + "s",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
