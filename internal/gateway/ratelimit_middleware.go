package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/knoguchi/ragctl/internal/auth"
)

const roleAdmin = "admin"

// RateLimitMiddleware checks the request against every configured scope (global,
// tenant, user, endpoint, ip) in order, rejecting with 429 and a Retry-After header
// on the first scope that denies it. Admin-role bearer tokens bypass the tenant and
// user buckets but never the global one.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if ok, _ := limiter.Allow(ctx, ScopeGlobal, "*", 1); !ok {
				tooManyRequests(w, limiter, ScopeGlobal, "rate limit exceeded")
				return
			}

			isAdmin := false
			if user, ok := auth.UserFromContext(ctx); ok && user.Role == roleAdmin {
				isAdmin = true
			}

			if !isAdmin {
				if tenant, ok := auth.TenantFromContext(ctx); ok {
					if allowed, _ := limiter.Allow(ctx, ScopeTenant, tenant.ID.String(), 1); !allowed {
						tooManyRequests(w, limiter, ScopeTenant, "tenant rate limit exceeded")
						return
					}
				}

				if user, ok := auth.UserFromContext(ctx); ok {
					if allowed, _ := limiter.Allow(ctx, ScopeUser, user.ID.String(), 1); !allowed {
						tooManyRequests(w, limiter, ScopeUser, "user rate limit exceeded")
						return
					}
				}
			}

			if allowed, _ := limiter.Allow(ctx, ScopeEndpoint, endpointKey(r), 1); !allowed {
				tooManyRequests(w, limiter, ScopeEndpoint, "endpoint rate limit exceeded")
				return
			}

			if allowed, _ := limiter.Allow(ctx, ScopeIP, r.RemoteAddr, 1); !allowed {
				tooManyRequests(w, limiter, ScopeIP, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// endpointKey identifies the route pattern a request matched (e.g. "/api/v1/documents/{id}"),
// so the endpoint-scoped bucket is shared across all callers of that route rather than
// keyed by the literal, ID-bearing path.
func endpointKey(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " " + r.URL.Path
}

// tooManyRequests writes a 429 with a Retry-After header derived from scope's refill rate.
func tooManyRequests(w http.ResponseWriter, limiter *RateLimiter, scope Scope, msg string) {
	retryAfter := limiter.RetryAfter(scope, 1)
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	http.Error(w, msg, http.StatusTooManyRequests)
}
