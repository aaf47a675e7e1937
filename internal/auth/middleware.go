package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/repository"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the HTTP header carrying a tenant API key.
	APIKeyHeader = "X-API-Key"
	// BearerPrefix precedes an access JWT in the Authorization header.
	BearerPrefix = "Bearer "

	tenantContextKey contextKey = "tenant"
	userContextKey   contextKey = "user"
)

// TenantInfo holds tenant information extracted from authentication
type TenantInfo struct {
	ID     uuid.UUID
	Name   string
	APIKey string
	Config repository.TenantConfig
}

// UserInfo holds the authenticated user extracted from a bearer access token.
type UserInfo struct {
	ID   uuid.UUID
	Role string
}

// Middleware authenticates requests via either a tenant API key (X-API-Key) or a
// bearer access token (Authorization: Bearer ...), storing the resolved tenant
// (and user, for bearer auth) in the request context.
type Middleware struct {
	tenantRepo  repository.TenantRepository
	jwtManager  *JWTManager
	refresh     *RefreshStore
	adminAPIKey string
}

// NewMiddleware creates an auth Middleware. refresh may be nil in tests that
// don't exercise revocation.
func NewMiddleware(tenantRepo repository.TenantRepository, jwtManager *JWTManager, refresh *RefreshStore, adminAPIKey string) *Middleware {
	return &Middleware{tenantRepo: tenantRepo, jwtManager: jwtManager, refresh: refresh, adminAPIKey: adminAPIKey}
}

// RequireAuth wraps next, rejecting requests that present neither a valid API key
// nor a valid bearer access token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin wraps next, accepting only the configured admin API key.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if m.adminAPIKey == "" || apiKey != m.adminAPIKey {
			writeAuthError(w, apperr.PermissionDenied("invalid admin API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) authenticate(r *http.Request) (context.Context, error) {
	ctx := r.Context()

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, BearerPrefix) {
		tokenStr := strings.TrimPrefix(header, BearerPrefix)
		claims, err := m.jwtManager.ValidateAccessToken(tokenStr)
		if err != nil {
			return nil, apperr.Unauthenticated("invalid access token: %v", err)
		}
		tenantID, err := claims.GetTenantID()
		if err != nil {
			return nil, apperr.Unauthenticated("invalid tenant id in token")
		}
		userID, err := claims.GetUserID()
		if err != nil {
			return nil, apperr.Unauthenticated("invalid user id in token")
		}
		if m.refresh != nil {
			revoked, err := m.refresh.IsAccessTokenRevoked(ctx, tenantID, claims.ID)
			if err != nil {
				return nil, apperr.Internal("failed to check token revocation: %v", err)
			}
			if revoked {
				return nil, apperr.Unauthenticated("access token has been revoked")
			}
		}
		tenant, err := m.tenantRepo.GetByID(ctx, tenantID)
		if err != nil {
			return nil, apperr.Unauthenticated("tenant not found")
		}
		ctx = context.WithValue(ctx, tenantContextKey, &TenantInfo{
			ID: tenant.ID, Name: tenant.Name, APIKey: tenant.APIKey, Config: tenant.Config,
		})
		ctx = context.WithValue(ctx, userContextKey, &UserInfo{ID: userID, Role: claims.Role})
		return ctx, nil
	}

	apiKey := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	if apiKey == "" {
		return nil, apperr.Unauthenticated("missing credentials")
	}
	tenant, err := m.tenantRepo.GetByAPIKey(r.Context(), apiKey)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid API key")
	}
	ctx = context.WithValue(ctx, tenantContextKey, &TenantInfo{
		ID: tenant.ID, Name: tenant.Name, APIKey: tenant.APIKey, Config: tenant.Config,
	})
	return ctx, nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), apperr.StatusFor(err))
}

// TenantFromContext extracts tenant info from context
func TenantFromContext(ctx context.Context) (*TenantInfo, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(*TenantInfo)
	return tenant, ok
}

// UserFromContext extracts user info from context (present only for bearer auth).
func UserFromContext(ctx context.Context) (*UserInfo, bool) {
	user, ok := ctx.Value(userContextKey).(*UserInfo)
	return user, ok
}

// RequireTenant is a helper that returns an error if tenant is not in context
func RequireTenant(ctx context.Context) (*TenantInfo, error) {
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		return nil, apperr.Unauthenticated("tenant context not found")
	}
	return tenant, nil
}

// TenantIDFromContext extracts just the tenant ID from context
func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return tenant.ID, true
}
