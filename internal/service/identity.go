package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/auth"
	"github.com/knoguchi/ragctl/internal/repository"
)

// IdentityService issues and validates tenant-scoped user credentials.
type IdentityService struct {
	userRepo   repository.UserRepository
	tenantRepo repository.TenantRepository
	jwt        *auth.JWTManager
	refresh    *auth.RefreshStore
}

// NewIdentityService creates a new IdentityService.
func NewIdentityService(
	userRepo repository.UserRepository,
	tenantRepo repository.TenantRepository,
	jwt *auth.JWTManager,
	refresh *auth.RefreshStore,
) *IdentityService {
	return &IdentityService{userRepo: userRepo, tenantRepo: tenantRepo, jwt: jwt, refresh: refresh}
}

// RegisterInput is the input to Register.
type RegisterInput struct {
	TenantID uuid.UUID
	Email    string
	Password string
	Role     string
}

// Register creates a user within a tenant and returns it. The password is
// hashed before storage; it is never retained in plaintext.
func (s *IdentityService) Register(ctx context.Context, in RegisterInput) (*repository.User, error) {
	if in.TenantID == uuid.Nil {
		return nil, apperr.InvalidArgument("tenant_id is required")
	}
	if in.Email == "" {
		return nil, apperr.InvalidArgument("email is required")
	}
	if len(in.Password) < 8 {
		return nil, apperr.InvalidArgument("password must be at least 8 characters")
	}

	if _, err := s.tenantRepo.GetByID(ctx, in.TenantID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("tenant not found")
		}
		return nil, apperr.Internal("failed to get tenant: %v", err)
	}

	if existing, err := s.userRepo.GetByEmail(ctx, in.TenantID, in.Email); err == nil && existing != nil {
		return nil, apperr.Conflict("a user with this email already exists")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Internal("failed to hash password: %v", err)
	}

	role := in.Role
	if role == "" {
		role = "member"
	}

	now := time.Now()
	user := &repository.User{
		ID:           uuid.New(),
		TenantID:     in.TenantID,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, apperr.Internal("failed to create user: %v", err)
	}
	return user, nil
}

// TokenPair is the pair of tokens issued on successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginInput is the input to Login.
type LoginInput struct {
	TenantID uuid.UUID
	Email    string
	Password string
}

// Login authenticates a user by email and password and issues a token pair.
func (s *IdentityService) Login(ctx context.Context, in LoginInput) (*TokenPair, error) {
	if in.TenantID == uuid.Nil || in.Email == "" || in.Password == "" {
		return nil, apperr.InvalidArgument("tenant_id, email, and password are required")
	}

	tenant, err := s.tenantRepo.GetByID(ctx, in.TenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, apperr.Internal("failed to get tenant: %v", err)
	}
	if tenant.Status != "active" {
		return nil, apperr.PermissionDenied("tenant is not active")
	}

	user, err := s.userRepo.GetByEmail(ctx, in.TenantID, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Unauthenticated("invalid credentials")
		}
		return nil, apperr.Internal("failed to get user: %v", err)
	}

	if !auth.CheckPassword(user.PasswordHash, in.Password) {
		return nil, apperr.Unauthenticated("invalid credentials")
	}

	return s.issueTokenPair(ctx, tenant, user, uuid.New().String())
}

// RefreshInput is the input to Refresh.
type RefreshInput struct {
	RefreshToken string
}

// Refresh validates a refresh token, rotates it, and issues a new token pair.
// Replaying an already-rotated token revokes the whole token family.
func (s *IdentityService) Refresh(ctx context.Context, in RefreshInput) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(in.RefreshToken)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid or expired refresh token")
	}

	tenantID, err := claims.GetTenantID()
	if err != nil {
		return nil, apperr.Unauthenticated("invalid refresh token claims")
	}
	userID, err := claims.GetUserID()
	if err != nil {
		return nil, apperr.Unauthenticated("invalid refresh token claims")
	}

	if err := s.refresh.Rotate(ctx, tenantID, claims.ID, claims.FamilyID, time.Until(claims.ExpiresAt.Time)); err != nil {
		if errors.Is(err, auth.ErrTokenRevoked) {
			return nil, apperr.Unauthenticated("refresh token has been revoked")
		}
		return nil, apperr.Internal("failed to rotate refresh token: %v", err)
	}

	tenant, err := s.tenantRepo.GetByID(ctx, tenantID)
	if err != nil {
		return nil, apperr.Internal("failed to get tenant: %v", err)
	}
	user, err := s.userRepo.GetByID(ctx, tenantID, userID)
	if err != nil {
		return nil, apperr.Internal("failed to get user: %v", err)
	}

	return s.issueTokenPair(ctx, tenant, user, claims.FamilyID)
}

// Validate verifies an access token, checks it against the revocation set, and
// returns its claims.
func (s *IdentityService) Validate(ctx context.Context, accessToken string) (*auth.Claims, error) {
	claims, err := s.jwt.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid or expired access token")
	}
	if s.refresh != nil {
		tenantID, err := claims.GetTenantID()
		if err != nil {
			return nil, apperr.Unauthenticated("invalid access token claims")
		}
		revoked, err := s.refresh.IsAccessTokenRevoked(ctx, tenantID, claims.ID)
		if err != nil {
			return nil, apperr.Internal("failed to check token revocation: %v", err)
		}
		if revoked {
			return nil, apperr.Unauthenticated("access token has been revoked")
		}
	}
	return claims, nil
}

// Revoke invalidates token so that Validate rejects it until it expires
// naturally. An access token is added to the access-token revocation set; a
// refresh token instead revokes the whole family it belongs to, logging out
// every session descended from it.
func (s *IdentityService) Revoke(ctx context.Context, token string) error {
	if s.refresh == nil {
		return apperr.Internal("revocation store not configured")
	}
	if claims, err := s.jwt.ValidateAccessToken(token); err == nil {
		tenantID, err := claims.GetTenantID()
		if err != nil {
			return apperr.Unauthenticated("invalid access token claims")
		}
		if err := s.refresh.RevokeAccessToken(ctx, tenantID, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
			return apperr.Internal("failed to revoke access token: %v", err)
		}
		return nil
	}

	claims, err := s.jwt.ValidateRefreshToken(token)
	if err != nil {
		return apperr.Unauthenticated("invalid or expired token")
	}
	tenantID, err := claims.GetTenantID()
	if err != nil {
		return apperr.Unauthenticated("invalid refresh token claims")
	}
	if err := s.refresh.RevokeFamily(ctx, tenantID, claims.FamilyID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return apperr.Internal("failed to revoke token family: %v", err)
	}
	return nil
}

func (s *IdentityService) issueTokenPair(ctx context.Context, tenant *repository.Tenant, user *repository.User, familyID string) (*TokenPair, error) {
	accessToken, err := s.jwt.GenerateAccessToken(tenant.ID, tenant.Name, user.ID, user.Role)
	if err != nil {
		return nil, apperr.Internal("failed to generate access token: %v", err)
	}
	refreshToken, err := s.jwt.GenerateRefreshToken(tenant.ID, user.ID, familyID)
	if err != nil {
		return nil, apperr.Internal("failed to generate refresh token: %v", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.jwt.AccessExpiry().Seconds()),
	}, nil
}
