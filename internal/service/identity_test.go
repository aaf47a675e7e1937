package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/ragctl/internal/apperr"
	"github.com/knoguchi/ragctl/internal/auth"
	"github.com/knoguchi/ragctl/internal/repository"
)

func newTestIdentityService(tenants ...*repository.Tenant) (*IdentityService, *fakeUserRepo) {
	userRepo := newFakeUserRepo()
	jwt := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	return NewIdentityService(userRepo, newFakeTenantRepo(tenants...), jwt, nil), userRepo
}

func TestIdentityService_Register(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Name: "acme", Status: "active"}
	svc, userRepo := newTestIdentityService(tenant)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{
		TenantID: tenant.ID,
		Email:    "alice@example.com",
		Password: "hunter22",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "member", user.Role, "role should default to member when unset")
	assert.NotEmpty(t, user.PasswordHash)
	assert.NotEqual(t, "hunter22", user.PasswordHash, "password must never be stored in plaintext")

	stored, err := userRepo.GetByEmail(ctx, tenant.ID, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.ID)
}

func TestIdentityService_Register_RejectsShortPassword(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Status: "active"}
	svc, _ := newTestIdentityService(tenant)

	_, err := svc.Register(context.Background(), RegisterInput{
		TenantID: tenant.ID,
		Email:    "bob@example.com",
		Password: "short",
	})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestIdentityService_Register_RejectsDuplicateEmail(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Status: "active"}
	svc, _ := newTestIdentityService(tenant)
	ctx := context.Background()

	in := RegisterInput{TenantID: tenant.ID, Email: "carol@example.com", Password: "password1"}
	_, err := svc.Register(ctx, in)
	require.NoError(t, err)

	_, err = svc.Register(ctx, in)
	assert.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestIdentityService_Register_UnknownTenant(t *testing.T) {
	svc, _ := newTestIdentityService()

	_, err := svc.Register(context.Background(), RegisterInput{
		TenantID: uuid.New(),
		Email:    "dave@example.com",
		Password: "password1",
	})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestIdentityService_Login(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Name: "acme", Status: "active"}
	svc, _ := newTestIdentityService(tenant)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{TenantID: tenant.ID, Email: "erin@example.com", Password: "password1"})
	require.NoError(t, err)

	pair, err := svc.Login(ctx, LoginInput{TenantID: tenant.ID, Email: "erin@example.com", Password: "password1"})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(15*60), pair.ExpiresIn, "default access expiry is 15 minutes")

	claims, err := svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID.String(), claims.TenantID)
}

func TestIdentityService_Login_WrongPassword(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Status: "active"}
	svc, _ := newTestIdentityService(tenant)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{TenantID: tenant.ID, Email: "frank@example.com", Password: "password1"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, LoginInput{TenantID: tenant.ID, Email: "frank@example.com", Password: "wrongpass"})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestIdentityService_Login_InactiveTenant(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Status: "suspended"}
	svc, _ := newTestIdentityService(tenant)
	ctx := context.Background()

	_, err := svc.Login(ctx, LoginInput{TenantID: tenant.ID, Email: "x@example.com", Password: "password1"})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}

func TestIdentityService_Login_UnknownUserDoesNotLeakExistence(t *testing.T) {
	tenant := &repository.Tenant{ID: uuid.New(), Status: "active"}
	svc, _ := newTestIdentityService(tenant)

	_, err := svc.Login(context.Background(), LoginInput{TenantID: tenant.ID, Email: "nobody@example.com", Password: "password1"})
	assert.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}
