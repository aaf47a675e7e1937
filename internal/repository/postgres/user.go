package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/ragctl/internal/repository"
)

// UserRepo implements repository.UserRepository
type UserRepo struct {
	db *DB
}

// NewUserRepo creates a new user repository
func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

// Create creates a new user
func (r *UserRepo) Create(ctx context.Context, user *repository.User) error {
	query := `
		INSERT INTO users (id, tenant_id, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		user.ID, user.TenantID, user.Email, user.PasswordHash, user.Role,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const userColumns = `id, tenant_id, email, password_hash, role, created_at, updated_at`

// GetByID retrieves a user by ID, scoped to a tenant.
func (r *UserRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*repository.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1 AND id = $2`
	return r.scanUser(ctx, query, tenantID, id)
}

// GetByEmail retrieves a user by email, scoped to a tenant.
func (r *UserRepo) GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*repository.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1 AND email = $2`
	return r.scanUser(ctx, query, tenantID, email)
}

func (r *UserRepo) scanUser(ctx context.Context, query string, args ...any) (*repository.User, error) {
	var u repository.User
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// Update updates a user
func (r *UserRepo) Update(ctx context.Context, user *repository.User) error {
	query := `
		UPDATE users
		SET email = $3, password_hash = $4, role = $5, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`
	result, err := r.db.Pool.Exec(ctx, query,
		user.TenantID, user.ID, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a user, scoped to a tenant.
func (r *UserRepo) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure UserRepo implements the interface
var _ repository.UserRepository = (*UserRepo)(nil)
