package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/ragctl/internal/cache"
)

// ErrTokenRevoked is returned when a refresh token (or its whole family) has
// already been revoked, e.g. because it was replayed after rotation.
var ErrTokenRevoked = errors.New("refresh token revoked")

// RefreshStore tracks refresh-token rotation state in Redis: one key per issued
// token ID (revoked once rotated) and one key per family (revoked entirely on
// replay of an already-rotated token, since replay signals the token leaked).
type RefreshStore struct {
	cache *cache.Cache
}

// NewRefreshStore creates a RefreshStore backed by the given cache adapter.
func NewRefreshStore(c *cache.Cache) *RefreshStore {
	return &RefreshStore{cache: c}
}

func revokedTokenKey(tokenID string) string { return "refresh:revoked:" + tokenID }
func revokedFamilyKey(familyID string) string { return "refresh:family:revoked:" + familyID }
func revokedAccessKey(tokenID string) string { return "access:revoked:" + tokenID }

// Rotate validates that the given refresh token (identified by its JTI and family)
// has not been revoked, then marks it revoked so it cannot be used again. Replaying
// a token that is already marked revoked revokes the entire family, since that can
// only happen if the token was stolen and used concurrently with a legitimate client.
func (s *RefreshStore) Rotate(ctx context.Context, tenantID uuid.UUID, tokenID, familyID string, ttl time.Duration) error {
	familyRevoked, err := s.cache.Get(ctx, tenantID.String(), revokedFamilyKey(familyID))
	if err == nil && familyRevoked != "" {
		return ErrTokenRevoked
	}
	if err != nil && !errors.Is(err, cache.ErrNil) {
		return fmt.Errorf("failed to check family revocation: %w", err)
	}

	ok, err := s.cache.SetNX(ctx, tenantID.String(), revokedTokenKey(tokenID), "1", ttl)
	if err != nil {
		return fmt.Errorf("failed to mark token revoked: %w", err)
	}
	if !ok {
		// Key already existed: this token was already rotated once. This is a replay.
		if revokeErr := s.RevokeFamily(ctx, tenantID, familyID, ttl); revokeErr != nil {
			return fmt.Errorf("%w (and failed to revoke family: %v)", ErrTokenRevoked, revokeErr)
		}
		return ErrTokenRevoked
	}
	return nil
}

// RevokeFamily immediately invalidates every token descended from familyID.
func (s *RefreshStore) RevokeFamily(ctx context.Context, tenantID uuid.UUID, familyID string, ttl time.Duration) error {
	return s.cache.Set(ctx, tenantID.String(), revokedFamilyKey(familyID), "1", ttl)
}

// RevokeAccessToken adds an access token's JTI to the revocation set for ttl
// (its remaining lifetime), so IsAccessTokenRevoked reports it as revoked until
// it would have expired naturally anyway.
func (s *RefreshStore) RevokeAccessToken(ctx context.Context, tenantID uuid.UUID, tokenID string, ttl time.Duration) error {
	return s.cache.Set(ctx, tenantID.String(), revokedAccessKey(tokenID), "1", ttl)
}

// IsAccessTokenRevoked reports whether tokenID is on the access-token revocation set.
func (s *RefreshStore) IsAccessTokenRevoked(ctx context.Context, tenantID uuid.UUID, tokenID string) (bool, error) {
	val, err := s.cache.Get(ctx, tenantID.String(), revokedAccessKey(tokenID))
	if err != nil {
		if errors.Is(err, cache.ErrNil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check access token revocation: %w", err)
	}
	return val != "", nil
}
