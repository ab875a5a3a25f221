package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const denylistPrefix = "auth:denylist:"

// TokenDenylistRepository records access token ids that were revoked before
// expiry. A nil client turns every call into a no-op.
type TokenDenylistRepository struct {
	client *redis.Client
}

// NewTokenDenylistRepository constructs a TokenDenylistRepository.
func NewTokenDenylistRepository(client *redis.Client) *TokenDenylistRepository {
	return &TokenDenylistRepository{client: client}
}

// Enabled reports whether a backing store is configured.
func (r *TokenDenylistRepository) Enabled() bool {
	return r != nil && r.client != nil
}

// Deny stores jti until ttl elapses. Non-positive ttls are ignored since the
// token has already expired.
func (r *TokenDenylistRepository) Deny(ctx context.Context, jti string, ttl time.Duration) error {
	if !r.Enabled() || jti == "" || ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, denylistPrefix+jti, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis deny %s: %w", jti, err)
	}
	return nil
}

// IsDenied reports whether jti was revoked.
func (r *TokenDenylistRepository) IsDenied(ctx context.Context, jti string) (bool, error) {
	if !r.Enabled() || jti == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, denylistPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", jti, err)
	}
	return n > 0, nil
}
