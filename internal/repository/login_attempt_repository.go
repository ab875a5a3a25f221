package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const loginAttemptPrefix = "auth:login_failures:"

// LoginAttemptRepository counts failed logins per key inside a sliding
// lockout window. A nil client disables lockout.
type LoginAttemptRepository struct {
	client *redis.Client
}

// NewLoginAttemptRepository constructs a LoginAttemptRepository.
func NewLoginAttemptRepository(client *redis.Client) *LoginAttemptRepository {
	return &LoginAttemptRepository{client: client}
}

// Failures returns the number of failures recorded for key.
func (r *LoginAttemptRepository) Failures(ctx context.Context, key string) (int, error) {
	if r == nil || r.client == nil {
		return 0, nil
	}
	n, err := r.client.Get(ctx, loginAttemptPrefix+key).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get login failures: %w", err)
	}
	return n, nil
}

// RegisterFailure increments the counter for key and refreshes its window.
func (r *LoginAttemptRepository) RegisterFailure(ctx context.Context, key string, window time.Duration) (int, error) {
	if r == nil || r.client == nil {
		return 0, nil
	}
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, loginAttemptPrefix+key)
		pipe.Expire(ctx, loginAttemptPrefix+key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis register login failure: %w", err)
	}
	return int(incr.Val()), nil
}

// Reset clears the counter for key.
func (r *LoginAttemptRepository) Reset(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, loginAttemptPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset login failures: %w", err)
	}
	return nil
}
