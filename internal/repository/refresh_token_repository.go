package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/pkg/database"
)

const refreshTokenColumns = `id, user_id, session_id, token_hash, expires_at, revoked_at, created_at, ip_address, user_agent`

const insertRefreshToken = `INSERT INTO refresh_tokens (id, user_id, session_id, token_hash, expires_at, revoked_at, created_at, ip_address, user_agent) VALUES (:id, :user_id, :session_id, :token_hash, :expires_at, :revoked_at, :created_at, :ip_address, :user_agent)`

// RefreshTokenRepository persists refresh token records keyed by token hash.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create persists a refresh token record.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	prepareRefreshToken(token)
	if _, err := r.db.NamedExecContext(ctx, insertRefreshToken, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindActive returns the usable record stored under hash.
func (r *RefreshTokenRepository) FindActive(ctx context.Context, hash string, now time.Time) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, hash, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenInactive
		}
		return nil, fmt.Errorf("find active refresh token: %w", err)
	}
	return &token, nil
}

// FindByHash returns the record stored under hash regardless of its state.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

// Revoke marks a single record revoked. Revoking an already revoked record is
// a no-op.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeSession revokes every live record of one session chain and reports
// how many rows changed.
func (r *RefreshTokenRepository) RevokeSession(ctx context.Context, userID, sessionID string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $3 WHERE user_id = $1 AND session_id = $2 AND revoked_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, userID, sessionID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke session: %w", err)
	}
	return res.RowsAffected()
}

// RevokeAllForUser revokes every live record owned by userID.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// ListActiveByUser returns usable records for userID, newest first.
func (r *RefreshTokenRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2 ORDER BY created_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, now); err != nil {
		return nil, fmt.Errorf("list active refresh tokens: %w", err)
	}
	return tokens, nil
}

// Rotate consumes the usable record stored under oldHash and persists next in
// the same transaction. The conditional update guarantees that of several
// concurrent rotations of one token at most one succeeds; the rest get
// ErrTokenInactive. next must belong to the same user and session.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldHash string, now time.Time, next *models.RefreshToken) (*models.RefreshToken, error) {
	prepareRefreshToken(next)

	var old models.RefreshToken
	err := database.WithTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		query := `UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2 RETURNING ` + refreshTokenColumns
		if err := tx.GetContext(ctx, &old, query, oldHash, now); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTokenInactive
			}
			return fmt.Errorf("consume refresh token: %w", err)
		}
		if old.UserID != next.UserID || old.SessionID != next.SessionID {
			return ErrTokenInactive
		}
		if _, err := tx.NamedExecContext(ctx, insertRefreshToken, next); err != nil {
			return fmt.Errorf("create rotated refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &old, nil
}

func prepareRefreshToken(token *models.RefreshToken) {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
}
