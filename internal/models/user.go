package models

import "time"

// User represents an account stored in the users table. PasswordHash never
// leaves the repository/service boundary; handlers only see PublicUser.
type User struct {
	ID            string     `db:"id" json:"-"`
	Email         string     `db:"email" json:"-"`
	Username      string     `db:"username" json:"-"`
	PasswordHash  string     `db:"password_hash" json:"-"`
	EmailVerified bool       `db:"email_verified" json:"-"`
	Active        bool       `db:"active" json:"-"`
	LastLoginAt   *time.Time `db:"last_login_at" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"-"`
	UpdatedAt     time.Time  `db:"updated_at" json:"-"`
}

// PublicUser is the projection of a user that is safe to return to clients.
type PublicUser struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Username      string     `json:"username"`
	EmailVerified bool       `json:"emailVerified"`
	Active        bool       `json:"active"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Public returns the client-facing projection of u.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		Username:      u.Username,
		EmailVerified: u.EmailVerified,
		Active:        u.Active,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// UpdateProfileRequest carries mutable profile fields.
type UpdateProfileRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
}
