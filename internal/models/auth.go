package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators carried in the "typ" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// RegisterRequest holds the payload for creating an account.
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Username  string `json:"username" validate:"required,min=3,max=32"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued tokens and user info.
type LoginResponse struct {
	User         PublicUser `json:"user"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	TokenType    string     `json:"tokenType"`
	ExpiresIn    int64      `json:"expiresIn"`
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// RefreshTokenResponse returns the rotated tokens.
type RefreshTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// LogoutRequest selects which sessions to end. The zero value ends the
// caller's current session only.
type LogoutRequest struct {
	All       bool   `json:"all"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// ChangePasswordRequest payload for updating password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

// VerifyResponse reports whether the presented access token is usable.
type VerifyResponse struct {
	Valid bool      `json:"valid"`
	User  *UserInfo `json:"user"`
}

// UserInfo describes the authenticated identity carried by an access token.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Type      string `json:"typ"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *AccessClaims) UserID() string {
	return c.Subject
}

// Info projects the identity claims.
func (c *AccessClaims) Info() UserInfo {
	return UserInfo{ID: c.Subject, Email: c.Email, Username: c.Username}
}

// RefreshClaims is the signed structure handed out as a refresh token. ID
// (jti) matches the persisted RefreshToken record and Nonce carries the
// random component.
type RefreshClaims struct {
	Type      string `json:"typ"`
	SessionID string `json:"sid"`
	Nonce     string `json:"rnd"`
	jwt.RegisteredClaims
}

// RequestMeta carries client details recorded in the audit trail.
type RequestMeta struct {
	IP        string
	UserAgent string
}
