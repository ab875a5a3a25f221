package repository

import (
	"errors"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

var (
	// ErrDuplicateEmail is returned when the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateUsername is returned when the username is taken.
	ErrDuplicateUsername = errors.New("username already taken")
	// ErrDuplicateProject is returned when an owner already has a project with the same name.
	ErrDuplicateProject = errors.New("project name already in use")
	// ErrTokenInactive is returned when a refresh token is unknown, revoked,
	// expired, or does not belong to the expected session.
	ErrTokenInactive = errors.New("refresh token is not active")
)

// uniqueViolation reports the violated constraint when err is a Postgres
// unique violation.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
