package security

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/devspace-api/pkg/config"
)

// BcryptHasher implements password hashing via bcrypt. The work factor is
// never lower than config.MinBcryptCost.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a bcrypt-based hasher, raising cost to the minimum
// accepted work factor when needed.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < config.MinBcryptCost {
		cost = config.MinBcryptCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{cost: cost}
}

// Cost reports the configured work factor.
func (h *BcryptHasher) Cost() int {
	return h.cost
}

// Hash returns a salted bcrypt hash of password.
func (h *BcryptHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify reports whether password matches hash. Malformed hashes never match.
func (h *BcryptHasher) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
