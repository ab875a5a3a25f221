package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/noah-isme/devspace-api/pkg/config"
)

// MaxPasswordBytes is the bcrypt input limit; longer secrets would be
// silently truncated.
const MaxPasswordBytes = 72

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

// PasswordPolicy describes the strength rules applied to new passwords.
type PasswordPolicy struct {
	MinLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// PolicyFromConfig builds the policy configured for the service.
func PolicyFromConfig(cfg config.SecurityConfig) PasswordPolicy {
	return PasswordPolicy{
		MinLength:     cfg.PasswordMinLength,
		RequireUpper:  cfg.PasswordRequireUpper,
		RequireLower:  cfg.PasswordRequireLower,
		RequireDigit:  cfg.PasswordRequireDigit,
		RequireSymbol: cfg.PasswordRequireSymbol,
	}
}

// Check returns a descriptive error when password violates the policy.
func (p PasswordPolicy) Check(password string) error {
	if len([]rune(password)) < p.MinLength {
		return fmt.Errorf("must be at least %d characters", p.MinLength)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("must be at most %d bytes", MaxPasswordBytes)
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}

	var missing []string
	if p.RequireUpper && !hasUpper {
		missing = append(missing, "an uppercase letter")
	}
	if p.RequireLower && !hasLower {
		missing = append(missing, "a lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		missing = append(missing, "a digit")
	}
	if p.RequireSymbol && !hasSymbol {
		missing = append(missing, "a symbol")
	}
	if len(missing) > 0 {
		return fmt.Errorf("must contain %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckUsername enforces 3-32 characters of letters, digits, '_' or '-'.
func CheckUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("must be 3-32 characters of letters, digits, '_' or '-'")
	}
	return nil
}

// NormalizeEmail trims and lower-cases an address so lookups and uniqueness
// are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
