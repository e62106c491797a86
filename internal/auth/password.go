package auth

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const passwordSymbols = "!@#$%^&*()_+-=[]{}|;:,.<>?"

// PasswordPolicy is the immutable strength and rotation configuration passed
// to the service at construction.
type PasswordPolicy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSymbol  bool
	BcryptCost     int
	RotationPeriod time.Duration
}

// DefaultPasswordPolicy mirrors the shipped server configuration.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:      8,
		RequireUpper:   true,
		RequireLower:   true,
		RequireDigit:   true,
		RequireSymbol:  true,
		BcryptCost:     bcrypt.DefaultCost,
		RotationPeriod: 90 * 24 * time.Hour,
	}
}

// Validate returns the list of violated rules; an empty list means acceptable.
func (p PasswordPolicy) Validate(password string) []string {
	var violations []string

	if len(password) < p.MinLength {
		violations = append(violations, "password must be at least "+strconv.Itoa(p.MinLength)+" characters long")
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
		}
		if strings.ContainsRune(passwordSymbols, r) {
			hasSymbol = true
		}
	}

	if p.RequireUpper && !hasUpper {
		violations = append(violations, "password must contain at least one uppercase letter")
	}
	if p.RequireLower && !hasLower {
		violations = append(violations, "password must contain at least one lowercase letter")
	}
	if p.RequireDigit && !hasDigit {
		violations = append(violations, "password must contain at least one number")
	}
	if p.RequireSymbol && !hasSymbol {
		violations = append(violations, "password must contain at least one special character")
	}

	return violations
}

// Hash derives a salted digest from the plaintext. Every call salts freshly,
// so two digests of the same password differ yet both verify.
func (p PasswordPolicy) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrInvalidInput
	}
	cost := p.BcryptCost
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ExpiryFrom returns when a password set at now must be rotated.
func (p PasswordPolicy) ExpiryFrom(now time.Time) time.Time {
	return now.Add(p.RotationPeriod)
}

// VerifyPassword compares a plaintext password with a stored digest.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return ErrMissingCredential
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrCredentialMismatch
	}
	return nil
}
