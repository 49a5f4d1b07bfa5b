package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLen is enforced on password changes.
const MinPasswordLen = 12

// ErrWeakPassword is returned when a new password is too short.
var ErrWeakPassword = fmt.Errorf("auth: password must be at least %d characters", MinPasswordLen)

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidateNewPassword checks the length policy.
func ValidateNewPassword(password string) error {
	if len(password) < MinPasswordLen {
		return ErrWeakPassword
	}
	if len(password) > 72 {
		return errors.New("auth: password must be at most 72 bytes")
	}
	return nil
}
