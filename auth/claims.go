// Package auth issues and validates socialpilot access tokens, hashes
// passwords and refresh tokens, and guards HTTP routes.
package auth

import "github.com/golang-jwt/jwt/v5"

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Claims is the access token payload. Subject holds the user id.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string `json:"wid"`
	Role        string `json:"role"`
}

// UserID returns the subject of the token.
func (c *Claims) UserID() string { return c.Subject }

// IsAdmin reports whether the token carries the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }
