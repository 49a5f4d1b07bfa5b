package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hazyhaar/socialpilot/idgen"
)

// RefreshToken is a freshly minted refresh token. Raw is handed to the
// client once; only Hash is persisted.
type RefreshToken struct {
	Raw       string
	Hash      string
	ExpiresAt time.Time
}

// NewRefreshToken mints a 48-byte random token valid for ttl.
func NewRefreshToken(pepper []byte, ttl time.Duration) RefreshToken {
	raw := idgen.Token(48)
	return RefreshToken{
		Raw:       raw,
		Hash:      HashRefreshToken(pepper, raw),
		ExpiresAt: time.Now().Add(ttl),
	}
}

// HashRefreshToken returns the hex HMAC-SHA256 of raw keyed by pepper.
func HashRefreshToken(pepper []byte, raw string) string {
	m := hmac.New(sha256.New, pepper)
	m.Write([]byte(raw))
	return hex.EncodeToString(m.Sum(nil))
}
