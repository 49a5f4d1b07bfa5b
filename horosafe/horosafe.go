// Package horosafe holds the small security primitives shared by the
// orchestrator and the browser node: secret validation, path traversal guards
// for artifact files, bounded reads of remote responses and platform URL
// checks for automation targets.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// MinSecretLen is the minimum length for symmetric secrets (JWT HS256,
// refresh token pepper, credential key). 32 bytes = 256 bits.
const MinSecretLen = 32

// MaxResponseBody caps browser-node response reads. Storage states and
// base64 screenshots fit comfortably in 8 MiB.
const MaxResponseBody int64 = 8 << 20

var (
	// ErrSecretTooShort is returned when a secret does not meet MinSecretLen.
	ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)

	// ErrPathTraversal is returned when a storage key escapes its base directory.
	ErrPathTraversal = errors.New("horosafe: path traversal detected")

	// ErrUnsafeTarget is returned when an automation target URL is not an
	// https URL on an allowed platform host.
	ErrUnsafeTarget = errors.New("horosafe: target URL is not an allowed platform URL")
)

// ValidateSecret checks that secret is at least MinSecretLen bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath joins base and key and rejects results outside base.
func SafePath(base, key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", ErrPathTraversal
	}
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, filepath.Clean("/"+key))
	if !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// LimitedReadAll reads at most maxBytes from r and fails when the stream is
// longer.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

// PlatformHosts lists the hosts accepted as automation targets per platform.
var PlatformHosts = map[string][]string{
	"x": {"x.com", "www.x.com", "twitter.com", "www.twitter.com", "mobile.twitter.com"},
}

// ValidateTargetURL checks that rawURL is an https URL whose host belongs to
// platform. Automation never navigates to arbitrary hosts with an
// authenticated browser context.
func ValidateTargetURL(platform, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeTarget, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return ErrUnsafeTarget
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range PlatformHosts[platform] {
		if host == h {
			return nil
		}
	}
	return ErrUnsafeTarget
}
