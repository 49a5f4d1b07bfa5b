package horosafe

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret([]byte("short")); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("short secret: got %v", err)
	}
	if err := ValidateSecret([]byte(strings.Repeat("k", 32))); err != nil {
		t.Fatalf("32-byte secret: %v", err)
	}
}

func TestSafePath(t *testing.T) {
	base := t.TempDir()
	got, err := SafePath(base, "ws-1/act-1-screenshot.png")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(base, "ws-1", "act-1-screenshot.png") {
		t.Fatalf("got %q", got)
	}

	for _, bad := range []string{"", "../etc/passwd", "ws/../../x"} {
		if _, err := SafePath(base, bad); !errors.Is(err, ErrPathTraversal) {
			t.Fatalf("SafePath(%q): expected traversal error, got %v", bad, err)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestValidateTargetURL(t *testing.T) {
	// WHAT: Only https URLs on platform hosts are accepted.
	// WHY: An authenticated browser context must not be steered elsewhere.
	ok := []string{
		"https://x.com/jack/status/20",
		"https://twitter.com/jack/status/20",
		"https://WWW.X.COM/home",
	}
	for _, u := range ok {
		if err := ValidateTargetURL("x", u); err != nil {
			t.Fatalf("%s: %v", u, err)
		}
	}
	bad := []string{
		"http://x.com/jack/status/20",
		"https://evil.example/x.com",
		"https://x.com.evil.example/",
		"javascript:alert(1)",
	}
	for _, u := range bad {
		if err := ValidateTargetURL("x", u); !errors.Is(err, ErrUnsafeTarget) {
			t.Fatalf("%s: expected ErrUnsafeTarget, got %v", u, err)
		}
	}
	if err := ValidateTargetURL("mastodon", "https://x.com/"); err == nil {
		t.Fatal("unknown platform must reject")
	}
}
