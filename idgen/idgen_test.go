package idgen

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	for _, length := range []int{8, 12, 24} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("NanoID: unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := gen()
		if len(id) != 36 {
			t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("UUIDv7: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("run_", NanoID(8))()
	if !strings.HasPrefix(id, "run_") || len(id) != 12 {
		t.Fatalf("Prefixed: got %q", id)
	}
}

func TestParse(t *testing.T) {
	id := New()
	got, err := Parse(id)
	if err != nil || got != id {
		t.Fatalf("Parse(%q) = %q, %v", id, got, err)
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for invalid UUID")
	}
}

func TestToken(t *testing.T) {
	// WHAT: Token(48) decodes back to 48 bytes of URL-safe base64.
	// WHY: Refresh tokens travel in JSON bodies and URLs.
	tok := Token(48)
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 48 {
		t.Fatalf("decoded length = %d, want 48", len(raw))
	}
	if Token(48) == tok {
		t.Fatal("two tokens should differ")
	}
}

func TestAlphanumeric(t *testing.T) {
	pw := Alphanumeric(16)
	if len(pw) != 16 {
		t.Fatalf("length = %d, want 16", len(pw))
	}
	for _, c := range pw {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			t.Fatalf("unexpected character %q", c)
		}
	}
}
