package session

import (
	"strings"
	"testing"
)

func TestTokenValueRoundTrip(t *testing.T) {
	value, id, hash, err := newTokenValue()
	if err != nil {
		t.Fatalf("newTokenValue: %v", err)
	}
	gotID, secret, err := splitTokenValue(value)
	if err != nil {
		t.Fatalf("splitTokenValue: %v", err)
	}
	if gotID != id {
		t.Fatalf("id mismatch: %s vs %s", gotID, id)
	}
	if !secretMatchesHash(hash, secret) {
		t.Fatalf("secret does not match its own hash")
	}
	if secretMatchesHash(hash, secret+"x") {
		t.Fatalf("altered secret must not match")
	}
	if strings.Contains(secret, ".") {
		t.Fatalf("secret must not contain the separator")
	}
}

func TestSplitTokenValueRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", ".", "id.", ".secret", "nodot", "  "} {
		if _, _, err := splitTokenValue(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestTokenValuesAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		value, _, _, err := newTokenValue()
		if err != nil {
			t.Fatalf("newTokenValue: %v", err)
		}
		if _, dup := seen[value]; dup {
			t.Fatalf("duplicate token value generated")
		}
		seen[value] = struct{}{}
	}
}

func TestTokenSuffix(t *testing.T) {
	if got := TokenSuffix("abcdef0123456789"); got != "23456789" {
		t.Fatalf("unexpected suffix: %s", got)
	}
	if got := TokenSuffix("short"); got != "short" {
		t.Fatalf("short hashes pass through, got %s", got)
	}
}
