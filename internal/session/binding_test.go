package session

import (
	"errors"
	"testing"
	"time"
)

func boundToken() *RefreshToken {
	return &RefreshToken{
		ID:        "tok-1",
		DeviceID:  "dev-a",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/121.0",
		IP:        "10.0.0.1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestBindingAllChecksPass(t *testing.T) {
	cfg := BindingConfig{IPBinding: true, UABinding: true, UAMode: UABindingStrict}
	tok := boundToken()
	if err := cfg.Validate(tok, "dev-a", tok.UserAgent, "10.0.0.1"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
}

func TestBindingDeviceCheckedFirst(t *testing.T) {
	cfg := BindingConfig{IPBinding: true, UABinding: true, UAMode: UABindingStrict}
	tok := boundToken()

	// Everything wrong at once: the device verdict must win.
	err := cfg.Validate(tok, "dev-b", "curl/8.0", "192.168.1.9")
	if !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch, got %v", err)
	}

	// Wrong UA and IP, right device: UA verdict next.
	err = cfg.Validate(tok, "dev-a", "curl/8.0", "192.168.1.9")
	if !errors.Is(err, ErrUserAgentMismatch) {
		t.Fatalf("expected ErrUserAgentMismatch, got %v", err)
	}

	// Only IP wrong.
	err = cfg.Validate(tok, "dev-a", tok.UserAgent, "192.168.1.9")
	if !errors.Is(err, ErrIPMismatch) {
		t.Fatalf("expected ErrIPMismatch, got %v", err)
	}
}

func TestBindingDeviceSkippedWhenEitherSideEmpty(t *testing.T) {
	cfg := BindingConfig{}
	tok := boundToken()
	if err := cfg.Validate(tok, "", tok.UserAgent, tok.IP); err != nil {
		t.Fatalf("empty request device must not trip the binding, got %v", err)
	}
	tok.DeviceID = ""
	if err := cfg.Validate(tok, "dev-b", tok.UserAgent, tok.IP); err != nil {
		t.Fatalf("token without a recorded device must not trip the binding, got %v", err)
	}
}

func TestBindingUALenient(t *testing.T) {
	cfg := BindingConfig{UABinding: true, UAMode: UABindingLenient}
	tok := boundToken()

	// Same product segment, different parenthesized platform details.
	incoming := "Mozilla/5.0   (Windows NT 10.0; Win64) Gecko/20100101 Firefox/122.0"
	if err := cfg.Validate(tok, "dev-a", incoming, tok.IP); err != nil {
		t.Fatalf("lenient mode should tolerate drift after '(', got %v", err)
	}

	if err := cfg.Validate(tok, "dev-a", "curl/8.0", tok.IP); !errors.Is(err, ErrUserAgentMismatch) {
		t.Fatalf("different product must still mismatch, got %v", err)
	}
}

func TestBindingUAStrict(t *testing.T) {
	cfg := BindingConfig{UABinding: true, UAMode: UABindingStrict}
	tok := boundToken()
	drifted := tok.UserAgent + " extra"
	if err := cfg.Validate(tok, "dev-a", drifted, tok.IP); !errors.Is(err, ErrUserAgentMismatch) {
		t.Fatalf("strict mode must require exact equality, got %v", err)
	}
}

func TestBindingUAEmptyNeverMatches(t *testing.T) {
	cfg := BindingConfig{UABinding: true, UAMode: UABindingLenient}
	tok := boundToken()
	if err := cfg.Validate(tok, "dev-a", "", tok.IP); !errors.Is(err, ErrUserAgentMismatch) {
		t.Fatalf("empty incoming UA must mismatch when UA binding is on, got %v", err)
	}
}

func TestBindingIPRequiresRecordedIP(t *testing.T) {
	cfg := BindingConfig{IPBinding: true}
	tok := boundToken()
	tok.IP = ""
	if err := cfg.Validate(tok, "dev-a", tok.UserAgent, "10.0.0.1"); !errors.Is(err, ErrIPMismatch) {
		t.Fatalf("token without a recorded IP must fail IP binding, got %v", err)
	}
}
