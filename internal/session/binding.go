package session

import "strings"

// UABindingMode selects how stored and incoming user-agent strings are
// compared.
type UABindingMode string

const (
	// UABindingStrict requires exact equality.
	UABindingStrict UABindingMode = "strict"
	// UABindingLenient compares only the product segment before the first
	// '(' with whitespace normalized, tolerating minor UA drift between
	// requests from the same browser.
	UABindingLenient UABindingMode = "lenient"
)

// BindingConfig controls which request attributes a refresh token stays bound
// to. Device binding is always enforced when both sides carry a device id.
// IP binding is exact-match and brittle behind NAT and mobile networks; that
// is a deployment trade-off to weigh before enabling it, not something the
// validator papers over.
type BindingConfig struct {
	IPBinding bool
	UABinding bool
	UAMode    UABindingMode
}

// Validate checks the request attributes against the token's recorded
// binding. Evaluation order is fixed (device, then user-agent, then IP) so
// the first violated binding determines both the returned error and the
// audit reason. A nil return means all enabled bindings match.
func (c BindingConfig) Validate(tok *RefreshToken, deviceID, userAgent, ip string) error {
	if tok.DeviceID != "" && deviceID != "" && tok.DeviceID != deviceID {
		return ErrDeviceMismatch
	}
	if c.UABinding && !c.uaMatches(tok.UserAgent, userAgent) {
		return ErrUserAgentMismatch
	}
	if c.IPBinding {
		if tok.IP == "" || tok.IP != ip {
			return ErrIPMismatch
		}
	}
	return nil
}

func (c BindingConfig) uaMatches(stored, incoming string) bool {
	if stored == "" || incoming == "" {
		return false
	}
	switch c.UAMode {
	case UABindingLenient:
		return strings.EqualFold(normalizeUA(stored), normalizeUA(incoming))
	default:
		return stored == incoming
	}
}

func normalizeUA(ua string) string {
	if i := strings.Index(ua, "("); i > 0 {
		ua = ua[:i]
	}
	return strings.Join(strings.Fields(ua), " ")
}
