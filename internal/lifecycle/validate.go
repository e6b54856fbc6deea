package lifecycle

import (
	"net/netip"
	"strings"

	"github.com/org/wirebot/internal/apperr"
)

// MaxNameLen is the longest client name the lifecycle script accepts.
const MaxNameLen = 15

// DefaultDNS is used when the operator gives no preference.
var DefaultDNS = []string{"8.8.8.8", "8.8.4.4"}

// ValidateName checks a client name against the script's naming rules. The
// name becomes a file name and a script argument, so anything outside
// [A-Za-z0-9_-] is rejected rather than rewritten, and a leading '-' is
// refused so the script cannot read the name as a flag.
func ValidateName(name string) error {
	switch {
	case name == "":
		return apperr.Validation("client name is empty")
	case len(name) > MaxNameLen:
		return apperr.Validation("client name %q is longer than %d characters", name, MaxNameLen)
	case strings.ContainsAny(name, `/\`):
		return apperr.Validation("client name %q contains a path separator", name)
	case name[0] == '-':
		return apperr.Validation("client name %q starts with '-'", name)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return apperr.Validation("client name %q contains %q", name, r)
		}
	}
	return nil
}

// ParseDNS normalizes a DNS preference: one or two IPv4 addresses, given as a
// list or a single comma separated string. Empty input yields DefaultDNS.
func ParseDNS(in []string) ([]string, error) {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultDNS...), nil
	}
	if len(out) > 2 {
		return nil, apperr.Validation("at most two DNS servers, got %d", len(out))
	}
	for _, s := range out {
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			return nil, apperr.Validation("DNS server %q is not an IPv4 address", s)
		}
	}
	return out, nil
}
