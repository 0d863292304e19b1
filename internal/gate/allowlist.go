package gate

import (
	"net/netip"
	"strings"
)

// IPAllowlist matches client addresses against exact IPs and CIDR prefixes.
// A nil *IPAllowlist admits everything; keys without a configured allowlist
// skip the perimeter check entirely.
type IPAllowlist struct {
	exact    map[string]struct{}
	prefixes []netip.Prefix
}

// NewIPAllowlist compiles allowlist rules. Invalid rules fail loudly so key
// misconfiguration is caught at write time, not at request time.
func NewIPAllowlist(rules []string) (*IPAllowlist, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	al := &IPAllowlist{exact: make(map[string]struct{}, len(rules))}
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.Contains(r, "/") {
			p, err := netip.ParsePrefix(r)
			if err != nil {
				return nil, err
			}
			al.prefixes = append(al.prefixes, p)
			continue
		}
		addr, err := netip.ParseAddr(r)
		if err != nil {
			return nil, err
		}
		al.exact[addr.String()] = struct{}{}
	}
	return al, nil
}

// Matches reports whether ip is admitted. Exact rules are checked first,
// then CIDR prefixes in order.
func (al *IPAllowlist) Matches(ip string) bool {
	if al == nil {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	if _, ok := al.exact[addr.String()]; ok {
		return true
	}
	for _, p := range al.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RefAllowlist matches Referer domains against exact hosts and `*.domain`
// wildcard suffixes. A nil *RefAllowlist admits everything.
type RefAllowlist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewRefAllowlist compiles referrer-domain rules.
func NewRefAllowlist(rules []string) *RefAllowlist {
	if len(rules) == 0 {
		return nil
	}
	al := &RefAllowlist{exact: make(map[string]struct{}, len(rules))}
	for _, r := range rules {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(r, "*."); ok {
			al.suffixes = append(al.suffixes, "."+rest)
			continue
		}
		al.exact[r] = struct{}{}
	}
	return al
}

// Matches reports whether the referrer host is admitted.
func (al *RefAllowlist) Matches(host string) bool {
	if al == nil {
		return true
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if _, ok := al.exact[host]; ok {
		return true
	}
	for _, s := range al.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}
