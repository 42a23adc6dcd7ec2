// Package safeurl decides whether an outbound URL may be fetched at all.
//
// The check is purely syntactic: it never resolves DNS, so it can run
// before any proxy is selected and costs nothing on the hot path.
package safeurl

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrBlocked is returned for URLs that must never be fetched.
var ErrBlocked = errors.New("url blocked")

// blockedSuffixes are host name patterns that only ever resolve inside
// private networks.
var blockedSuffixes = []string{
	".localhost",
	".local",
	".internal",
	".lan",
	".home.arpa",
}

var blockedNames = map[string]struct{}{
	"localhost":                {},
	"metadata":                 {},
	"metadata.google.internal": {},
}

// Check parses raw and returns the URL when it is an http(s) URL whose host
// is a public name or public IP literal. Every rejection wraps ErrBlocked.
func Check(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty url", ErrBlocked)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrBlocked, u.Scheme)
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	if IsPrivateHost(host) {
		return nil, fmt.Errorf("%w: host %s is private", ErrBlocked, host)
	}

	return u, nil
}

// Allowed reports whether raw passes Check
func Allowed(raw string) bool {
	_, err := Check(raw)
	return err == nil
}

// NormalizeHost lowercases and punycode-encodes a bare host name. IP
// literals are returned in canonical form.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", errors.New("host is empty")
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// IsPrivateHost reports whether a normalized host points at loopback,
// private, link-local or otherwise non-routable space.
func IsPrivateHost(host string) bool {
	if _, ok := blockedNames[host]; ok {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return isBlockedAddr(addr)
	}

	// Numeric hosts that net.ParseIP rejects (0x7f.1, 2130706433, 017700000001)
	// are still accepted by some resolvers as IPv4 literals.
	if looksNumeric(host) {
		return true
	}
	return false
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return true
	}
	for _, p := range extraBlocked {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// extraBlocked covers ranges netip has no predicate for.
var extraBlocked = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

func looksNumeric(host string) bool {
	for _, part := range strings.Split(host, ".") {
		if part == "" {
			return false
		}
		p := strings.TrimPrefix(strings.TrimPrefix(part, "0x"), "0X")
		if p == "" {
			return false
		}
		for _, c := range p {
			isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
			if !isHex {
				return false
			}
		}
		// plain decimal labels or 0x-prefixed hex; bare hex letters like "cafe" are names
		if p == part && strings.IndexFunc(part, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return false
		}
	}
	return true
}
