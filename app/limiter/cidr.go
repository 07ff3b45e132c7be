package limiter

// CIDR helpers for the allow/deny lists and for the per-IP rate keys.
// Lists are best-effort filters, malformed addresses or prefixes never
// propagate an error and simply don't match.

import (
	"net"
	"strings"
)

// parseAddr parses a textual IP accepting dotted-quad, IPv6 with ::
// compression, bracketed IPv6 and IPv4-mapped IPv6 which is stripped to its
// IPv4 form. Returns the address bytes and the v4 family flag.
func parseAddr(s string) (ip net.IP, v4, ok bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")

	parsed := net.ParseIP(s)
	if parsed == nil {
		return nil, false, false
	}
	if ip4 := parsed.To4(); ip4 != nil {
		return ip4, true, true
	}
	return parsed.To16(), false, true
}

// parseCIDR parses "address/prefix", a missing prefix defaults to the full
// address length (32 for v4, 128 for v6).
func parseCIDR(s string) (ip net.IP, prefix int, v4, ok bool) {
	s = strings.TrimSpace(s)

	addr, prefixPart := s, ""
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		addr, prefixPart = s[:idx], s[idx+1:]
	}

	ip, v4, ok = parseAddr(addr)
	if !ok {
		return nil, 0, false, false
	}

	bits := 128
	if v4 {
		bits = 32
	}

	if prefixPart == "" {
		return ip, bits, v4, true
	}

	prefix = 0
	for _, c := range prefixPart {
		if c < '0' || c > '9' {
			return nil, 0, false, false
		}
		prefix = prefix*10 + int(c-'0')
		if prefix > bits {
			return nil, 0, false, false
		}
	}
	return ip, prefix, v4, true
}

// contains reports whether ip belongs to cidr. Families must match, the
// first prefix bits compared with the trailing bits of the last byte masked.
func contains(ipStr, cidrStr string) bool {
	ip, ipV4, ok := parseAddr(ipStr)
	if !ok {
		return false
	}
	netIP, prefix, netV4, ok := parseCIDR(cidrStr)
	if !ok || ipV4 != netV4 {
		return false
	}

	fullBytes := prefix / 8
	for i := 0; i < fullBytes; i++ {
		if ip[i] != netIP[i] {
			return false
		}
	}
	if rem := prefix % 8; rem != 0 {
		mask := byte(0xff << (8 - rem))
		if ip[fullBytes]&mask != netIP[fullBytes]&mask {
			return false
		}
	}
	return true
}

// NormalizeIPv6to64 collapses an IPv6 address to its /64 allocation key by
// zeroing the low 64 bits, so that rotation inside a single allocation keeps
// hitting the same rate bucket. IPv4 addresses return unchanged.
func NormalizeIPv6to64(s string) string {
	ip, v4, ok := parseAddr(s)
	if !ok || v4 {
		return s
	}
	masked := make(net.IP, len(ip))
	copy(masked, ip)
	for i := 8; i < 16; i++ {
		masked[i] = 0
	}
	return masked.String() + "/64"
}

// CIDRList is a parsed best-effort IP filter.
type CIDRList struct {
	cidrs []string
}

// NewCIDRList keeps the raw patterns, matching is done per lookup so a bad
// entry only disables itself.
func NewCIDRList(cidrs []string) *CIDRList {
	res := &CIDRList{}
	for _, c := range cidrs {
		if c = strings.TrimSpace(c); c != "" {
			res.cidrs = append(res.cidrs, c)
		}
	}
	return res
}

// Contains reports whether ip matches any list entry.
func (l *CIDRList) Contains(ip string) bool {
	if l == nil {
		return false
	}
	for _, c := range l.cidrs {
		if contains(ip, c) {
			return true
		}
	}
	return false
}

// Empty reports whether the list has no entries.
func (l *CIDRList) Empty() bool { return l == nil || len(l.cidrs) == 0 }
