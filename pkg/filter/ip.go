// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"net/netip"
	"strconv"
	"strings"
)

// privatePrefixes lists the non-public ranges beyond what netip classifies
// itself (RFC1918, ULA and link-local are handled by Addr methods).
var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
}

// ParseIP parses a literal address, accepting bracketed IPv6, a trailing
// dot and the legacy IPv4 spellings of inet_aton. IPv4-mapped IPv6 is
// unmapped.
func ParseIP(host string) (netip.Addr, bool) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	host = strings.TrimSuffix(host, ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), true
	}
	return parseLegacyIPv4(host)
}

// parseLegacyIPv4 parses one to four parts, each decimal, octal (leading 0)
// or hex (0x). The last part fills all remaining bytes, so "10.5" is
// 10.0.0.5 and "167772165" is 10.0.0.5.
func parseLegacyIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}

	var ip uint32
	for i, part := range parts {
		v, ok := parseLegacyPart(part)
		if !ok {
			return netip.Addr{}, false
		}
		if i < len(parts)-1 {
			if v > 0xff {
				return netip.Addr{}, false
			}
			ip |= uint32(v) << (8 * (3 - i))
			continue
		}
		rest := 8 * (4 - i)
		if rest < 32 && v >= 1<<rest {
			return netip.Addr{}, false
		}
		ip |= uint32(v)
	}
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)}), true
}

func parseLegacyPart(s string) (uint64, bool) {
	base := 10
	switch {
	case len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X"):
		base, s = 16, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, s = 8, s[1:]
	}
	v, err := strconv.ParseUint(s, base, 32)
	return v, err == nil
}

// IsNumericName reports whether host ends in a label starting with a digit.
// No top-level domain does, so such a name is an address spelling that
// ParseIP could not read.
func IsNumericName(host string) bool {
	host = strings.TrimSuffix(host, ".")
	label := host[strings.LastIndexByte(host, '.')+1:]
	return label != "" && label[0] >= '0' && label[0] <= '9'
}

// IsPrivate reports whether addr is in a private, link-local, CGNAT or
// reserved range.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsLoopback reports whether addr is loopback, multicast or unspecified.
func IsLoopback(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsMulticast() || addr.IsUnspecified()
}

// IsLoopbackName reports whether a domain name only makes sense on the local
// machine or network: localhost, mDNS .local names and single labels.
func IsLoopbackName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	switch {
	case host == "localhost", strings.HasSuffix(host, ".localhost"):
		return true
	case host == "local", strings.HasSuffix(host, ".local"):
		return true
	case !strings.Contains(host, "."):
		return true
	}
	return false
}
