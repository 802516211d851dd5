// Package addr implements address and port-range primitives used by the
// intercept registry: parsing bare IPs and CIDRs, masking them to their
// network boundary, and testing containment.
package addr

import (
	"fmt"
	"net"
	"strings"
)

// Family distinguishes IPv4 from IPv6 addresses.
type Family int

const (
	V4 Family = iota
	V6
)

// Address is a parsed, normalized IPv4/IPv6 literal or CIDR.
//
// For a CIDR, IP holds the network address with host bits zeroed and
// PrefixLen is less than the address width. For a bare IP, PrefixLen equals
// the address width (32 for v4, 128 for v6).
type Address struct {
	Family    Family
	IP        net.IP
	PrefixLen int
	str       string
}

// String returns the canonical form: "ip" for a bare address, "ip/prefix"
// for a CIDR.
func (a Address) String() string { return a.str }

func familyWidth(ip net.IP) int {
	if ip.To4() != nil {
		return 32
	}
	return 128
}

// Parse parses a bare IPv4/IPv6 literal or a CIDR ("ip/prefix"). Hostnames
// are rejected — this package never performs DNS resolution. IPv6 CIDRs are
// parsed (prefix stored) but Match never reports containment for them; see
// Address.Match.
func Parse(text string) (Address, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Address{}, fmt.Errorf("addr: empty address")
	}

	literal := text
	prefixLen := -1
	if idx := strings.IndexByte(text, '/'); idx >= 0 {
		literal = text[:idx]
		var n int
		if _, err := fmt.Sscanf(text[idx+1:], "%d", &n); err != nil {
			return Address{}, fmt.Errorf("addr: invalid prefix in %q: %w", text, err)
		}
		prefixLen = n
	}

	ip := net.ParseIP(literal)
	if ip == nil {
		return Address{}, fmt.Errorf("addr: %q is not a literal IP address (hostnames are not supported)", literal)
	}

	fam := V4
	width := familyWidth(ip)
	if width == 128 {
		fam = V6
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}

	if prefixLen < 0 {
		prefixLen = width
	}
	if prefixLen < 0 || prefixLen > width {
		return Address{}, fmt.Errorf("addr: prefix length %d out of range for %q", prefixLen, text)
	}

	masked := maskIP(ip, prefixLen)

	a := Address{Family: fam, IP: masked, PrefixLen: prefixLen}
	if prefixLen == width {
		a.str = masked.String()
	} else {
		a.str = fmt.Sprintf("%s/%d", masked.String(), prefixLen)
	}
	return a, nil
}

func maskIP(ip net.IP, prefixLen int) net.IP {
	mask := net.CIDRMask(prefixLen, len(ip)*8)
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] & mask[i]
	}
	return out
}

// Match reports whether ip falls within a, by comparing the first
// a.PrefixLen bits. Per spec non-goals, IPv6 CIDR containment (PrefixLen <
// 128) is not implemented and always reports false; bare IPv6 addresses
// (PrefixLen == 128) still compare exactly.
func (a Address) Match(ip net.IP) bool {
	if a.Family == V6 && a.PrefixLen < 128 {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if len(ip) != len(a.IP) {
		return false
	}
	masked := maskIP(ip, a.PrefixLen)
	return masked.Equal(a.IP)
}

// MatchAny reports whether ip matches any entry in list.
func MatchAny(ip net.IP, list []Address) bool {
	for _, a := range list {
		if a.Match(ip) {
			return true
		}
	}
	return false
}

// PortRange is an inclusive, normalized port range ([Low, High], Low <= High).
type PortRange struct {
	Low, High uint16
}

// NewPortRange normalizes a and b into a PortRange; inputs are swapped if
// a > b, so NewPortRange(a, b) == NewPortRange(b, a).
func NewPortRange(a, b uint16) PortRange {
	if a > b {
		a, b = b, a
	}
	return PortRange{Low: a, High: b}
}

// String prints "p" for a single-port range, "[low-high]" otherwise.
func (p PortRange) String() string {
	if p.Low == p.High {
		return fmt.Sprintf("%d", p.Low)
	}
	return fmt.Sprintf("[%d-%d]", p.Low, p.High)
}

// Contains reports whether port falls within p, inclusive.
func (p PortRange) Contains(port uint16) bool {
	return port >= p.Low && port <= p.High
}

// ContainsAny reports whether port falls within any range in list.
func ContainsAny(port uint16, list []PortRange) bool {
	for _, p := range list {
		if p.Contains(port) {
			return true
		}
	}
	return false
}
