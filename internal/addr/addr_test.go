package addr

import (
	"net"
	"testing"
)

func TestParseBareIP(t *testing.T) {
	a, err := Parse("10.0.0.7")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.PrefixLen != 32 {
		t.Fatalf("PrefixLen = %d, want 32", a.PrefixLen)
	}
	if a.String() != "10.0.0.7" {
		t.Fatalf("String() = %q, want 10.0.0.7", a.String())
	}
}

func TestParseCIDRMasksHostBits(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.0.0.7/24", "10.0.0.0/24"},
		{"10.0.0.3/30", "10.0.0.0/30"},
		{"192.168.1.200/16", "192.168.0.0/16"},
	}
	for _, c := range cases {
		a, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if a.String() != c.want {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, a.String(), c.want)
		}
	}
}

func TestParseRejectsHostnames(t *testing.T) {
	if _, err := Parse("example.com"); err == nil {
		t.Fatal("expected error for hostname")
	}
}

func TestMatchCIDRBoundary(t *testing.T) {
	// S3: intercept {tcp, 10.0.0.0/30, [1-65535]}. .3 matches, .4 doesn't.
	a, err := Parse("10.0.0.0/30")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Match(net.ParseIP("10.0.0.3")) {
		t.Error("10.0.0.3 should match 10.0.0.0/30")
	}
	if a.Match(net.ParseIP("10.0.0.4")) {
		t.Error("10.0.0.4 should not match 10.0.0.0/30")
	}
}

func TestMatchBareIPWhole(t *testing.T) {
	a, err := Parse("10.0.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Match(net.ParseIP("10.0.1.2")) {
		t.Error("bare IP must compare whole, not prefix")
	}
	if !a.Match(net.ParseIP("10.0.1.1")) {
		t.Error("bare IP should match itself")
	}
}

func TestIPv6CIDRParsedButNotMatched(t *testing.T) {
	a, err := Parse("2001:db8::/32")
	if err != nil {
		t.Fatalf("Parse ipv6 cidr: %v", err)
	}
	if a.Match(net.ParseIP("2001:db8::1")) {
		t.Error("IPv6 CIDR containment is explicitly out of scope and must report false")
	}
}

func TestPortRangeNormalization(t *testing.T) {
	if NewPortRange(80, 1) != NewPortRange(1, 80) {
		t.Error("NewPortRange must normalize regardless of argument order")
	}
	pr := NewPortRange(443, 443)
	if pr.String() != "443" {
		t.Errorf("single-port String() = %q, want 443", pr.String())
	}
	pr2 := NewPortRange(1, 1024)
	if pr2.String() != "[1-1024]" {
		t.Errorf("range String() = %q, want [1-1024]", pr2.String())
	}
}

func TestPortInAny(t *testing.T) {
	ranges := []PortRange{NewPortRange(80, 80), NewPortRange(1000, 2000)}
	if !ContainsAny(1500, ranges) {
		t.Error("1500 should be contained")
	}
	if ContainsAny(90, ranges) {
		t.Error("90 should not be contained")
	}
}
