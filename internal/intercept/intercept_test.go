package intercept

import (
	"net"
	"testing"

	"tunneler/internal/addr"
)

func mustAddr(t *testing.T, s string) addr.Address {
	t.Helper()
	a, err := addr.Parse(s)
	if err != nil {
		t.Fatalf("addr.Parse(%q): %v", s, err)
	}
	return a
}

func TestMatchFirstWins(t *testing.T) {
	r := NewRegistry()

	// Two overlapping entries; first registered must win (spec invariant 1).
	first := Entry{
		ServiceID: "svc-a", Handle: "h1",
		Protocols:  map[Protocol]bool{TCP: true},
		Addresses:  []addr.Address{mustAddr(t, "10.0.0.0/24")},
		PortRanges: []addr.PortRange{addr.NewPortRange(80, 80)},
	}
	second := Entry{
		ServiceID: "svc-b", Handle: "h2",
		Protocols:  map[Protocol]bool{TCP: true},
		Addresses:  []addr.Address{mustAddr(t, "10.0.0.7")},
		PortRanges: []addr.PortRange{addr.NewPortRange(80, 80)},
	}
	if err := r.Add(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(second); err != nil {
		t.Fatal(err)
	}

	got, ok := r.Match(TCP, net.ParseIP("10.0.0.7"), 80)
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ServiceID != "svc-a" {
		t.Fatalf("ServiceID = %q, want svc-a (first match wins)", got.ServiceID)
	}
}

func TestMatchProtocolMismatch(t *testing.T) {
	r := NewRegistry()
	e := Entry{
		ServiceID: "svc", Handle: "h1",
		Protocols:  map[Protocol]bool{UDP: true},
		Addresses:  []addr.Address{mustAddr(t, "10.0.1.1")},
		PortRanges: []addr.PortRange{addr.NewPortRange(53, 53)},
	}
	if err := r.Add(e); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Match(TCP, net.ParseIP("10.0.1.1"), 53); ok {
		t.Fatal("TCP should not match a UDP-only intercept")
	}
}

func TestAddRejectsEmptyInvariants(t *testing.T) {
	r := NewRegistry()
	bad := Entry{ServiceID: "x", Handle: "h"}
	if err := r.Add(bad); err == nil {
		t.Fatal("expected validation error for empty protocols/addresses/ports")
	}
}

func TestRemoveAndFindByHandle(t *testing.T) {
	r := NewRegistry()
	e := Entry{
		ServiceID: "svc", Handle: "h1",
		Protocols:  map[Protocol]bool{TCP: true},
		Addresses:  []addr.Address{mustAddr(t, "10.0.1.1")},
		PortRanges: []addr.PortRange{addr.NewPortRange(1, 65535)},
	}
	if err := r.Add(e); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.FindByHandle("h1"); !ok {
		t.Fatal("expected to find h1")
	}
	removed, ok := r.Remove("h1")
	if !ok || removed.ServiceID != "svc" {
		t.Fatal("Remove should return the removed entry")
	}
	if _, ok := r.FindByHandle("h1"); ok {
		t.Fatal("h1 should no longer be found after Remove")
	}
	if _, ok := r.Match(TCP, net.ParseIP("10.0.1.1"), 10); ok {
		t.Fatal("removed intercept must no longer match (S6)")
	}
}

func TestCIDRBoundaryThroughRegistry(t *testing.T) {
	r := NewRegistry()
	e := Entry{
		ServiceID: "svc", Handle: "h1",
		Protocols:  map[Protocol]bool{TCP: true},
		Addresses:  []addr.Address{mustAddr(t, "10.0.0.0/30")},
		PortRanges: []addr.PortRange{addr.NewPortRange(1, 65535)},
	}
	if err := r.Add(e); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Match(TCP, net.ParseIP("10.0.0.3"), 22); !ok {
		t.Error("10.0.0.3 should match 10.0.0.0/30")
	}
	if _, ok := r.Match(TCP, net.ParseIP("10.0.0.4"), 22); ok {
		t.Error("10.0.0.4 should not match 10.0.0.0/30")
	}
}
