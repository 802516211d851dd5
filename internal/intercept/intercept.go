// Package intercept implements the indexed catalogue of (protocol,
// address/CIDR, port range) tuples that decides whether a given packet
// should be captured for some application-level service (spec §3/§4.2).
package intercept

import (
	"fmt"
	"net"
	"sync"

	"tunneler/internal/addr"
)

// Protocol is the set of transport protocols an intercept can match.
// Anything else is rejected at registration time.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

func (p Protocol) valid() bool { return p == TCP || p == UDP }

// Entry is a single registered intercept. Add neither checks ServiceID for
// uniqueness nor replaces an existing entry; it always appends. Handle is
// the opaque application-level identifier flows reference by value (never a
// borrowed pointer) so that a flow's "back reference" to its originating
// intercept is always resolved through Registry.FindByHandle (spec §9).
type Entry struct {
	ServiceID   string
	Handle      string
	Protocols   map[Protocol]bool
	Addresses   []addr.Address
	PortRanges  []addr.PortRange
}

// Validate enforces the non-empty invariants from spec §3.
func (e Entry) Validate() error {
	if e.Handle == "" {
		return fmt.Errorf("intercept: empty app_intercept_handle")
	}
	if len(e.Protocols) == 0 {
		return fmt.Errorf("intercept: service %s: protocols must be non-empty", e.ServiceID)
	}
	for p := range e.Protocols {
		if !p.valid() {
			return fmt.Errorf("intercept: service %s: unsupported protocol %q", e.ServiceID, p)
		}
	}
	if len(e.Addresses) == 0 {
		return fmt.Errorf("intercept: service %s: addresses must be non-empty", e.ServiceID)
	}
	if len(e.PortRanges) == 0 {
		return fmt.Errorf("intercept: service %s: port_ranges must be non-empty", e.ServiceID)
	}
	return nil
}

// Registry is the ordered collection of Entry values. Lookup order is
// insertion order; Match returns the first entry that matches (first-match
// wins, spec §4.2/§8 invariant 1).
type Registry struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends entry to the registry. No automatic shadow/conflict detection
// is performed; if a later Add shadows an earlier entry for the same
// (proto, address, port) tuple, insertion order decides which Match
// returns.
func (r *Registry) Add(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	cp := entry
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &cp)
	return nil
}

// Remove finds and removes the entry with the given handle, returning it.
// It does not tear down flows bound to the handle — that cross-cutting
// concern belongs to the caller (spec §9: a single, idempotent teardown
// entry point lives above this package, see internal/tunneler).
func (r *Registry) Remove(handle string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.Handle == handle {
			removed := *e
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return removed, true
		}
	}
	return Entry{}, false
}

// FindByHandle performs a linear search for the entry with the given handle.
func (r *Registry) FindByHandle(handle string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Handle == handle {
			return *e, true
		}
	}
	return Entry{}, false
}

// Match returns the first entry satisfying proto ∈ entry.Protocols ∧
// address_match(ip, entry.Addresses) ∧ port_in_any(port, entry.PortRanges).
func (r *Registry) Match(proto Protocol, ip net.IP, port uint16) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if !e.Protocols[proto] {
			continue
		}
		if !addr.MatchAny(ip, e.Addresses) {
			continue
		}
		if !addr.ContainsAny(port, e.PortRanges) {
			continue
		}
		return *e, true
	}
	return Entry{}, false
}

// All returns a snapshot of every registered entry, in insertion order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}
