//go:build !windows

// Package rawfwd implements the raw-socket shadow forwarder described in
// spec §2/§4.3/§4.8 (component C): while a spoofed address is assigned to
// the tunnel interface as a local address, the kernel answers ARP/routing
// for it and would otherwise deliver packets for that address to itself
// instead of handing them to the TUN device. A raw socket bound to the
// spoofed address intercepts that traffic so it can still be fed into the
// embedded stack, grounded on ziti_tunnel.c's rawsock_forwarder /
// create_rawsock_forwarder / forward_packet.
//
// This file holds the platform-independent orchestration; rawfwd_rawconn.go
// supplies the primary forwarder implementation (golang.org/x/net/ipv4's
// RawConn, replacing the C source's manual header parsing) and
// rawfwd_packet_linux.go an AF_PACKET fallback for environments where a raw
// IP socket cannot be opened but packet-socket access is still permitted.
package rawfwd

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// Injector receives a captured IP packet for re-entry into the embedded
// stack (spec §4.8: "feeds back into the embedded stack"). The slice is
// owned by the caller for the duration of the call only.
type Injector func(packet []byte)

// protoNumber mirrors ziti_tunnel.c's get_protocol_id.
func protoNumber(proto string) (int, error) {
	switch proto {
	case "tcp":
		return unix.IPPROTO_TCP, nil
	case "udp":
		return unix.IPPROTO_UDP, nil
	default:
		return 0, fmt.Errorf("rawfwd: unsupported protocol %q", proto)
	}
}

// singleForwarder is whatever runs one (protocol, local address) capture
// loop, whether backed by a raw IP socket or an AF_PACKET fallback.
type singleForwarder interface {
	run(inject Injector)
	close()
}

// Shadow is the set of forwarders active for one spoofed local address, one
// per intercepted protocol (spec §4.3: create_rawsock_forwarders returns the
// forwarder count for the address).
type Shadow struct {
	mu         sync.Mutex
	ip         string
	forwarders []singleForwarder
	wg         sync.WaitGroup
}

// Create starts one forwarder per protocol in protocols, all bound to ip,
// feeding captured packets to inject. Per spec §4.3/§9, failure of any
// individual protocol's forwarder is logged and that protocol is skipped —
// it must never prevent the local address from being assigned, and no
// rollback of already-created forwarders is performed.
func Create(ctx context.Context, ip string, protocols []string, inject Injector) (*Shadow, error) {
	s := &Shadow{ip: ip}
	for _, proto := range protocols {
		if _, err := protoNumber(proto); err != nil {
			log.Printf("rawfwd: skipping %s forwarder for %s: %v", proto, ip, err)
			continue
		}

		var fwd singleForwarder
		rc, err := newForwarder(proto, ip)
		if err == nil {
			fwd = rc
		} else if pf, perr := newPacketFallback(proto, ip); perr == nil {
			fwd = pf
		} else {
			log.Printf("rawfwd: %s forwarder for %s unavailable (raw socket: %v, packet fallback: %v)", proto, ip, err, perr)
			continue
		}
		s.forwarders = append(s.forwarders, fwd)
		s.wg.Add(1)
		go func(f singleForwarder) {
			defer s.wg.Done()
			f.run(inject)
		}(fwd)
	}
	log.Printf("rawfwd: shadowing %s with %d forwarder(s)", ip, len(s.forwarders))
	return s, nil
}

// Close stops every forwarder for this address (free_rawsock_forwarder).
func (s *Shadow) Close() {
	s.mu.Lock()
	fwds := s.forwarders
	s.forwarders = nil
	s.mu.Unlock()
	for _, f := range fwds {
		f.close()
	}
	s.wg.Wait()
}

// IP returns the spoofed local address this shadow was created for.
func (s *Shadow) IP() string { return s.ip }
