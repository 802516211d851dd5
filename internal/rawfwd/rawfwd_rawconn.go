//go:build !windows

package rawfwd

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// rawConnForwarder is the primary singleForwarder implementation: a raw IP
// socket opened via net.ListenPacket and wrapped in golang.org/x/net/ipv4's
// RawConn, which parses the IP header (TTL, protocol, fragment bits) for us
// instead of the C source's hand-rolled struct ip pointer arithmetic.
type rawConnForwarder struct {
	raw *ipv4.RawConn
	pc  net.PacketConn
}

func newForwarder(proto, ip string) (*rawConnForwarder, error) {
	protoID, err := protoNumber(proto)
	if err != nil {
		return nil, err
	}

	pc, err := net.ListenPacket(fmt.Sprintf("ip4:%d", protoID), ip)
	if err != nil {
		return nil, fmt.Errorf("rawfwd: opening raw %s socket for %s: %w", proto, ip, err)
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rawfwd: wrapping raw %s socket for %s: %w", proto, ip, err)
	}
	return &rawConnForwarder{raw: raw, pc: pc}, nil
}

func (f *rawConnForwarder) close() { f.pc.Close() }

// run reads datagrams until the socket is closed, handing each one to
// inject as a full IP packet (header re-marshalled + payload). Closing the
// underlying PacketConn (from Shadow.Close) unblocks the pending read.
func (f *rawConnForwarder) run(inject Injector) {
	buf := make([]byte, 65536)
	for {
		h, payload, _, err := f.raw.ReadFrom(buf)
		if err != nil {
			return
		}
		hdr, err := h.Marshal()
		if err != nil {
			continue
		}
		pkt := make([]byte, 0, len(hdr)+len(payload))
		pkt = append(pkt, hdr...)
		pkt = append(pkt, payload...)
		inject(pkt)
	}
}
