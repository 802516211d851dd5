//go:build linux

package rawfwd

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// packetForwarder is the AF_PACKET fallback used when a raw IP socket
// cannot be opened (e.g. a container granted CAP_NET_RAW for packet sockets
// but not for IP_RAW sockets): it reads whole Ethernet frames addressed to
// ip's interface and reconstructs the IP packet by stripping the 14-byte
// Ethernet header, filtering by destination address and protocol in
// userspace since packet sockets see every frame on the interface.
type packetForwarder struct {
	conn  *packet.Conn
	proto int
	dst   net.IP
}

func newPacketFallback(proto, ip string) (*packetForwarder, error) {
	protoID, err := protoNumber(proto)
	if err != nil {
		return nil, err
	}
	dst := net.ParseIP(ip).To4()
	if dst == nil {
		return nil, fmt.Errorf("rawfwd: %q is not an IPv4 literal", ip)
	}

	iface, err := interfaceOwning(dst)
	if err != nil {
		return nil, err
	}

	conn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_IP, nil)
	if err != nil {
		return nil, fmt.Errorf("rawfwd: opening packet socket on %s: %w", iface.Name, err)
	}
	if err := conn.SetPromiscuous(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rawfwd: setting promiscuous mode on %s: %w", iface.Name, err)
	}
	return &packetForwarder{conn: conn, proto: protoID, dst: dst}, nil
}

func interfaceOwning(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("rawfwd: listing interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("rawfwd: no local interface owns %s", ip)
}

func (f *packetForwarder) close() { f.conn.Close() }

func (f *packetForwarder) run(inject Injector) {
	buf := make([]byte, 65536)
	for {
		n, _, err := f.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		frame := buf[:n]
		if len(frame) < 14+20 {
			continue
		}
		ethType := binary.BigEndian.Uint16(frame[12:14])
		if ethType != unix.ETH_P_IP {
			continue
		}
		ipPkt := frame[14:]
		if int(ipPkt[9]) != f.proto {
			continue
		}
		if !net.IP(ipPkt[16:20]).Equal(f.dst) {
			continue
		}
		pkt := make([]byte, len(ipPkt))
		copy(pkt, ipPkt)
		inject(pkt)
	}
}
