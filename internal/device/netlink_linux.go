//go:build linux

package device

import (
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Netlink message construction for interface address/route/link-state
// changes, avoiding a shell-out to the "ip" binary. Message layout:
//
//	nlmsghdr | payload (ifaddrmsg/ifinfomsg/rtmsg) | attributes (rtattr...)
const (
	nlmsgHdrLen  = 16
	ifaddrmsgLen = 8
	ifinfomsgLen = 16
	rtmsgLen     = 12
	rtaHdrLen    = 4
)

func rtaAlignLen(l int) int { return (l + 3) &^ 3 }

func interfaceIndex(name string) (int32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("device: looking up interface %q: %w", name, err)
	}
	return int32(iface.Index), nil
}

func netlinkRequest(msg []byte) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("device: opening netlink socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("device: binding netlink socket: %w", err)
	}
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("device: sending netlink request: %w", err)
	}
	return readNetlinkAck(fd)
}

func readNetlinkAck(fd int) error {
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("device: reading netlink response: %w", err)
	}
	if n < nlmsgHdrLen {
		return fmt.Errorf("device: netlink response too short: %d bytes", n)
	}
	msgType := binary.LittleEndian.Uint16(buf[4:6])
	if msgType == unix.NLMSG_ERROR {
		if n < nlmsgHdrLen+4 {
			return fmt.Errorf("device: truncated NLMSG_ERROR response")
		}
		errno := *(*int32)(unsafe.Pointer(&buf[nlmsgHdrLen]))
		if errno == 0 {
			return nil
		}
		return fmt.Errorf("device: netlink error: %s", unix.Errno(-errno))
	}
	return nil
}

func addrFamilyAndBytes(ip net.IP) (uint8, []byte) {
	if v4 := ip.To4(); v4 != nil {
		return unix.AF_INET, v4
	}
	return unix.AF_INET6, ip.To16()
}

func buildAddrMsg(msgType uint16, ifIndex int32, family uint8, prefixLen uint8, addr []byte) []byte {
	addrAttrLen := rtaAlignLen(rtaHdrLen + len(addr))
	totalLen := nlmsgHdrLen + ifaddrmsgLen + addrAttrLen*2
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	flags := uint16(unix.NLM_F_REQUEST | unix.NLM_F_ACK)
	if msgType == unix.RTM_NEWADDR {
		flags |= unix.NLM_F_CREATE | unix.NLM_F_EXCL
	}
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+3] = unix.RT_SCOPE_UNIVERSE
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))

	off = nlmsgHdrLen + ifaddrmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(addr)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFA_LOCAL)
	copy(buf[off+rtaHdrLen:], addr)

	off += addrAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(addr)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.IFA_ADDRESS)
	copy(buf[off+rtaHdrLen:], addr)

	return buf
}

func buildSetLinkUpMsg(ifIndex int32) []byte {
	totalLen := nlmsgHdrLen + ifinfomsgLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], unix.RTM_NEWLINK)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], unix.IFF_UP)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], unix.IFF_UP)

	return buf
}

func buildRouteMsg(msgType uint16, flags uint16, ifIndex int32, family uint8, prefixLen uint8, dst []byte) []byte {
	dstAttrLen := rtaAlignLen(rtaHdrLen + len(dst))
	oifAttrLen := rtaAlignLen(rtaHdrLen + 4)

	totalLen := nlmsgHdrLen + rtmsgLen + dstAttrLen + oifAttrLen
	buf := make([]byte, totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.LittleEndian.PutUint16(buf[4:6], msgType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], 1)

	off := nlmsgHdrLen
	buf[off] = family
	buf[off+1] = prefixLen
	buf[off+4] = unix.RT_TABLE_MAIN
	buf[off+5] = unix.RTPROT_BOOT
	buf[off+6] = unix.RT_SCOPE_LINK
	buf[off+7] = unix.RTN_UNICAST

	off = nlmsgHdrLen + rtmsgLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+len(dst)))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_DST)
	copy(buf[off+rtaHdrLen:], dst)

	off += dstAttrLen
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rtaHdrLen+4))
	binary.LittleEndian.PutUint16(buf[off+2:off+4], unix.RTA_OIF)
	binary.LittleEndian.PutUint32(buf[off+rtaHdrLen:off+rtaHdrLen+4], uint32(ifIndex))

	return buf
}

// addIfaceAddress assigns cidr to ifName (RTM_NEWADDR).
func addIfaceAddress(ifName, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		if plain := net.ParseIP(cidr); plain != nil {
			ip, ipNet = plain, &net.IPNet{IP: plain, Mask: net.CIDRMask(32, 32)}
		} else {
			return fmt.Errorf("device: parsing %q: %w", cidr, err)
		}
	}
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}
	family, bytes := addrFamilyAndBytes(ip)
	prefixLen, _ := ipNet.Mask.Size()
	return netlinkRequest(buildAddrMsg(unix.RTM_NEWADDR, ifIndex, family, uint8(prefixLen), bytes))
}

// delIfaceAddress unassigns cidr from ifName (RTM_DELADDR).
func delIfaceAddress(ifName, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		if plain := net.ParseIP(cidr); plain != nil {
			ip, ipNet = plain, &net.IPNet{IP: plain, Mask: net.CIDRMask(32, 32)}
		} else {
			return fmt.Errorf("device: parsing %q: %w", cidr, err)
		}
	}
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}
	family, bytes := addrFamilyAndBytes(ip)
	prefixLen, _ := ipNet.Mask.Size()
	return netlinkRequest(buildAddrMsg(unix.RTM_DELADDR, ifIndex, family, uint8(prefixLen), bytes))
}

func setIfaceUp(ifName string) error {
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}
	return netlinkRequest(buildSetLinkUpMsg(ifIndex))
}

func addIfaceRoute(ifName, cidr string) error {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("device: parsing route %q: %w", cidr, err)
	}
	ifIndex, err := interfaceIndex(ifName)
	if err != nil {
		return err
	}
	family, dst := addrFamilyAndBytes(ipNet.IP)
	prefixLen, _ := ipNet.Mask.Size()
	flags := uint16(unix.NLM_F_REQUEST | unix.NLM_F_ACK | unix.NLM_F_CREATE | unix.NLM_F_EXCL)
	return netlinkRequest(buildRouteMsg(unix.RTM_NEWROUTE, flags, ifIndex, family, uint8(prefixLen), dst))
}
