package overlay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"

	"tunneler/internal/bridge"
)

// UDP bridges UDP pseudo-connections over a single shared Shadowsocks-over-
// websocket packet transport, grounded on the predecessor's
// OutlineUDPSession (one websocket connection, demultiplexed by source
// address) generalized to dispatch by flow handle instead of a fixed
// upstream.
type UDP struct {
	cfg Config

	mu      sync.Mutex
	session *udpSession
	subs    map[string]string // handle -> "dst:port" this handle is bound to
}

func NewUDP(cfg Config) *UDP {
	return &UDP{cfg: cfg, subs: make(map[string]string)}
}

func (u *UDP) Callbacks(registry **bridge.Registry) bridge.Callbacks {
	return bridge.Callbacks{
		Dial:       func(ctx context.Context, info bridge.FlowInfo) { u.dial(ctx, *registry, info) },
		WriteOut:   u.writeOut,
		Close:      u.closeHandle,
		CloseWrite: func(handle string) {}, // UDP has no half-close
		Host: func(ctx context.Context, serviceID string) error {
			return fmt.Errorf("overlay: hosting local services is not implemented by this overlay")
		},
	}
}

func (u *UDP) dial(ctx context.Context, registry *bridge.Registry, info bridge.FlowInfo) {
	sess, err := u.ensureSession(ctx)
	if err != nil {
		registry.DialCompleted(info.Handle, err)
		return
	}

	dst := net.JoinHostPort(info.DstAddr, fmt.Sprintf("%d", info.DstPort))
	u.mu.Lock()
	u.subs[info.Handle] = dst
	u.mu.Unlock()

	if err := registry.DialCompleted(info.Handle, nil); err != nil {
		return
	}

	replies := sess.subscribe(dst)
	go func() {
		for payload := range replies {
			if werr := registry.Write(info.Handle, payload); werr != nil {
				return
			}
		}
	}()
}

func (u *UDP) ensureSession(ctx context.Context) (*udpSession, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session != nil {
		return u.session, nil
	}
	sess, err := newUDPSession(ctx, u.cfg)
	if err != nil {
		return nil, err
	}
	u.session = sess
	return sess, nil
}

func (u *UDP) writeOut(handle string, data []byte) *bridge.WriteCtx {
	wc := bridge.NewWriteCtx()
	u.mu.Lock()
	sess := u.session
	dst := u.subs[handle]
	u.mu.Unlock()
	if sess == nil || dst == "" {
		wc.Ack()
		return wc
	}
	if err := sess.send(dst, data); err != nil {
		log.Printf("overlay: sending udp datagram for %s: %v", handle, err)
	}
	wc.Ack()
	return wc
}

func (u *UDP) closeHandle(handle string) {
	u.mu.Lock()
	delete(u.subs, handle)
	u.mu.Unlock()
}

// udpSession is one shared websocket+cipher packet transport, demultiplexed
// by destination address (grounded on OutlineUDPSession).
type udpSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	enc    net.PacketConn

	mu   sync.Mutex
	subs map[string]chan []byte
}

func newUDPSession(parent context.Context, cfg Config) (*udpSession, error) {
	ctx, cancel := context.WithCancel(parent)

	wsc, err := dialWS(ctx, cfg.packetURL(), cfg.Mark)
	if err != nil {
		cancel()
		return nil, err
	}
	ciph, err := core.PickCipher(cfg.Cipher, nil, cfg.Secret)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: selecting cipher %q: %w", cfg.Cipher, err)
	}
	enc := ciph.PacketConn(newWSPacketConn(ctx, wsc))

	s := &udpSession{ctx: ctx, cancel: cancel, enc: enc, subs: make(map[string]chan []byte)}
	go s.readLoop()
	return s, nil
}

func (s *udpSession) subscribe(dst string) <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.subs[dst]
	if ch == nil {
		ch = make(chan []byte, 64)
		s.subs[dst] = ch
	}
	return ch
}

func (s *udpSession) send(dst string, payload []byte) error {
	addr := socks.ParseAddr(dst)
	if addr == nil {
		return socks.ErrAddressNotSupported
	}
	plain := make([]byte, 0, len(addr)+len(payload))
	plain = append(plain, addr...)
	plain = append(plain, payload...)
	_, err := s.enc.WriteTo(plain, dummyAddr{})
	return err
}

func (s *udpSession) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := s.enc.ReadFrom(buf)
		if err != nil {
			return
		}
		plain := buf[:n]
		host, port, off, err := parseSocksAddrFromPlain(plain)
		if err != nil || off > len(plain) {
			continue
		}
		from := net.JoinHostPort(host, port)
		payload := append([]byte(nil), plain[off:]...)

		s.mu.Lock()
		ch := s.subs[from]
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

// parseSocksAddrFromPlain reads the SOCKS5-style address header go-shadowsocks2's
// socks.ParseAddr writes on the wire, returning the decoded host/port and the
// number of bytes it occupied so the caller can slice off the payload that
// follows (grounded on the predecessor's udp_common.go parser of the same
// header shape).
func parseSocksAddrFromPlain(plain []byte) (host, port string, off int, err error) {
	if len(plain) < 1 {
		return "", "", 0, errors.New("overlay: short socks address header")
	}
	atyp := plain[0]
	off = 1
	switch atyp {
	case 0x01: // IPv4
		if len(plain) < off+4+2 {
			return "", "", 0, errors.New("overlay: short ipv4 address header")
		}
		host = net.IP(plain[off : off+4]).String()
		off += 4
	case 0x03: // domain name
		if len(plain) < off+1 {
			return "", "", 0, errors.New("overlay: short domain length")
		}
		l := int(plain[off])
		off++
		if len(plain) < off+l+2 {
			return "", "", 0, errors.New("overlay: short domain name")
		}
		host = string(plain[off : off+l])
		off += l
	case 0x04: // IPv6
		if len(plain) < off+16+2 {
			return "", "", 0, errors.New("overlay: short ipv6 address header")
		}
		host = net.IP(plain[off : off+16]).String()
		off += 16
	default:
		return "", "", 0, fmt.Errorf("overlay: unsupported socks address type %#x", atyp)
	}
	p := binary.BigEndian.Uint16(plain[off : off+2])
	off += 2
	return host, strconv.Itoa(int(p)), off, nil
}
