// Package overlay implements a concrete bridge.Callbacks binding for the
// websocket + Shadowsocks-framed transport the predecessor CLI spoke,
// generalized from "one fixed upstream, one local SOCKS5 listener" to
// "arbitrary intercepted flows, keyed by handle" (spec §4.8 "external
// overlay transport", component H's dial/write/close side).
//
// Grounded on the predecessor's ws.go/outline_dial.go/outline_tcp.go/
// outline_udp_session.go: nhooyr.io/websocket carries the wire bytes,
// github.com/shadowsocks/go-shadowsocks2's core/socks packages supply the
// stream cipher and the SOCKS5-style destination-address framing.
package overlay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"nhooyr.io/websocket"
)

// Config names the upstream websocket endpoint(s) and Shadowsocks
// parameters a service's traffic is bridged through. One Config is attached
// per intercept entry (see internal/config).
type Config struct {
	// StreamURL is the websocket endpoint TCP flows are bridged over.
	StreamURL string `yaml:"stream_url"`
	// PacketURL is the websocket endpoint UDP flows are bridged over; if
	// empty, StreamURL is reused.
	PacketURL string `yaml:"packet_url"`
	Cipher    string `yaml:"cipher"`
	Secret    string `yaml:"secret"`
	// DialTimeout bounds how long a single TCP flow's dial is allowed to
	// take. The shared UDP session dial does not apply it.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Mark is an SO_MARK value (Linux only) applied to the socket dialing
	// StreamURL/PacketURL, so routing policy can steer this connection
	// around the TUN device's own routes. 0 disables marking.
	Mark uint32 `yaml:"fwmark"`
}

func (c Config) packetURL() string {
	if c.PacketURL != "" {
		return c.PacketURL
	}
	return c.StreamURL
}

// dialWS performs a classic HTTP/1.1 websocket upgrade. The predecessor's
// RFC 8441 (websocket-over-h2) dialing is not carried forward here — see
// DESIGN.md for why — but fwmark marking is, since it is load-bearing: without
// it a tunnel that routes 0.0.0.0/0 onto its own device would capture its own
// overlay upstream connection.
func dialWS(ctx context.Context, rawurl string, mark uint32) (*websocket.Conn, error) {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, raw syscall.RawConn) error {
			var ctrlErr error
			if err := raw.Control(func(fd uintptr) { ctrlErr = setSocketMark(fd, mark) }); err != nil {
				return err
			}
			return ctrlErr
		},
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: dialer.DialContext,
		},
	}
	c, _, err := websocket.Dial(ctx, rawurl, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("overlay: dialing %s: %w", rawurl, err)
	}
	c.SetReadLimit(1 << 20)
	return c, nil
}

type dummyAddr struct{}

func (dummyAddr) Network() string { return "udp" }
func (dummyAddr) String() string  { return "0.0.0.0:0" }

var _ net.Addr = dummyAddr{}
