//go:build linux

package device

import (
	"context"
	"fmt"
	"net"

	"github.com/songgao/water"
)

// TUNDriver implements Driver atop a kernel TUN device via
// github.com/songgao/water, mirroring the open/read/write pattern the
// predecessor CLI used for its embedded-stack mode, generalized to also own
// address and route programming so the core (internal/netstack) never shells
// out.
type TUNDriver struct {
	ifce *water.Interface
	name string
	mtu  int
}

// OpenTUN creates (or attaches to, if name already exists) a TUN interface.
func OpenTUN(name string) (*TUNDriver, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("device: open tun %q: %w", name, err)
	}

	mtu := 1500
	if ifi, err := net.InterfaceByName(ifce.Name()); err == nil && ifi.MTU > 0 {
		mtu = ifi.MTU
	}
	return &TUNDriver{ifce: ifce, name: ifce.Name(), mtu: mtu}, nil
}

func (d *TUNDriver) Name() string { return d.name }
func (d *TUNDriver) MTU() int     { return d.mtu }

func (d *TUNDriver) ReadFrame(buf []byte) (int, error)  { return d.ifce.Read(buf) }
func (d *TUNDriver) WriteFrame(buf []byte) (int, error) { return d.ifce.Write(buf) }
func (d *TUNDriver) Close() error                       { return d.ifce.Close() }

func (d *TUNDriver) AddLocalAddress(ip string) error {
	if err := addIfaceAddress(d.name, ip); err != nil {
		return err
	}
	return setIfaceUp(d.name)
}

func (d *TUNDriver) DeleteLocalAddress(ip string) error {
	return delIfaceAddress(d.name, ip)
}

func (d *TUNDriver) AddRoute(cidr string) error {
	return addIfaceRoute(d.name, cidr)
}

// ExcludeRoute resolves dst and returns nil on success; it installs no
// route, so dst is not actually excluded from the tunnel. The C source this
// is grounded on (ziti_tunneler_exclude_route) kicked off an asynchronous
// getaddrinfo but then used the result as if it had already arrived — a
// race. Here resolution is genuinely synchronous with respect to the caller,
// driven by ctx so it can be cancelled or given a deadline.
func (d *TUNDriver) ExcludeRoute(ctx context.Context, dst string) error {
	if ip := net.ParseIP(dst); ip != nil {
		return nil
	}
	_, err := net.DefaultResolver.LookupIPAddr(ctx, dst)
	if err != nil {
		return fmt.Errorf("device: resolving exclude route %q: %w", dst, err)
	}
	return nil
}
