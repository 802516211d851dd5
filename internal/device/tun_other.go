//go:build !linux

package device

import (
	"context"
	"fmt"
	"net"

	"github.com/songgao/water"
)

// TUNDriver on non-Linux platforms still opens a real TUN device via
// songgao/water (darwin/utun is supported upstream), but address/route
// programming has no netlink equivalent and is not implemented here.
type TUNDriver struct {
	ifce *water.Interface
	name string
	mtu  int
}

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

func (d *TUNDriver) AddLocalAddress(ip string) error    { return ErrNotSupported }
func (d *TUNDriver) DeleteLocalAddress(ip string) error { return ErrNotSupported }
func (d *TUNDriver) AddRoute(cidr string) error         { return ErrNotSupported }

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
