// Package device adapts the TUN/UTAP packet driver collaborator described in
// spec §1/§6. It is intentionally thin: reading and writing raw frames is
// delegated to github.com/songgao/water, and address/route manipulation to
// the platform-specific netlink helpers in this package. Everything else
// (deciding which packets to capture, terminating transport connections) is
// owned by the embedded stack adapter and flow engines.
package device

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by operations the current platform's driver
// cannot perform (spec §6: exclude_rt is optional).
var ErrNotSupported = errors.New("device: not supported on this platform")

// Driver is the device driver interface the core consumes (spec §6 table).
// A concrete Driver is expected to provide exactly one of the two ingestion
// modes described in §4.8/§6: either it drives ingestion itself and invokes
// an ingress callback per frame ("setup" mode), or it exposes a blocking
// Read that the adapter pulls from on its own goroutine ("poll" mode, the
// one this package implements — see netstack.Adapter.Run).
type Driver interface {
	// Name is the interface name (e.g. "tun0").
	Name() string
	// MTU is the negotiated maximum transmission unit.
	MTU() int
	// ReadFrame blocks until the next raw IP frame is available.
	ReadFrame(buf []byte) (int, error)
	// WriteFrame transmits one frame (spec §6: write(handle, bytes, len)).
	WriteFrame(buf []byte) (int, error)
	Close() error

	// AddLocalAddress / DeleteLocalAddress assign or unassign an IP on the
	// tunnel interface (spec §6).
	AddLocalAddress(ip string) error
	DeleteLocalAddress(ip string) error

	// AddRoute installs a route for addr pointing at the virtual interface
	// (spec §4.2 side effect of intercept registration).
	AddRoute(cidr string) error

	// ExcludeRoute is optional; an implementation may return
	// ErrNotSupported. TUNDriver only resolves dst and installs no route.
	ExcludeRoute(ctx context.Context, dst string) error
}
