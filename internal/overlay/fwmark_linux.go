//go:build linux

package overlay

import (
	"fmt"
	"syscall"
)

// setSocketMark applies SO_MARK to fd so the kernel's routing policy can
// steer the overlay's own outbound connection around the TUN device's
// routes, avoiding the routing loop that would otherwise result from the
// tunnel capturing its own upstream traffic (grounded on the predecessor's
// fwmark_linux.go).
func setSocketMark(fd uintptr, mark uint32) error {
	if mark == 0 {
		return nil
	}
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_MARK, int(mark)); err != nil {
		return fmt.Errorf("overlay: setsockopt SO_MARK=%d: %w", mark, err)
	}
	return nil
}
