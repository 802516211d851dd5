//go:build !linux

package overlay

import "fmt"

func setSocketMark(fd uintptr, mark uint32) error {
	if mark == 0 {
		return nil
	}
	return fmt.Errorf("overlay: fwmark is supported only on linux")
}
