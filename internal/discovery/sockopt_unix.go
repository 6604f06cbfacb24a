//go:build linux || darwin || freebsd || netbsd || openbsd

package discovery

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets several processes on one host share the discovery port.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		// Not every kernel supports SO_REUSEPORT; SO_REUSEADDR is enough for multicast.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
