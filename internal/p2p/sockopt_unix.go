//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package p2p

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// broadcastControl enables SO_BROADCAST so beacons may target 255.255.255.255.
func broadcastControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// reuseControl lets several discoverers on one machine share the beacon port.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
