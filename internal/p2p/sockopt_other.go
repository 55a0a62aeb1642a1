//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package p2p

import "syscall"

func broadcastControl(network, address string, c syscall.RawConn) error { return nil }

func reuseControl(network, address string, c syscall.RawConn) error { return nil }
