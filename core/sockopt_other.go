//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package core

import "syscall"

// controlSocket leaves socket options at their defaults on this platform
func controlSocket(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
