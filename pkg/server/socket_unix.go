//go:build unix || linux || darwin

package server

import (
	"syscall"
)

// reuseAddrControl sets SO_REUSEADDR so a restarted server can bind its
// port while old connections sit in TIME_WAIT
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
