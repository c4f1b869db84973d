//go:build !linux

package ipc

import "net"

// PeerPID is only available on Linux.
func PeerPID(net.Conn) (int, error) {
	return 0, ErrUnsupported
}
