//go:build !linux

package lgrd

import "net"

// peerTag is not supported on this platform.
func peerTag(net.Conn) string { return "" }
