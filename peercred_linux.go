//go:build linux

package lgrd

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// peerTag returns "pid=<n>" for the process on the other end of conn, or an
// empty string when the credentials are not available.
func peerTag(conn net.Conn) string {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ""
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return ""
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return ""
	}
	return "pid=" + strconv.Itoa(int(cred.Pid))
}
