//go:build linux

package socket

import (
	"net"

	"golang.org/x/sys/unix"
)

type peer struct {
	UID uint32
	PID int32
}

// peerCredentials returns the connecting process's uid and pid via
// SO_PEERCRED. Used for logging only.
func peerCredentials(conn net.Conn) (peer, bool) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return peer{}, false
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return peer{}, false
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return peer{}, false
	}
	return peer{UID: cred.Uid, PID: cred.Pid}, true
}
