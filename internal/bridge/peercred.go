package bridge

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the kernel-enforced identity of a socket peer.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// peerCredentials reads SO_PEERCRED from a unix socket connection.
func peerCredentials(conn net.Conn) (*PeerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("connection is not a unix socket")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw connection: %w", err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("raw control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %w", credErr)
	}

	return &PeerCredentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
