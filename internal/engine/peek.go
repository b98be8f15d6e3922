package engine

import (
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// peekMagic performs a non-destructive read of up to n bytes from conn's
// underlying descriptor using MSG_PEEK. The engine must inspect the first
// bytes of a connection without consuming them, since a v1 connection's
// first byte is live request data.
func peekMagic(conn *net.UnixConn, n int) ([]byte, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	var got int
	var peekErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		got, _, peekErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
		if peekErr == unix.EAGAIN {
			return false // nothing ready yet; ask the runtime poller to wait
		}
		if peekErr == nil && got == 0 {
			return true // peer closed before sending n bytes
		}
		if peekErr == nil && got < n {
			return false // short peek; wait for the rest before returning to caller
		}
		return true
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if peekErr != nil {
		return nil, peekErr
	}
	if got == 0 {
		return nil, io.EOF
	}
	return buf[:got], nil
}
