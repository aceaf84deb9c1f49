package network

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedClose reports whether a read error means the peer (or the host
// itself) closed the connection, as opposed to a genuine I/O failure
func IsExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}
