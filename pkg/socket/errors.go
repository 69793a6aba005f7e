package socket

import (
	"errors"
	"fmt"
)

//#region errors

var (
	// ErrAlreadyClosed indicates use of a socket after Close. Sockets are
	// single-use; construct a new one instead.
	ErrAlreadyClosed = errors.New("this socket has been closed")
	// ErrNotStarted indicates a send on a socket that was never bound.
	ErrNotStarted = errors.New("socket is not started; call Start or Connect first")
	// ErrBindFailed wraps a failure to bind the UDP socket.
	ErrBindFailed = errors.New("failed to bind UDP socket")
	// ErrSendFailed wraps a failure to write a datagram.
	ErrSendFailed = errors.New("failed to send datagram")
)

//#endregion errors

// ErrShortWrite returns an error indicating that a datagram was truncated on
// send.
func ErrShortWrite(wrote, expected int) error {
	return fmt.Errorf("%w: wrote %dB of %dB", ErrSendFailed, wrote, expected)
}
