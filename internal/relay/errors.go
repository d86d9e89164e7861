package relay

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/Q1rD/relayproxy/internal/connection"
)

// Relay-level errors. Every error returned by Handler.Relay wraps exactly
// one of these.
var (
	// ErrUnsupported indicates a request the proxy refuses: a method other
	// than GET, a scheme other than http, or a malformed target. The client
	// receives a 501 page.
	ErrUnsupported = errors.New("unsupported request")

	// ErrClientIO indicates a read or write failure on the client leg,
	// including a client that closed before finishing its request.
	ErrClientIO = errors.New("client i/o failure")

	// ErrOriginUnreachable indicates that resolution or every connect
	// attempt failed. The client receives a 502 page.
	ErrOriginUnreachable = connection.ErrOriginUnreachable

	// ErrOriginProtocol indicates the origin closed or failed before a
	// complete response head was read, or the request could not be sent.
	ErrOriginProtocol = errors.New("origin protocol failure")
)

// isExpectedClose reports whether err is a normal peer disconnect: EOF,
// closed connection, broken pipe, or connection reset.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
