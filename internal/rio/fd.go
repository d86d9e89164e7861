package rio

import (
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// FD is a raw socket descriptor used with plain read(2) and write(2).
type FD int

// Read performs one read(2). A zero-byte read is reported as io.EOF.
// EINTR is returned to the caller as is; Stream retries it.
func (fd FD) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(int(fd), p)
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of p, retrying short writes and EINTR.
func (fd FD) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(int(fd), p[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return written, os.NewSyscallError("write", err)
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
		written += n
	}
	return written, nil
}

// Close closes the descriptor.
func (fd FD) Close() error {
	if err := unix.Close(int(fd)); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// SetNonblock sets or clears O_NONBLOCK.
func (fd FD) SetNonblock(nonblocking bool) error {
	if err := unix.SetNonblock(int(fd), nonblocking); err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	return nil
}

// SetTimeout bounds every blocking read and write on the socket. A timed
// out call fails with EAGAIN. Zero disables the bound.
func (fd FD) SetTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return nil
}
