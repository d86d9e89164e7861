package rio

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (FD, FD) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return FD(fds[0]), FD(fds[1])
}

// TestFD_ReadWrite tests a round trip over a socket pair
func TestFD_ReadWrite(t *testing.T) {
	a, b := socketpair(t)
	defer func() { _ = b.Close() }()

	payload := strings.Repeat("line\r\n", 1000)
	go func() {
		_, _ = a.Write([]byte(payload))
		_ = a.Close()
	}()

	s := NewStream(b, 0)
	buf := make([]byte, 64)
	count := 0
	for {
		n, err := s.ReadLine(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if string(buf[:n]) != "line\r\n" {
			t.Fatalf("Unexpected line %q", buf[:n])
		}
		count++
	}

	if count != 1000 {
		t.Errorf("Expected 1000 lines, got %d", count)
	}
}

// TestFD_Timeout tests that SetTimeout bounds a blocking read
func TestFD_Timeout(t *testing.T) {
	a, b := socketpair(t)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	if err := b.SetTimeout(50 * time.Millisecond); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}

	start := time.Now()
	_, err := b.Read(make([]byte, 8))
	if !errors.Is(err, unix.EAGAIN) {
		t.Errorf("Expected EAGAIN after timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Read blocked far past its timeout")
	}
}

// TestFD_Nonblock tests SetNonblock on an idle socket
func TestFD_Nonblock(t *testing.T) {
	a, b := socketpair(t)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	if err := b.SetNonblock(true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	_, err := b.Read(make([]byte, 8))
	if !errors.Is(err, unix.EAGAIN) {
		t.Errorf("Expected EAGAIN on empty non-blocking socket, got %v", err)
	}
}
