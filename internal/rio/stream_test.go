package rio

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// scriptedReader returns one scripted step per Read call
type scriptedReader struct {
	steps []step
	calls int
}

type step struct {
	data string
	err  error
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	r.calls++
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	s := r.steps[0]
	n := copy(p, s.data)
	if n < len(s.data) {
		r.steps[0].data = s.data[n:]
		return n, nil
	}
	r.steps = r.steps[1:]
	return n, s.err
}

// TestReadLine_Basic tests sequential line reads
func TestReadLine_Basic(t *testing.T) {
	s := NewStream(strings.NewReader("GET / HTTP/1.0\r\nHost: a\r\n\r\n"), 0)
	buf := make([]byte, 64)

	want := []string{"GET / HTTP/1.0\r\n", "Host: a\r\n", "\r\n"}
	for i, w := range want {
		n, err := s.ReadLine(buf)
		if err != nil {
			t.Fatalf("line %d: unexpected error: %v", i, err)
		}
		if got := string(buf[:n]); got != w {
			t.Errorf("line %d: expected %q, got %q", i, w, got)
		}
		if buf[n] != 0 {
			t.Errorf("line %d: expected NUL terminator at %d", i, n)
		}
	}

	n, err := s.ReadLine(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("Expected 0, io.EOF at end, got %d, %v", n, err)
	}
}

// TestReadLine_Truncates tests that long lines are split without losing bytes
func TestReadLine_Truncates(t *testing.T) {
	s := NewStream(strings.NewReader("abcdefghij\n"), 0)
	buf := make([]byte, 4)

	var got []string
	for {
		n, err := s.ReadLine(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if n > len(buf)-1 {
			t.Fatalf("ReadLine returned %d bytes for a %d byte buffer", n, len(buf))
		}
		if buf[n] != 0 {
			t.Fatalf("Missing NUL terminator")
		}
		got = append(got, string(buf[:n]))
	}

	if joined := strings.Join(got, ""); joined != "abcdefghij\n" {
		t.Errorf("Expected all bytes back, got %q", joined)
	}
	if got[0] != "abc" {
		t.Errorf("Expected first chunk %q, got %q", "abc", got[0])
	}
}

// TestReadLine_PartialAtEOF tests a final line without a newline
func TestReadLine_PartialAtEOF(t *testing.T) {
	s := NewStream(strings.NewReader("tail"), 0)
	buf := make([]byte, 16)

	n, err := s.ReadLine(buf)
	if err != nil || string(buf[:n]) != "tail" {
		t.Fatalf("Expected %q, nil; got %q, %v", "tail", buf[:n], err)
	}

	n, err = s.ReadLine(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("Expected 0, io.EOF after partial line, got %d, %v", n, err)
	}
}

// TestReadLine_Empty tests EOF on an empty source
func TestReadLine_Empty(t *testing.T) {
	s := NewStream(strings.NewReader(""), 0)
	buf := make([]byte, 16)

	n, err := s.ReadLine(buf)
	if n != 0 || err != io.EOF {
		t.Errorf("Expected 0, io.EOF, got %d, %v", n, err)
	}
	if buf[0] != 0 {
		t.Error("Expected NUL terminator on empty read")
	}
}

// TestReadLine_RetriesEINTR tests that interrupted reads are invisible
func TestReadLine_RetriesEINTR(t *testing.T) {
	r := &scriptedReader{steps: []step{
		{err: os.NewSyscallError("read", unix.EINTR)},
		{data: "he"},
		{err: unix.EINTR},
		{data: "llo\n"},
	}}
	s := NewStream(r, 0)
	buf := make([]byte, 16)

	n, err := s.ReadLine(buf)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := string(buf[:n]); got != "hello\n" {
		t.Errorf("Expected %q, got %q", "hello\n", got)
	}
}

// TestReadLine_Error tests that non-EINTR errors surface
func TestReadLine_Error(t *testing.T) {
	boom := errors.New("boom")
	r := &scriptedReader{steps: []step{
		{data: "par"},
		{err: boom},
	}}
	s := NewStream(r, 0)
	buf := make([]byte, 16)

	n, err := s.ReadLine(buf)
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 bytes produced before the error, got %d", n)
	}
}

// TestReadLine_KeepsBufferedBytes tests that a line read leaves the rest buffered
func TestReadLine_KeepsBufferedBytes(t *testing.T) {
	r := &scriptedReader{steps: []step{{data: "ab\ncdefgh"}}}
	s := NewStream(r, 0)
	buf := make([]byte, 16)

	if _, err := s.ReadLine(buf); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Buffered() != 6 {
		t.Errorf("Expected 6 buffered bytes, got %d", s.Buffered())
	}

	rest := make([]byte, 6)
	n, err := s.ReadFull(rest)
	if err != nil || string(rest[:n]) != "cdefgh" {
		t.Errorf("Expected %q, got %q (%v)", "cdefgh", rest[:n], err)
	}
	if r.calls != 1 {
		t.Errorf("Expected exactly one underlying read, got %d", r.calls)
	}
}

// TestReadFull tests exact and short reads
func TestReadFull(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    int
		wantN   int
		wantErr error
	}{
		{"exact", "12345", 5, 5, nil},
		{"fewer requested", "1234567890", 4, 4, nil},
		{"short at eof", "123", 10, 3, io.EOF},
		{"empty source", "", 4, 0, io.EOF},
		{"zero length", "abc", 0, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream(strings.NewReader(tt.src), 2)
			p := make([]byte, tt.want)
			n, err := s.ReadFull(p)
			if n != tt.wantN {
				t.Errorf("Expected %d bytes, got %d", tt.wantN, n)
			}
			if err != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
			if !bytes.Equal(p[:n], []byte(tt.src)[:n]) {
				t.Errorf("Unexpected content %q", p[:n])
			}
		})
	}
}

// TestReadFull_AcrossRefills tests reads larger than the buffer
func TestReadFull_AcrossRefills(t *testing.T) {
	src := strings.Repeat("x", 100000)
	s := NewStream(strings.NewReader(src[:40000]), 0)

	p := make([]byte, len(src))
	n, err := s.ReadFull(p)
	if n != 40000 {
		t.Errorf("Expected 40000 bytes, got %d", n)
	}
	if err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

// TestReadFull_NoProgress tests a reader that never makes progress
func TestReadFull_NoProgress(t *testing.T) {
	s := NewStream(zeroReader{}, 0)
	_, err := s.ReadFull(make([]byte, 1))
	if err != io.ErrNoProgress {
		t.Errorf("Expected io.ErrNoProgress, got %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) { return 0, nil }
