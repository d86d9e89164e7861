package rio

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// DefaultBufferSize is the read buffer capacity used when NewStream is
// given a non-positive size.
const DefaultBufferSize = 8192

// maxEmptyReads bounds consecutive (0, nil) reads before a refill gives up
const maxEmptyReads = 100

// Stream is a buffered reader exposing line reads and fixed-length reads
// over a single source. A Stream is owned by one goroutine.
type Stream struct {
	src io.Reader

	buf []byte
	pos int // next unread byte in buf
	cnt int // unread bytes starting at pos

	eof bool
}

// NewStream binds a new read buffer of the given capacity to src.
func NewStream(src io.Reader, size int) *Stream {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Stream{
		src: src,
		buf: make([]byte, size),
	}
}

// Buffered returns the number of bytes read from the source but not yet
// consumed.
func (s *Stream) Buffered() int {
	return s.cnt
}

// fill issues exactly one underlying read of buffer capacity when the
// buffer is empty. Interrupted reads are retried.
func (s *Stream) fill() error {
	if s.cnt > 0 {
		return nil
	}
	if s.eof {
		return io.EOF
	}

	for empty := 0; ; {
		n, err := s.src.Read(s.buf)
		if n > 0 {
			s.pos = 0
			s.cnt = n
			if err == io.EOF {
				s.eof = true
			}
			return nil
		}

		switch {
		case err == nil:
			empty++
			if empty >= maxEmptyReads {
				return io.ErrNoProgress
			}
		case errors.Is(err, unix.EINTR):
			// retry
		case err == io.EOF:
			s.eof = true
			return io.EOF
		default:
			return err
		}
	}
}

// read copies up to len(p) buffered bytes into p, refilling once if the
// buffer is empty.
func (s *Stream) read(p []byte) (int, error) {
	if err := s.fill(); err != nil {
		return 0, err
	}
	n := copy(p, s.buf[s.pos:s.pos+s.cnt])
	s.pos += n
	s.cnt -= n
	return n, nil
}

// ReadLine copies the next line, including its terminating '\n', into p.
// At most len(p)-1 bytes are copied and p[n] is set to 0, so the output is
// always NUL-terminated. A line longer than that is truncated without
// error; the remainder stays buffered for the next call.
//
// ReadLine returns 0, io.EOF only when the source is exhausted and no
// byte was produced by this call. A final line without '\n' is returned
// with a nil error. Any other read error is returned together with the
// number of bytes produced before it.
func (s *Stream) ReadLine(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	for n < len(p)-1 {
		if err := s.fill(); err != nil {
			p[n] = 0
			if err == io.EOF {
				if n == 0 {
					return 0, io.EOF
				}
				return n, nil
			}
			return n, err
		}

		c := s.buf[s.pos]
		s.pos++
		s.cnt--
		p[n] = c
		n++
		if c == '\n' {
			break
		}
	}

	p[n] = 0
	return n, nil
}

// ReadFull reads exactly len(p) bytes into p unless the source reaches
// end-of-file first, in which case it returns the shorter count together
// with io.EOF. It never reads past len(p).
func (s *Stream) ReadFull(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := s.read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
