package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Q1rD/relayproxy/internal/connection"
	"github.com/Q1rD/relayproxy/internal/rio"
)

// HeaderPolicy selects how client request headers reach the origin
type HeaderPolicy string

const (
	// HeadersVerbatim forwards every client header line unchanged
	HeadersVerbatim HeaderPolicy = "verbatim"

	// HeadersRecomputeLength drops client Content-Length lines and, when
	// the client sent one, forwards "Content-Length: 0", the length of the
	// GET body the proxy actually sends.
	HeadersRecomputeLength HeaderPolicy = "recompute-length"
)

// Valid reports whether p names a known policy
func (p HeaderPolicy) Valid() bool {
	return p == HeadersVerbatim || p == HeadersRecomputeLength
}

const (
	defaultMaxLineLength = 8192
	defaultMaxBodySize   = 16 << 20
	bodyChunkSize        = 32 << 10
)

// Dialer opens a connection to an origin given "host" or "host:port"
type Dialer interface {
	Dial(ctx context.Context, host string) (net.Conn, error)
}

// Config contains relay configuration
type Config struct {
	// BufferSize is the read buffer capacity for each leg
	// Default: 8192
	BufferSize int

	// MaxLineLength sizes the buffer each line is read through; longer
	// lines are read in pieces and rejoined. A whole head is capped at 1 MiB.
	// Default: 8192
	MaxLineLength int

	// MaxBodySize bounds the response body forwarded to the client
	// Default: 16 MiB
	MaxBodySize int64

	// IOTimeout bounds each blocking read or write on either leg
	// Default: 0 (no timeout)
	IOTimeout time.Duration

	// HeaderPolicy selects request header handling
	// Default: HeadersVerbatim
	HeaderPolicy HeaderPolicy

	// Dialer connects to origins (nil = connection.NewDialer(nil))
	Dialer Dialer

	// Logger receives diagnostics (nil = slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns default relay configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize:    rio.DefaultBufferSize,
		MaxLineLength: defaultMaxLineLength,
		MaxBodySize:   defaultMaxBodySize,
		HeaderPolicy:  HeadersVerbatim,
	}
}

// Handler relays one GET request per client connection. It holds no
// per-connection state and is safe for concurrent use.
type Handler struct {
	bufferSize    int
	maxLineLength int
	maxBodySize   int64
	ioTimeout     time.Duration
	headerPolicy  HeaderPolicy

	dialer Dialer
	logger *slog.Logger

	// Metrics (atomic for thread-safety)
	requests       atomic.Int64
	forwarded      atomic.Int64
	rejected       atomic.Int64
	originFailures atomic.Int64
	clientAborts   atomic.Int64
	originAborts   atomic.Int64
	bytesForwarded atomic.Int64
}

// NewHandler creates a relay handler
func NewHandler(config *Config) *Handler {
	if config == nil {
		config = DefaultConfig()
	}

	h := &Handler{
		bufferSize:    config.BufferSize,
		maxLineLength: config.MaxLineLength,
		maxBodySize:   config.MaxBodySize,
		ioTimeout:     config.IOTimeout,
		headerPolicy:  config.HeaderPolicy,
		dialer:        config.Dialer,
		logger:        config.Logger,
	}

	if h.bufferSize <= 0 {
		h.bufferSize = rio.DefaultBufferSize
	}
	if h.maxLineLength < 2 {
		h.maxLineLength = defaultMaxLineLength
	}
	if h.maxBodySize <= 0 {
		h.maxBodySize = defaultMaxBodySize
	}
	if !h.headerPolicy.Valid() {
		h.headerPolicy = HeadersVerbatim
	}
	if h.dialer == nil {
		h.dialer = connection.NewDialer(nil)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	return h
}

// Serve relays a request on the client descriptor fd and closes it.
// The descriptor is switched to blocking mode first: the relay reads a
// whole request in one invocation.
func (h *Handler) Serve(ctx context.Context, fd int) {
	client := rio.FD(fd)
	defer func() {
		if err := client.Close(); err != nil {
			h.logger.Debug("close client", "fd", fd, "error", err)
		}
	}()

	if err := client.SetNonblock(false); err != nil {
		h.clientAborts.Add(1)
		h.logger.Warn("client socket setup failed", "fd", fd, "error", err)
		return
	}
	if h.ioTimeout > 0 {
		if err := client.SetTimeout(h.ioTimeout); err != nil {
			h.logger.Warn("client socket timeout not applied", "fd", fd, "error", err)
		}
	}

	if err := h.Relay(ctx, client); err != nil {
		h.logFailure(fd, err)
	}
}

// Relay reads one request from client, forwards it to the origin and
// relays the response back. It returns nil when the response was relayed,
// otherwise an error wrapping one of ErrUnsupported, ErrClientIO,
// ErrOriginUnreachable or ErrOriginProtocol. The caller closes client.
func (h *Handler) Relay(ctx context.Context, client io.ReadWriter) error {
	h.requests.Add(1)

	in := rio.NewStream(client, h.bufferSize)
	line := make([]byte, h.maxLineLength)

	budget := maxHeadBytes
	requestLine, err := readLine(in, line, &budget)
	if err != nil {
		h.clientAborts.Add(1)
		return fmt.Errorf("%w: read request line: %w", ErrClientIO, err)
	}

	req, err := ParseRequestLine(requestLine)
	if err == nil && !strings.EqualFold(req.Method, http.MethodGet) {
		err = fmt.Errorf("%w: method %s", ErrUnsupported, req.Method)
	}
	var target Target
	if err == nil {
		target, err = ParseTarget(req.Target)
	}
	if err != nil {
		h.rejected.Add(1)
		if werr := WriteError(client, http.StatusNotImplemented, req.Method, "Unsupported Request"); werr != nil {
			h.logger.Debug("write error page", "error", werr)
		}
		return err
	}

	h.logger.Debug("relaying request", "host", target.Host, "path", target.Path)

	reqHead, err := readHead(in, line, &budget)
	if err != nil {
		h.clientAborts.Add(1)
		return fmt.Errorf("%w: read request headers: %w", ErrClientIO, err)
	}

	conn, err := h.dialer.Dial(ctx, target.Host)
	if err != nil {
		h.originFailures.Add(1)
		if !errors.Is(err, ErrOriginUnreachable) {
			err = fmt.Errorf("%w: %w", ErrOriginUnreachable, err)
		}
		if werr := WriteError(client, http.StatusBadGateway, target.Host, "Origin Unreachable"); werr != nil {
			h.logger.Debug("write error page", "error", werr)
		}
		return err
	}
	defer func() { _ = conn.Close() }()

	var origin io.ReadWriter = conn
	if h.ioTimeout > 0 {
		origin = &deadlineConn{Conn: conn, timeout: h.ioTimeout}
	}

	if _, err := io.WriteString(origin, h.buildRequest(target.Path, reqHead)); err != nil {
		h.originAborts.Add(1)
		return fmt.Errorf("%w: send request: %w", ErrOriginProtocol, err)
	}

	out := rio.NewStream(origin, h.bufferSize)

	budget = maxHeadBytes
	statusLine, err := readLine(out, line, &budget)
	if err != nil {
		h.originAborts.Add(1)
		return fmt.Errorf("%w: read status line: %w", ErrOriginProtocol, err)
	}

	respHead, err := readHead(out, line, &budget)
	if err != nil {
		h.originAborts.Add(1)
		return fmt.Errorf("%w: read response headers: %w", ErrOriginProtocol, err)
	}

	if _, err := io.WriteString(client, statusLine+respHead.String()); err != nil {
		h.clientAborts.Add(1)
		return fmt.Errorf("%w: write response head: %w", ErrClientIO, err)
	}

	if respHead.hasLength {
		limit := min(respHead.contentLength, h.maxBodySize)
		written, err := copyBody(client, out, limit)
		h.bytesForwarded.Add(written)
		if err != nil {
			if errors.Is(err, ErrClientIO) {
				h.clientAborts.Add(1)
			} else {
				h.originAborts.Add(1)
			}
			return err
		}
		if written < respHead.contentLength {
			h.logger.Debug("forwarded partial body",
				"host", target.Host,
				"declared", respHead.contentLength,
				"forwarded", written,
			)
		}
	}

	h.forwarded.Add(1)
	return nil
}

// buildRequest reconstructs the origin request: an origin-relative
// HTTP/1.0 start line, the client's header lines per policy, and the
// blank-line terminator.
func (h *Handler) buildRequest(path string, head header) string {
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(path)
	b.WriteString(" HTTP/1.0\r\n")

	dropped := false
	for _, line := range head.lines {
		if h.headerPolicy == HeadersRecomputeLength && isContentLength(line) {
			dropped = true
			continue
		}
		b.WriteString(line)
	}
	if dropped {
		b.WriteString("Content-Length: 0\r\n")
	}

	b.WriteString("\r\n")
	return b.String()
}

// logFailure reports a failed relay at a level matching its class
func (h *Handler) logFailure(fd int, err error) {
	switch {
	case errors.Is(err, ErrUnsupported):
		h.logger.Info("rejected request", "fd", fd, "error", err)
	case errors.Is(err, ErrOriginUnreachable):
		h.logger.Warn("origin unreachable", "fd", fd, "error", err)
	case isExpectedClose(err):
		h.logger.Debug("connection closed early", "fd", fd, "error", err)
	default:
		h.logger.Warn("relay failed", "fd", fd, "error", err)
	}
}

// GetStats returns relay statistics
func (h *Handler) GetStats() Stats {
	return Stats{
		Requests:       h.requests.Load(),
		Forwarded:      h.forwarded.Load(),
		Rejected:       h.rejected.Load(),
		OriginFailures: h.originFailures.Load(),
		ClientAborts:   h.clientAborts.Load(),
		OriginAborts:   h.originAborts.Load(),
		BytesForwarded: h.bytesForwarded.Load(),
	}
}

// Stats contains relay statistics
type Stats struct {
	Requests       int64 // Relay invocations
	Forwarded      int64 // Responses relayed to the client
	Rejected       int64 // 501 pages sent
	OriginFailures int64 // 502 pages sent
	ClientAborts   int64 // Client leg failures
	OriginAborts   int64 // Origin leg failures after connect
	BytesForwarded int64 // Response body bytes written to clients
}

// header is an ordered block of CRLF-terminated header lines
type header struct {
	lines         []string
	contentLength int64
	hasLength     bool
}

// String returns the header lines followed by the blank-line terminator
func (h header) String() string {
	return strings.Join(h.lines, "") + "\r\n"
}

// maxHeadBytes bounds the bytes read for one request or response head
const maxHeadBytes = 1 << 20

var errHeadTooLarge = errors.New("head exceeds 1 MiB")

// readLine returns the next whole line, joining the pieces ReadLine
// splits a line longer than buf into. budget is decremented by the line
// length. End of stream mid-line returns the partial line.
func readLine(s *rio.Stream, buf []byte, budget *int) (string, error) {
	var b strings.Builder
	for {
		n, err := s.ReadLine(buf)
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return b.String(), nil
			}
			return b.String(), err
		}

		*budget -= n
		if *budget < 0 {
			return b.String(), errHeadTooLarge
		}
		b.Write(buf[:n])
		if n > 0 && buf[n-1] == '\n' {
			return b.String(), nil
		}
	}
}

// readHead accumulates header lines verbatim until a bare CRLF at the
// start of a line. End of stream before the terminator is an error.
func readHead(s *rio.Stream, buf []byte, budget *int) (header, error) {
	var h header
	for {
		line, err := readLine(s, buf, budget)
		if err != nil {
			return h, err
		}
		if line == "\r\n" {
			return h, nil
		}
		if !strings.HasSuffix(line, "\n") {
			return h, io.ErrUnexpectedEOF
		}

		if isContentLength(line) {
			if length, ok := parseContentLength(line); ok {
				h.contentLength = length
				h.hasLength = true
			}
		}
		h.lines = append(h.lines, line)
	}
}

// isContentLength matches the header name case-insensitively
func isContentLength(line string) bool {
	name, _, ok := strings.Cut(line, ":")
	return ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length")
}

func parseContentLength(line string) (int64, bool) {
	_, value, _ := strings.Cut(line, ":")
	length, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || length < 0 {
		return 0, false
	}
	return length, true
}

// copyBody forwards up to n bytes from src to dst in chunks. Only bytes
// actually read are written. End of stream before n bytes is not an
// error; the short count is returned.
func copyBody(dst io.Writer, src *rio.Stream, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}

	buf := make([]byte, min(n, bodyChunkSize))
	var written int64
	for written < n {
		chunk := buf[:min(int64(len(buf)), n-written)]
		m, err := src.ReadFull(chunk)
		if m > 0 {
			if _, werr := dst.Write(chunk[:m]); werr != nil {
				return written, fmt.Errorf("%w: write body: %w", ErrClientIO, werr)
			}
			written += int64(m)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("%w: read body: %w", ErrOriginProtocol, err)
		}
	}
	return written, nil
}

// deadlineConn bounds each Read and Write on an origin connection
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
