package integration

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RawOriginConfig configures a scripted origin
type RawOriginConfig struct {
	Name     string        // e.g., "short-body"
	Latency  time.Duration // Delay between reading the request and answering
	Response string        // Bytes written verbatim before closing
}

// RawOriginStats contains statistics for a scripted origin
type RawOriginStats struct {
	RequestCount int64
	LastRequest  string
}

// RawOrigin is a TCP origin that answers every connection with a fixed byte
// sequence, including malformed or truncated responses an HTTP server
// library would refuse to produce
type RawOrigin struct {
	Config RawOriginConfig
	Addr   string

	ln net.Listener

	// Statistics (atomic for thread-safety)
	requestCount atomic.Int64

	mu          sync.Mutex
	lastRequest string
	closed      bool
	wg          sync.WaitGroup
}

// NewRawOrigin starts a scripted origin on a loopback port
func NewRawOrigin(config RawOriginConfig) (*RawOrigin, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	ro := &RawOrigin{
		Config: config,
		Addr:   ln.Addr().String(),
		ln:     ln,
	}

	ro.wg.Add(1)
	go ro.acceptLoop()

	return ro, nil
}

func (ro *RawOrigin) acceptLoop() {
	defer ro.wg.Done()

	for {
		conn, err := ro.ln.Accept()
		if err != nil {
			return
		}

		ro.wg.Add(1)
		go func() {
			defer ro.wg.Done()
			ro.serve(conn)
		}()
	}
}

// serve reads the request head, then writes the scripted response
func (ro *RawOrigin) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	var head strings.Builder
	for {
		line, err := br.ReadString('\n')
		head.WriteString(line)
		if err != nil || line == "\r\n" {
			break
		}
	}

	ro.requestCount.Add(1)
	ro.mu.Lock()
	ro.lastRequest = head.String()
	ro.mu.Unlock()

	if ro.Config.Latency > 0 {
		time.Sleep(ro.Config.Latency)
	}

	_, _ = io.WriteString(conn, ro.Config.Response)
}

// Stats returns current statistics for the origin
func (ro *RawOrigin) Stats() RawOriginStats {
	ro.mu.Lock()
	defer ro.mu.Unlock()

	return RawOriginStats{
		RequestCount: ro.requestCount.Load(),
		LastRequest:  ro.lastRequest,
	}
}

// Stop stops the origin and waits for in-flight connections
func (ro *RawOrigin) Stop() {
	ro.mu.Lock()
	if ro.closed {
		ro.mu.Unlock()
		return
	}
	ro.closed = true
	ro.mu.Unlock()

	_ = ro.ln.Close()
	ro.wg.Wait()
}
