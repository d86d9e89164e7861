package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrOriginUnreachable indicates that no resolved address of an origin
// accepted a connection.
var ErrOriginUnreachable = errors.New("origin unreachable")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DialerConfig contains configuration for origin connections
type DialerConfig struct {
	// Port is used when the origin host carries no explicit port
	// Default: 80
	Port int

	// Timeouts
	DialTimeout time.Duration // per address, 0 = no limit
	KeepAlive   time.Duration

	// TCP
	NoDelay bool

	// Resolver for origin hostnames (nil = net.DefaultResolver)
	Resolver Resolver
}

// DefaultDialerConfig returns default origin dialer configuration
func DefaultDialerConfig() *DialerConfig {
	return &DialerConfig{
		Port:        80,
		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,
		NoDelay:     true,
	}
}

// Dialer opens blocking TCP connections to origin servers
type Dialer struct {
	port     string
	resolver Resolver
	dialer   *net.Dialer

	// Metrics (atomic for thread-safety)
	dials    atomic.Int64
	failures atomic.Int64
	attempts atomic.Int64
}

// NewDialer creates an origin dialer
func NewDialer(config *DialerConfig) *Dialer {
	if config == nil {
		config = DefaultDialerConfig()
	}

	port := config.Port
	if port <= 0 {
		port = 80
	}

	resolver := config.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	noDelay := config.NoDelay
	return &Dialer{
		port:     strconv.Itoa(port),
		resolver: resolver,
		dialer: &net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
			Control: func(network, address string, c syscall.RawConn) error {
				return socketControl(c, noDelay)
			},
		},
	}
}

// Dial resolves host (optionally "host:port") and tries each address in
// order until one connect succeeds.
func (d *Dialer) Dial(ctx context.Context, host string) (net.Conn, error) {
	d.dials.Add(1)

	name, port, err := net.SplitHostPort(host)
	if err != nil {
		name, port = host, d.port
		if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
			name = name[1 : len(name)-1]
		}
	}

	addrs, err := d.resolver.LookupHost(ctx, name)
	if err != nil {
		d.failures.Add(1)
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrOriginUnreachable, name, err)
	}
	if len(addrs) == 0 {
		d.failures.Add(1)
		return nil, fmt.Errorf("%w: %s has no addresses", ErrOriginUnreachable, name)
	}

	var errs []error
	for _, addr := range addrs {
		d.attempts.Add(1)
		conn, err := d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}

	d.failures.Add(1)
	return nil, fmt.Errorf("%w: %s: %w", ErrOriginUnreachable, name, errors.Join(errs...))
}

// GetStats returns dialer statistics
func (d *Dialer) GetStats() DialerStats {
	return DialerStats{
		Dials:    d.dials.Load(),
		Failures: d.failures.Load(),
		Attempts: d.attempts.Load(),
	}
}

// DialerStats contains dialer statistics
type DialerStats struct {
	Dials    int64 // Dial calls
	Failures int64 // Dial calls where every address failed
	Attempts int64 // Individual address connect attempts
}

// socketControl sets TCP socket options on origin sockets
func socketControl(c syscall.RawConn, noDelay bool) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		if noDelay {
			// TCP_NODELAY - requests are written in one piece
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				sockErr = err
				return
			}
		}

		// Keepalive tuning may fail on non-Linux systems, so we ignore errors
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	})

	if err != nil {
		return err
	}

	return sockErr
}
