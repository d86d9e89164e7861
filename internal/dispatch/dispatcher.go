package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/Q1rD/relayproxy/internal/worker"
)

// Errors
var (
	// ErrListenerFailed is returned by Run when the listening socket reports
	// an error or hangup. The listener belongs to the caller and stays open.
	ErrListenerFailed = errors.New("listening socket failed")

	// ErrClosed is returned by Run after Close
	ErrClosed = errors.New("dispatcher is closed")
)

// DefaultMaxEvents is the readiness batch size of one wait
const DefaultMaxEvents = 1024

// Submitter accepts jobs for asynchronous execution
type Submitter interface {
	Submit(job worker.Job) error
}

// Config contains dispatcher configuration
type Config struct {
	// MaxEvents bounds the events returned by a single wait
	// Default: 1024
	MaxEvents int
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() *Config {
	return &Config{
		MaxEvents: DefaultMaxEvents,
	}
}

// Dispatcher waits on an edge-triggered epoll set holding the listening
// socket and accepted client sockets. New connections are accepted and
// registered; a readable client is removed from the set and handed to the
// pool as exactly one job. The loop itself never blocks on socket I/O.
type Dispatcher struct {
	listenFD  int
	epfd      int
	wakeFD    int
	maxEvents int

	pool   Submitter
	handle func(fd int)
	logger *slog.Logger

	mu      sync.Mutex
	clients map[int]struct{}
	closed  bool

	// Metrics (atomic for thread-safety)
	accepted     atomic.Int64
	dispatched   atomic.Int64
	dropped      atomic.Int64
	acceptErrors atomic.Int64
	submitErrors atomic.Int64
}

// New creates the epoll instance, registers listenFD for edge-triggered
// readability and returns a dispatcher ready to Run. listenFD must be a
// non-blocking listening socket. handle is called on a worker with each
// ready client descriptor and owns it from then on.
func New(listenFD int, pool Submitter, handle func(fd int), config *Config, logger *slog.Logger) (*Dispatcher, error) {
	if pool == nil || handle == nil {
		return nil, errors.New("dispatcher needs a pool and a handler")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxEvents := config.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	d := &Dispatcher{
		listenFD:  listenFD,
		epfd:      epfd,
		wakeFD:    wakeFD,
		maxEvents: maxEvents,
		pool:      pool,
		handle:    handle,
		logger:    logger,
		clients:   make(map[int]struct{}),
	}

	if err := d.add(wakeFD, unix.EPOLLIN); err != nil {
		d.closeFDs()
		return nil, err
	}
	if err := d.add(listenFD, unix.EPOLLIN|unix.EPOLLET); err != nil {
		d.closeFDs()
		return nil, fmt.Errorf("register listener: %w", err)
	}

	return d, nil
}

// Run processes readiness events until ctx is cancelled, in which case it
// returns nil. It returns ErrListenerFailed if the listening socket fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.isClosed() {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, d.wake)
	defer stop()

	events := make([]unix.EpollEvent, d.maxEvents)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(d.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return os.NewSyscallError("epoll_wait", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := events[i].Events

			switch fd {
			case d.wakeFD:
				d.drainWake()
			case d.listenFD:
				if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
					return fmt.Errorf("%w: events 0x%x", ErrListenerFailed, mask)
				}
				d.acceptAll()
			default:
				d.dispatch(fd, mask)
			}
		}
	}
}

// acceptAll accepts until the backlog is empty. With edge triggering the
// listener is not reported again until a new connection arrives, so
// stopping early would strand pending connections.
func (d *Dispatcher) acceptAll() {
	for {
		fd, _, err := unix.Accept4(d.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				d.acceptErrors.Add(1)
				d.logger.Warn("accept failed", "error", err)
				return
			}
		}

		d.accepted.Add(1)
		if err := d.register(fd); err != nil {
			d.acceptErrors.Add(1)
			d.logger.Warn("register client failed", "fd", fd, "error", err)
			closeFD(fd)
		}
	}
}

// dispatch hands a ready client to the pool. Error, hangup or any event
// without readability closes the client instead.
func (d *Dispatcher) dispatch(fd int, mask uint32) {
	d.unregister(fd)

	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 || mask&unix.EPOLLIN == 0 {
		d.dropped.Add(1)
		d.logger.Debug("dropping client", "fd", fd, "events", mask)
		closeFD(fd)
		return
	}

	job := worker.NewJob(
		func() { d.handle(fd) },
		func() { closeFD(fd) },
	)
	if err := d.pool.Submit(job); err != nil {
		d.submitErrors.Add(1)
		d.logger.Warn("submit failed", "fd", fd, "error", err)
		closeFD(fd)
		return
	}

	d.dispatched.Add(1)
}

func (d *Dispatcher) register(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.add(fd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		return err
	}
	d.clients[fd] = struct{}{}
	return nil
}

// unregister removes fd from the epoll set so it produces no further
// events while a worker owns it
func (d *Dispatcher) unregister(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		d.logger.Debug("epoll remove failed", "fd", fd, "error", err)
	}
	delete(d.clients, fd)
}

func (d *Dispatcher) add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// wake interrupts a blocked wait
func (d *Dispatcher) wake() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(d.wakeFD, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		d.logger.Debug("wake failed", "error", err)
	}
}

func (d *Dispatcher) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(d.wakeFD, buf[:])
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close releases the epoll instance and closes every client still
// registered. Call it after Run has returned. It is safe to call Close
// more than once; the listening socket is left open.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for fd := range d.clients {
		closeFD(fd)
		delete(d.clients, fd)
	}

	return d.closeFDs()
}

func (d *Dispatcher) closeFDs() error {
	var errs []error
	if err := unix.Close(d.epfd); err != nil {
		errs = append(errs, os.NewSyscallError("close epoll", err))
	}
	if err := unix.Close(d.wakeFD); err != nil {
		errs = append(errs, os.NewSyscallError("close eventfd", err))
	}
	return errors.Join(errs...)
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	registered := len(d.clients)
	d.mu.Unlock()

	return Stats{
		Accepted:     d.accepted.Load(),
		Dispatched:   d.dispatched.Load(),
		Dropped:      d.dropped.Load(),
		AcceptErrors: d.acceptErrors.Load(),
		SubmitErrors: d.submitErrors.Load(),
		Registered:   registered,
	}
}

// Stats contains dispatcher statistics
type Stats struct {
	Accepted     int64 // Connections accepted
	Dispatched   int64 // Jobs submitted to the pool
	Dropped      int64 // Clients closed on error or hangup
	AcceptErrors int64 // Hard accept or registration failures
	SubmitErrors int64 // Jobs the pool rejected
	Registered   int   // Clients currently waiting for data
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
