package relayproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Q1rD/relayproxy/internal/connection"
	"github.com/Q1rD/relayproxy/internal/dispatch"
	"github.com/Q1rD/relayproxy/internal/listener"
	"github.com/Q1rD/relayproxy/internal/metrics"
	"github.com/Q1rD/relayproxy/internal/relay"
	"github.com/Q1rD/relayproxy/internal/worker"
)

// Server is the main entry point for relayproxy. It accepts client
// connections on one listening socket and relays each client's GET request
// to its origin on a fixed pool of workers.
type Server struct {
	config *Config
	logger *slog.Logger

	// Core components
	dialer     *connection.Dialer
	handler    *relay.Handler
	workerPool *worker.Pool
	collector  *metrics.Collector

	mu       sync.Mutex
	listener *listener.Listener
	serving  bool
	closed   bool
	serveWG  sync.WaitGroup

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. Workers start immediately and wait for
// connections; nothing listens until Serve or ListenAndServe.
func New(config *Config, logger *slog.Logger) (*Server, error) {
	// 1. Apply defaults and validate
	if config == nil {
		config = DefaultConfig()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	// 2. Create origin dialer
	dialer := connection.NewDialer(&connection.DialerConfig{
		Port:        config.OriginPort,
		DialTimeout: config.DialTimeout,
		KeepAlive:   config.KeepAlive,
		NoDelay:     true,
	})

	// 3. Create relay handler
	handler := relay.NewHandler(&relay.Config{
		BufferSize:    config.BufferSize,
		MaxLineLength: config.MaxLineLength,
		MaxBodySize:   int64(config.MaxBodySize),
		IOTimeout:     config.IOTimeout,
		HeaderPolicy:  relay.HeaderPolicy(config.HeaderPolicy),
		Dialer:        dialer,
		Logger:        logger.With("component", "relay"),
	})

	// 4. Create worker pool
	wp := worker.NewPool(&worker.Config{
		NumWorkers: config.NumWorkers,
		Logger:     logger.With("component", "worker"),
	})

	// 5. Create metrics collector; the dispatcher joins it in Serve
	collector := metrics.NewCollector(wp, nil, handler, dialer)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:     config,
		logger:     logger,
		dialer:     dialer,
		handler:    handler,
		workerPool: wp,
		collector:  collector,
		ctx:        ctx,
		cancel:     cancel,
	}

	// 6. Start periodic stats logging (optional)
	if config.StatsInterval > 0 {
		s.wg.Add(1)
		go s.statsLoop()
	}

	return s, nil
}

// Serve dispatches connections arriving on listenFD, a non-blocking
// listening socket owned by the caller, until ctx is cancelled (nil is
// returned) or Close is called (ErrServerClosed is returned).
func (s *Server) Serve(ctx context.Context, listenFD int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.serving {
		s.mu.Unlock()
		return ErrAlreadyServing
	}

	d, err := dispatch.New(listenFD, s.workerPool, s.handle,
		&dispatch.Config{MaxEvents: s.config.MaxEvents},
		s.logger.With("component", "dispatch"))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create dispatcher: %w", err)
	}

	s.serving = true
	s.serveWG.Add(1)
	s.mu.Unlock()

	s.collector.SetDispatcher(d)

	defer func() {
		if err := d.Close(); err != nil {
			s.logger.Warn("dispatcher close failed", "error", err)
		}
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
		s.serveWG.Done()
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(s.ctx, stop)
	defer unhook()

	err = d.Run(runCtx)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	return nil
}

// ListenAndServe listens on config.ListenAddress and serves until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := listener.Listen(s.config.ListenAddress, s.config.Backlog)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.listener = nil
		s.mu.Unlock()
	}()

	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"workers", s.config.NumWorkers,
		"header_policy", s.config.HeaderPolicy,
	)

	return s.Serve(ctx, ln.FD())
}

// handle runs on a worker for each ready client descriptor
func (s *Server) handle(fd int) {
	s.handler.Serve(s.ctx, fd)
}

// Addr returns the address ListenAndServe is bound to, or nil when it is
// not listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns global server statistics
func (s *Server) Stats() *Stats {
	return s.collector.GetStats()
}

// statsLoop periodically logs server statistics
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Info("stats", "proxy", s.Stats())

		case <-s.ctx.Done():
			return
		}
	}
}

// Close gracefully shuts down the server. Serve returns, connections still
// queued are closed unserved, and relays already running finish first.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// 1. Cancel context, which stops the dispatcher
	s.cancel()
	s.serveWG.Wait()

	// 2. Stop worker pool (drops queued connections)
	s.workerPool.Stop()

	// 3. Stop stats loop
	s.wg.Wait()

	s.logger.Debug("server closed", "proxy", s.Stats())
	return nil
}

// Type aliases from metrics package
type Stats = metrics.Stats
