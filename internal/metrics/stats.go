package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Q1rD/relayproxy/internal/connection"
	"github.com/Q1rD/relayproxy/internal/dispatch"
	"github.com/Q1rD/relayproxy/internal/relay"
	"github.com/Q1rD/relayproxy/internal/worker"
)

// Sources the collector reads from. Any of them may be nil.
type (
	PoolSource interface {
		GetStats() worker.PoolStats
	}
	DispatchSource interface {
		GetStats() dispatch.Stats
	}
	RelaySource interface {
		GetStats() relay.Stats
	}
	DialSource interface {
		GetStats() connection.DialerStats
	}
)

// Stats contains a snapshot of proxy statistics
type Stats struct {
	Pool     worker.PoolStats
	Dispatch dispatch.Stats
	Relay    relay.Stats
	Dial     connection.DialerStats

	// Uptime
	Uptime time.Duration
}

// FailureRate returns the share of relayed requests that did not end in
// a forwarded response
func (s *Stats) FailureRate() float64 {
	if s.Relay.Requests == 0 {
		return 0
	}
	failed := s.Relay.Requests - s.Relay.Forwarded
	return float64(failed) / float64(s.Relay.Requests)
}

// LogValue renders the snapshot as a flat group for periodic stats logs
func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("uptime", s.Uptime.Round(time.Second)),
		slog.Int("workers", s.Pool.LiveWorkers),
		slog.Int("executing", s.Pool.Executing),
		slog.Int("queued", s.Pool.QueueSize),
		slog.Int("waiting", s.Dispatch.Registered),
		slog.String("accepted", humanize.Comma(s.Dispatch.Accepted)),
		slog.String("requests", humanize.Comma(s.Relay.Requests)),
		slog.String("forwarded", humanize.Comma(s.Relay.Forwarded)),
		slog.Int64("rejected", s.Relay.Rejected),
		slog.Int64("origin_failures", s.Relay.OriginFailures),
		slog.Int64("aborted", s.Relay.ClientAborts+s.Relay.OriginAborts),
		slog.String("body_bytes", humanize.Bytes(uint64(max(s.Relay.BytesForwarded, 0)))),
		slog.Int64("dial_attempts", s.Dial.Attempts),
		slog.String("failure_rate", humanize.FormatFloat("#.##", s.FailureRate()*100)+"%"),
	)
}

// Collector collects metrics from the proxy components
type Collector struct {
	mu       sync.RWMutex
	dispatch DispatchSource

	pool      PoolSource
	relay     RelaySource
	dial      DialSource
	startTime time.Time
}

// NewCollector creates a new metrics collector
func NewCollector(pool PoolSource, dispatcher DispatchSource, relayer RelaySource, dialer DialSource) *Collector {
	return &Collector{
		pool:      pool,
		dispatch:  dispatcher,
		relay:     relayer,
		dial:      dialer,
		startTime: time.Now(),
	}
}

// SetDispatcher attaches the dispatcher once it exists
func (c *Collector) SetDispatcher(dispatcher DispatchSource) {
	c.mu.Lock()
	c.dispatch = dispatcher
	c.mu.Unlock()
}

// GetStats returns current statistics
func (c *Collector) GetStats() *Stats {
	stats := &Stats{
		Uptime: time.Since(c.startTime),
	}

	if c.pool != nil {
		stats.Pool = c.pool.GetStats()
	}
	c.mu.RLock()
	if c.dispatch != nil {
		stats.Dispatch = c.dispatch.GetStats()
	}
	c.mu.RUnlock()
	if c.relay != nil {
		stats.Relay = c.relay.GetStats()
	}
	if c.dial != nil {
		stats.Dial = c.dial.GetStats()
	}

	return stats
}
