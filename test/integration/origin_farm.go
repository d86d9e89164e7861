package integration

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// FarmConfig configures the origin farm
type FarmConfig struct {
	NumOrigins      int           // Default: 20
	BaseLatency     time.Duration // Default: 5ms
	LatencyVariance time.Duration // Random +/- variance, default none
	SlowOriginRatio float64       // Share of origins answering with SlowLatency
	SlowLatency     time.Duration // Default: 100ms
}

// DefaultFarmConfig returns default configuration for an origin farm
func DefaultFarmConfig() FarmConfig {
	return FarmConfig{
		NumOrigins:  20,
		BaseLatency: 5 * time.Millisecond,
		SlowLatency: 100 * time.Millisecond,
	}
}

// FarmStats contains aggregate statistics for the entire farm
type FarmStats struct {
	TotalOrigins  int
	TotalRequests int64
}

// OriginFarm manages many mock origins so that one proxy run fans out to
// distinct hosts
type OriginFarm struct {
	Config  FarmConfig
	Origins []*MockOrigin

	mu     sync.Mutex
	closed bool
}

// NewOriginFarm creates a new origin farm
func NewOriginFarm(config FarmConfig) *OriginFarm {
	defaults := DefaultFarmConfig()
	if config.NumOrigins == 0 {
		config.NumOrigins = defaults.NumOrigins
	}
	if config.BaseLatency == 0 {
		config.BaseLatency = defaults.BaseLatency
	}
	if config.SlowLatency == 0 {
		config.SlowLatency = defaults.SlowLatency
	}

	return &OriginFarm{
		Config:  config,
		Origins: make([]*MockOrigin, 0, config.NumOrigins),
	}
}

// Start starts all origins in the farm
func (f *OriginFarm) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.Origins) > 0 {
		return fmt.Errorf("farm already started")
	}

	numSlow := int(float64(f.Config.NumOrigins) * f.Config.SlowOriginRatio)

	for i := 0; i < f.Config.NumOrigins; i++ {
		latency := f.Config.BaseLatency
		if i < numSlow {
			latency = f.Config.SlowLatency
		} else if f.Config.LatencyVariance > 0 {
			varianceRange := int(f.Config.LatencyVariance * 2)
			latency += time.Duration(rand.Intn(varianceRange)) - f.Config.LatencyVariance
		}

		f.Origins = append(f.Origins, NewMockOrigin(max(latency, 0)))
	}

	return nil
}

// Stop stops all origins in the farm
func (f *OriginFarm) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	for _, origin := range f.Origins {
		origin.Stop()
	}

	f.closed = true
}

// URLs returns the base URL of every origin
func (f *OriginFarm) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	urls := make([]string, len(f.Origins))
	for i, origin := range f.Origins {
		urls[i] = origin.URL
	}
	return urls
}

// GetTotalStats returns aggregate statistics for the entire farm
func (f *OriginFarm) GetTotalStats() FarmStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := FarmStats{TotalOrigins: len(f.Origins)}
	for _, origin := range f.Origins {
		stats.TotalRequests += origin.GetRequestCount()
	}
	return stats
}
