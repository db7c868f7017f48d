package worker

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// GuardConfig is the static configuration ResourceGuard enforces. Unlike
// the capacity estimators it replaces, it never auto-tunes itself from
// measurements — limits come from config and stay put until redeployed.
type GuardConfig struct {
	CPUPauseThreshold float64 // dispatch pauses above this CPU percent
	MemoryLimitBytes  int64   // dispatch pauses above this heap size
	DispatchRateLimit int     // messages/sec workers are allowed to pull
}

// ResourceGuard is consulted by the worker pool before every dispatch
// attempt; it never touches mailbox contents or ordering, only whether
// now is a good time to pull the next one.
type ResourceGuard struct {
	config GuardConfig
	logger zerolog.Logger

	dispatchLimiter *rate.Limiter

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
}

// NewResourceGuard returns a ResourceGuard for the given config.
func NewResourceGuard(config GuardConfig, logger zerolog.Logger) *ResourceGuard {
	limit := config.DispatchRateLimit
	if limit <= 0 {
		limit = 1 << 20 // effectively unlimited
	}
	g := &ResourceGuard{
		config:          config,
		logger:          logger.With().Str("component", "resource_guard").Logger(),
		dispatchLimiter: rate.NewLimiter(rate.Limit(limit), limit*2),
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// ShouldPause reports whether dispatch should back off this tick: CPU
// over threshold, heap over the configured limit, or the dispatch rate
// limiter has no tokens left.
func (g *ResourceGuard) ShouldPause() bool {
	if g.config.CPUPauseThreshold > 0 {
		if cpu := g.currentCPU.Load().(float64); cpu > g.config.CPUPauseThreshold {
			return true
		}
	}
	if g.config.MemoryLimitBytes > 0 {
		if mem := g.currentMemory.Load().(int64); mem > g.config.MemoryLimitBytes {
			return true
		}
	}
	return !g.dispatchLimiter.Allow()
}

// UpdateResources samples CPU and heap usage. Call it periodically (every
// few seconds) from StartMonitoring or your own ticker.
func (g *ResourceGuard) UpdateResources() {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		g.logger.Warn().Err(err).Msg("failed to sample cpu usage")
	} else if len(percents) > 0 {
		g.currentCPU.Store(percents[0])
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
}

// StartMonitoring samples resource usage on interval until ctx is done.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.UpdateResources()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CPUPercent returns the most recently sampled CPU usage percentage.
func (g *ResourceGuard) CPUPercent() float64 {
	return g.currentCPU.Load().(float64)
}

// MemoryBytes returns the most recently sampled heap size in bytes.
func (g *ResourceGuard) MemoryBytes() int64 {
	return g.currentMemory.Load().(int64)
}
