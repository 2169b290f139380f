package monitoring

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pulse-im/pulse-server/internal/types"
)

// SystemSampler periodically samples process resource usage into Stats
// and the Prometheus gauges. Stats feeds the /health endpoint.
type SystemSampler struct {
	stats    *types.Stats
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process
	stopChan chan struct{}
}

func NewSystemSampler(stats *types.Stats, logger zerolog.Logger, interval time.Duration) *SystemSampler {
	s := &SystemSampler{
		stats:    stats,
		logger:   logger.With().Str("component", "system_sampler").Logger(),
		interval: interval,
		stopChan: make(chan struct{}),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Process handle unavailable, using system-wide memory stats")
	} else {
		s.proc = proc
	}

	return s
}

// Start launches the sampling loop.
func (s *SystemSampler) Start() {
	go func() {
		defer RecoverPanic(s.logger, "systemSampler", nil)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sample()
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop terminates the sampling loop.
func (s *SystemSampler) Stop() {
	close(s.stopChan)
}

func (s *SystemSampler) sample() {
	var memBytes, cpuPercent float64

	if s.proc != nil {
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			memBytes = float64(memInfo.RSS)
		}
		// Percent(0) reports usage since the previous call.
		if pct, err := s.proc.Percent(0); err == nil {
			cpuPercent = pct
		}
	}

	if memBytes == 0 {
		if vmStat, err := mem.VirtualMemory(); err == nil {
			memBytes = float64(vmStat.Used)
		}
	}

	s.stats.Mu.Lock()
	s.stats.MemoryMB = memBytes / 1024 / 1024
	s.stats.CPUPercent = cpuPercent
	s.stats.Mu.Unlock()

	UpdateSystemMetrics(memBytes, cpuPercent, runtime.NumGoroutine())
}
