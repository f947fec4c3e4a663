// Package hostmetrics samples host CPU and memory pressure so the run
// orchestrator can size the number of plugins it starts concurrently
// to what the machine can actually bear.
package hostmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host resource pressure.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	NumCPU        int
}

// Sample reads current CPU and memory utilization. CPU sampling blocks
// for up to the given window to compute a delta; pass a short window
// (e.g. 200ms) for a responsive but still meaningful reading. Either
// metric falls back to a runtime-only estimate if gopsutil can't read
// it (e.g. inside a restrictive container or an unsupported OS).
func Sample(ctx context.Context, window time.Duration) Snapshot {
	snap := Snapshot{NumCPU: runtime.NumCPU()}

	if percents, err := cpu.PercentWithContext(ctx, window, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else {
		snap.CPUPercent = float64(runtime.NumGoroutine()) / float64(snap.NumCPU*10) * 100
		if snap.CPUPercent > 100 {
			snap.CPUPercent = 100
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	} else {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		snap.MemoryPercent = float64(ms.Alloc) / float64(ms.Sys) * 100
	}

	return snap
}

// MaxConcurrentStarts caps how many plugin processes may be launched
// at once, scaling down from NumCPU as host pressure rises so a large
// policy file doesn't thrash a loaded machine starting every plugin
// subprocess at the same instant.
func (s Snapshot) MaxConcurrentStarts() int {
	n := s.NumCPU
	if n < 1 {
		n = 1
	}
	switch {
	case s.CPUPercent > 90 || s.MemoryPercent > 90:
		return 1
	case s.CPUPercent > 75 || s.MemoryPercent > 75:
		if n > 2 {
			n /= 2
		}
		return n
	default:
		return n
	}
}
