// Package telemetry collects host resource utilization for the worker's
// structured logs. The numbers stay operator-facing and never ride the
// wire protocol — HEARTBEAT deliberately stays minimal (worker id,
// timestamp, current job).
package telemetry

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Snapshot is one sample of host resource usage.
type Snapshot struct {
	CPUPercent float64
	MemPercent float64
}

// Collect samples current CPU and memory utilization over a short window.
func Collect(ctx context.Context) (Snapshot, error) {
	cpuPct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return Snapshot{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var c float64
	if len(cpuPct) > 0 {
		c = cpuPct[0]
	}
	return Snapshot{CPUPercent: c, MemPercent: vm.UsedPercent}, nil
}

// StartLogLoop logs a Snapshot on a fixed interval until ctx is done,
// at debug level — this is operator-facing telemetry, not wire traffic.
func StartLogLoop(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, err := Collect(ctx)
			if err != nil {
				logger.Debug("host telemetry collection failed", zap.Error(err))
				continue
			}
			logger.Debug("host telemetry",
				zap.Float64("cpu_percent", snap.CPUPercent),
				zap.Float64("mem_percent", snap.MemPercent),
			)
		case <-ctx.Done():
			return
		}
	}
}
