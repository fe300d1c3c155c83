package resources

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metric keys reported alongside every training iteration.
const (
	RAMUtilPercent = "perf/ram_util_percent"
	CPUUtilPercent = "perf/cpu_util_percent"
)

// Usage is a point-in-time view of host utilization.
type Usage struct {
	RAMUtilPercent float64
	CPUUtilPercent float64
	RAMUsedBytes   uint64
	RAMTotalBytes  uint64
}

// Metrics flattens the usage into iteration metric keys.
func (u Usage) Metrics() map[string]float64 {
	return map[string]float64{
		RAMUtilPercent: u.RAMUtilPercent,
		CPUUtilPercent: u.CPUUtilPercent,
	}
}

// Sampler reports host utilization.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler reads utilization from the local host via gopsutil.
type HostSampler struct {
	// CPUWindow is how long CPU usage is measured over. Zero compares
	// against the previous call.
	CPUWindow time.Duration
}

// NewHostSampler creates a sampler with a short CPU window.
func NewHostSampler() *HostSampler {
	return &HostSampler{CPUWindow: 100 * time.Millisecond}
}

// Sample implements Sampler.
func (s *HostSampler) Sample(ctx context.Context) (Usage, error) {
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read memory usage: %w", err)
	}

	usage := Usage{
		RAMUtilPercent: vmem.UsedPercent,
		RAMUsedBytes:   vmem.Used,
		RAMTotalBytes:  vmem.Total,
	}

	// CPU is best effort; a missing reading must not fail the iteration.
	if cpuPercent, err := cpu.PercentWithContext(ctx, s.CPUWindow, false); err == nil && len(cpuPercent) > 0 {
		usage.CPUUtilPercent = cpuPercent[0]
	}

	return usage, nil
}

// Static is a Sampler returning a fixed reading.
type Static Usage

// Sample implements Sampler.
func (s Static) Sample(ctx context.Context) (Usage, error) {
	return Usage(s), nil
}
