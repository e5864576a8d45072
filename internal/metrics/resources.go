package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the supervised child.",
		}, []string{"service"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the supervised child.",
		}, []string{"service"},
	)
)

// ResourceUsage is a point-in-time sample of one child process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads CPU and memory for pid through gopsutil.
func SampleProcess(ctx context.Context, pid int) (ResourceUsage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("process %d: %w", pid, err)
	}
	u := ResourceUsage{PID: int32(pid), Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("memory info %d: %w", pid, err)
	}
	u.MemoryRSS = mem.RSS
	u.MemoryMB = float64(mem.RSS) / 1024 / 1024
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// SetResourceUsage publishes a sample to the per-service gauges.
func SetResourceUsage(service string, u ResourceUsage) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(service).Set(u.CPUPercent)
		memoryRSS.WithLabelValues(service).Set(float64(u.MemoryRSS))
	}
}
