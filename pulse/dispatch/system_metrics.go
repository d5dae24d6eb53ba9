package dispatch

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/agentpulse/errors"
)

// SystemMetrics is a point-in-time view of the dispatcher and host memory
type SystemMetrics struct {
	ClaimsActive    int     `json:"claims_active"`    // Jobs executing in this process
	ClaimsMax       int     `json:"claims_max"`       // Concurrency cap
	ActiveResources []int64 `json:"active_resources"` // Resource ids currently claimed
	MemoryUsedGB    float64 `json:"memory_used_gb"`
	MemoryTotalGB   float64 `json:"memory_total_gb"`
	MemoryPercent   float64 `json:"memory_percent"`
}

// MemoryStatsFunc returns total and available memory in bytes
type MemoryStatsFunc func() (total uint64, available uint64, err error)

func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

func memoryPercent(stats MemoryStatsFunc) (usedGB, totalGB, percent float64, err error) {
	total, available, err := stats()
	if err != nil || total == 0 {
		return 0, 0, 0, err
	}
	const gb = 1024 * 1024 * 1024
	totalGB = float64(total) / gb
	usedGB = float64(total-available) / gb
	return usedGB, totalGB, usedGB / totalGB * 100, nil
}

// SystemMetrics returns current claims and host memory usage
func (d *Dispatcher) SystemMetrics() SystemMetrics {
	resources, max := d.claims.snapshot()
	metrics := SystemMetrics{
		ClaimsActive:    len(resources),
		ClaimsMax:       max,
		ActiveResources: resources,
	}

	// Memory figures stay zero if the host can't report them
	if d.memStats == nil {
		return metrics
	}
	if used, total, pct, err := memoryPercent(d.memStats); err == nil {
		metrics.MemoryUsedGB = used
		metrics.MemoryTotalGB = total
		metrics.MemoryPercent = pct
	}
	return metrics
}
