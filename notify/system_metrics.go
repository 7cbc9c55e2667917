package notify

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage alongside queue depth for the
// dashboard status panel
type SystemMetrics struct {
	QueuePending  int     `json:"queue_pending"`
	QueueDead     int     `json:"queue_dead"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// GetSystemMetrics returns current system resource usage.
// Metric collection failures degrade to zeros rather than erroring;
// the status endpoint must stay up even when /proc is unreadable.
func (q *Queue) GetSystemMetrics() SystemMetrics {
	var metrics SystemMetrics

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		metrics.MemoryTotalGB = float64(vm.Total) / 1024 / 1024 / 1024
		metrics.MemoryUsedGB = float64(vm.Used) / 1024 / 1024 / 1024
		metrics.MemoryPercent = vm.UsedPercent
	}

	counts, err := q.store.Counts()
	if err != nil {
		return metrics
	}
	metrics.QueuePending = counts[StatusPending] + counts[StatusFailed]
	metrics.QueueDead = counts[StatusDead]

	return metrics
}
