package pool

import (
	"fmt"
	"time"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

// Device is the registry's record of a single GPU. All fields are guarded by
// the owning Registry's mutex; external readers receive DeviceSnapshot copies.
type Device struct {
	// ID is the stable, human-readable device identifier, e.g. "GPU-3".
	ID string

	// Index is the hardware enumeration index of the device.
	Index int

	// TotalVramBytes is the device's VRAM capacity.
	TotalVramBytes int64

	// usedVramBytes is the VRAM currently committed to running tasks. This is
	// scheduler-side accounting; it is independent of the memory usage the
	// hardware reports via telemetry.
	usedVramBytes int64

	// nvlinkPeers holds the enumeration indices of NVLink-connected devices.
	nvlinkPeers []int

	health scheduling.HealthState

	// activeTasks maps a running task's id to the VRAM committed for it.
	activeTasks map[string]int64

	// Telemetry, refreshed by the health monitor's sampling loop.
	utilizationPct float64
	temperature    float64
	hwMemUsedBytes uint64

	// errorCount is the rolling count of telemetry errors observed since the
	// device last transitioned to Healthy.
	errorCount int

	// failedAt records when the device last transitioned to Failed.
	failedAt time.Time

	// healthyStreak counts consecutive healthy telemetry samples; used to
	// gate recovery of a Failed device.
	healthyStreak int
}

func newDevice(index int, totalVram int64, peers []int) *Device {
	return &Device{
		ID:             fmt.Sprintf("GPU-%d", index),
		Index:          index,
		TotalVramBytes: totalVram,
		nvlinkPeers:    peers,
		health:         scheduling.HealthHealthy,
		activeTasks:    make(map[string]int64),
	}
}

func (d *Device) freeVram() int64 {
	return d.TotalVramBytes - d.usedVramBytes
}

// DeviceSnapshot is an immutable copy of a Device's state, safe to use
// without holding the registry lock.
type DeviceSnapshot struct {
	ID              string                 `json:"id"`
	Index           int                    `json:"index"`
	TotalVramBytes  int64                  `json:"total_vram_bytes"`
	UsedVramBytes   int64                  `json:"used_vram_bytes"`
	FreeVramBytes   int64                  `json:"free_vram_bytes"`
	Health          scheduling.HealthState `json:"health"`
	ActiveTaskIDs   []string               `json:"active_task_ids"`
	NvlinkPeerCount int                    `json:"nvlink_peer_count"`
	UtilizationPct  float64                `json:"utilization_pct"`
	Temperature     float64                `json:"temperature"`
	HwMemUsedBytes  uint64                 `json:"hw_mem_used_bytes"`
	ErrorCount      int                    `json:"error_count"`
	FailedAt        time.Time              `json:"failed_at,omitempty"`
	HealthyStreak   int                    `json:"healthy_streak"`
}

func (d *Device) snapshot() DeviceSnapshot {
	taskIds := make([]string, 0, len(d.activeTasks))
	for taskId := range d.activeTasks {
		taskIds = append(taskIds, taskId)
	}

	return DeviceSnapshot{
		ID:              d.ID,
		Index:           d.Index,
		TotalVramBytes:  d.TotalVramBytes,
		UsedVramBytes:   d.usedVramBytes,
		FreeVramBytes:   d.freeVram(),
		Health:          d.health,
		ActiveTaskIDs:   taskIds,
		NvlinkPeerCount: len(d.nvlinkPeers),
		UtilizationPct:  d.utilizationPct,
		Temperature:     d.temperature,
		HwMemUsedBytes:  d.hwMemUsedBytes,
		ErrorCount:      d.errorCount,
		FailedAt:        d.failedAt,
		HealthyStreak:   d.healthyStreak,
	}
}
