package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

// Registry is the source of truth for GPU inventory and VRAM accounting.
// It enforces the capacity invariant: the sum of VRAM committed to tasks on a
// device never exceeds the device's total VRAM.
//
// All methods are safe for concurrent use.
type Registry struct {
	log logger.Logger

	mu sync.Mutex

	// devices is keyed by device id and preserves enumeration order, so that
	// snapshots and logs list devices deterministically.
	devices *orderedmap.OrderedMap[string, *Device]

	// allocations maps a running task's id to the id of the device hosting it.
	allocations map[string]string

	metrics scheduling.MetricsProvider
}

// NewRegistry enumerates the pool through the given telemetry provider and
// builds a registry with one entry per device. The metrics provider may be nil.
func NewRegistry(telemetry scheduling.TelemetryProvider, metrics scheduling.MetricsProvider) (*Registry, error) {
	registry := &Registry{
		devices:     orderedmap.NewOrderedMap[string, *Device](),
		allocations: make(map[string]string),
		metrics:     metrics,
	}
	config.InitLogger(&registry.log, registry)

	numDevices, err := telemetry.DeviceCount()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate GPU devices")
	}

	for i := 0; i < numDevices; i++ {
		total, _, err := telemetry.MemoryInfo(i)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query memory of device %d", i)
		}

		peers, err := telemetry.TopologyPeers(i)
		if err != nil {
			registry.log.Warn("Could not resolve NVLink peers of device %d: %v. Continuing without affinity data.", i, err)
			peers = nil
		}

		device := newDevice(i, int64(total), peers)
		registry.devices.Set(device.ID, device)

		registry.log.Debug("Registered device %s with %d bytes of VRAM and %d NVLink peer(s).",
			device.ID, device.TotalVramBytes, len(peers))
	}

	registry.log.Info("GPU pool registry initialized with %d device(s).", registry.devices.Len())

	return registry, nil
}

// Size returns the number of devices in the pool, regardless of health.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.devices.Len()
}

// Allocate selects the best healthy device with at least task.VramBytes free
// and commits the allocation. Candidates are ordered by NVLink peer count
// (descending), then free VRAM (descending), then active task count
// (ascending), then device id (ascending), which makes placement fully
// deterministic for a given pool state.
//
// Returns ErrInsufficientResources when no healthy device can fit the task.
func (r *Registry) Allocate(task *scheduling.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Device
	for el := r.devices.Front(); el != nil; el = el.Next() {
		device := el.Value
		if device.health == scheduling.HealthHealthy && device.freeVram() >= task.VramBytes {
			candidates = append(candidates, device)
		}
	}

	if len(candidates) == 0 {
		return "", scheduling.ErrInsufficientResources
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.nvlinkPeers) != len(b.nvlinkPeers) {
			return len(a.nvlinkPeers) > len(b.nvlinkPeers)
		}
		if a.freeVram() != b.freeVram() {
			return a.freeVram() > b.freeVram()
		}
		if len(a.activeTasks) != len(b.activeTasks) {
			return len(a.activeTasks) < len(b.activeTasks)
		}
		return a.ID < b.ID
	})

	device := candidates[0]
	r.commitLocked(device, task)

	return device.ID, nil
}

// AllocateOn commits the task onto the specified device, bypassing candidate
// selection. Used by the preemption executor and the failover path, which have
// already decided where the task must go. The device must be healthy and must
// have enough free VRAM.
func (r *Registry) AllocateOn(gpuID string, task *scheduling.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices.Get(gpuID)
	if !ok {
		return scheduling.ErrDeviceNotFound
	}

	if device.health != scheduling.HealthHealthy {
		return scheduling.ErrInsufficientResources
	}

	if device.freeVram() < task.VramBytes {
		return scheduling.ErrInsufficientResources
	}

	r.commitLocked(device, task)

	return nil
}

func (r *Registry) commitLocked(device *Device, task *scheduling.Task) {
	device.usedVramBytes += task.VramBytes
	device.activeTasks[task.ID] = task.VramBytes
	r.allocations[task.ID] = device.ID

	if r.metrics != nil {
		r.metrics.SetDeviceActiveTasks(device.ID, len(device.activeTasks))
	}

	r.log.Debug("Committed %d bytes of VRAM on device %s for task %s. Device now has %d byte(s) free across %d active task(s).",
		task.VramBytes, device.ID, task.ID, device.freeVram(), len(device.activeTasks))
}

// Release returns the VRAM held by the given task to its device. Releasing a
// task with no allocation is a no-op, so callers on the completion, eviction,
// and cancellation paths do not need to coordinate with one another.
//
// Release reports the device the task was on and the amount of VRAM freed.
func (r *Registry) Release(taskID string) (gpuID string, freedVram int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID, ok := r.allocations[taskID]
	if !ok {
		return "", 0
	}

	delete(r.allocations, taskID)

	device, ok := r.devices.Get(deviceID)
	if !ok {
		return "", 0
	}

	freedVram = device.activeTasks[taskID]
	delete(device.activeTasks, taskID)
	device.usedVramBytes -= freedVram

	if r.metrics != nil {
		r.metrics.SetDeviceActiveTasks(device.ID, len(device.activeTasks))
	}

	r.log.Debug("Released %d bytes of VRAM on device %s previously held by task %s.", freedVram, device.ID, taskID)

	return device.ID, freedVram
}

// MarkHealth transitions a device to the given health state. Entering Failed
// stamps the failure time; returning to Healthy clears the error count and
// the healthy sample streak.
func (r *Registry) MarkHealth(gpuID string, state scheduling.HealthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices.Get(gpuID)
	if !ok {
		return scheduling.ErrDeviceNotFound
	}

	if device.health == state {
		return nil
	}

	r.log.Warn("Device %s transitioning from %s to %s.", gpuID, device.health, state)

	device.health = state
	switch state {
	case scheduling.HealthFailed:
		device.failedAt = time.Now()
		device.healthyStreak = 0
	case scheduling.HealthHealthy:
		device.errorCount = 0
		device.healthyStreak = 0
	}

	return nil
}

// UpdateTelemetry records a telemetry sample for the device. A sample with a
// temperature below the given warning threshold extends the device's healthy
// streak; anything else resets it.
func (r *Registry) UpdateTelemetry(gpuID string, utilizationPct float64, temperature float64, hwMemUsed uint64, tempWarnThreshold float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices.Get(gpuID)
	if !ok {
		return scheduling.ErrDeviceNotFound
	}

	device.utilizationPct = utilizationPct
	device.temperature = temperature
	device.hwMemUsedBytes = hwMemUsed

	if temperature < tempWarnThreshold {
		device.healthyStreak++
	} else {
		device.healthyStreak = 0
	}

	return nil
}

// RecordDeviceError increments the device's telemetry error count and resets
// its healthy streak, returning the new count.
func (r *Registry) RecordDeviceError(gpuID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices.Get(gpuID)
	if !ok {
		return 0, scheduling.ErrDeviceNotFound
	}

	device.errorCount++
	device.healthyStreak = 0

	return device.errorCount, nil
}

// Snapshot returns an immutable copy of every device's state, in enumeration
// order.
func (r *Registry) Snapshot() []DeviceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make([]DeviceSnapshot, 0, r.devices.Len())
	for el := r.devices.Front(); el != nil; el = el.Next() {
		snapshots = append(snapshots, el.Value.snapshot())
	}

	return snapshots
}

// SnapshotDevice returns an immutable copy of a single device's state.
func (r *Registry) SnapshotDevice(gpuID string) (DeviceSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices.Get(gpuID)
	if !ok {
		return DeviceSnapshot{}, scheduling.ErrDeviceNotFound
	}

	return device.snapshot(), nil
}

// TasksOn returns the ids of tasks currently allocated on the given device.
func (r *Registry) TasksOn(gpuID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices.Get(gpuID)
	if !ok {
		return nil
	}

	taskIds := make([]string, 0, len(device.activeTasks))
	for taskId := range device.activeTasks {
		taskIds = append(taskIds, taskId)
	}

	return taskIds
}
