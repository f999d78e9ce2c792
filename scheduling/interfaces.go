package scheduling

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/promise"
)

// TelemetryProvider is the narrow hardware contract the scheduler depends
// upon. The production implementation is backed by NVML; tests and local
// deployments use a simulated pool. Device indices are stable for the
// lifetime of the process.
type TelemetryProvider interface {
	// DeviceCount returns the number of GPU devices in the pool.
	DeviceCount() (int, error)

	// MemoryInfo returns the total and currently used device memory in bytes.
	MemoryInfo(index int) (total uint64, used uint64, err error)

	// Utilization returns the device's compute utilization as a percentage.
	Utilization(index int) (float64, error)

	// Temperature returns the device temperature in degrees celsius.
	Temperature(index int) (float64, error)

	// TopologyPeers returns the indices of devices connected to the given
	// device via NVLink. Used only as a placement affinity signal.
	TopologyPeers(index int) ([]int, error)
}

// ExecutionBackend represents the external ML inference engines. The
// scheduler only tracks occupancy: Execute returns a promise that the backend
// resolves once the attempt reaches a terminal outcome. The scheduler never
// polls for completion and never inspects the generated media.
type ExecutionBackend interface {
	// Execute begins executing the leased task on its assigned device and
	// returns a completion promise. The promise resolves with a nil error on
	// success and a non-nil error on failure.
	Execute(lease *TaskLease) (promise.Promise, error)

	// Abandon informs the backend that the scheduler no longer accounts for
	// the identified execution attempt (preemption, cancellation, failover,
	// or timeout). The epoch scopes the abandonment to that one attempt: if
	// the task has since been relaunched under a newer epoch, Abandon is a
	// no-op, so a stale caller can never invalidate a live attempt. The
	// backend cannot forcibly kill in-flight compute; Abandon only stops the
	// bookkeeping.
	Abandon(taskID string, epoch uint64)
}

// AllocationEngine places a pending task onto a device, falling back to
// preemption-based backfilling when the task's priority permits it.
type AllocationEngine interface {
	// Place attempts to find a device for the task and commits the
	// allocation in the pool registry on success, returning the device id.
	// It returns ErrInsufficientResources when neither a direct fit nor a
	// viable preemption plan exists, and ErrPreemptionFailed when an
	// accepted plan could not be applied.
	Place(ctx context.Context, task *Task) (gpuID string, err error)
}

// RunningTaskProvider yields a snapshot of all currently Running tasks.
// Implemented by the admission manager; consumed by the preemption planner.
type RunningTaskProvider interface {
	RunningTasks() []RunningTask
}

// EvictionHandler carries out preemptions. EvictRunningTask releases the
// victim's allocation and invalidates its current attempt, but does NOT
// requeue it; the caller requeues each evicted victim via RequeueEvicted only
// after the preempting task has claimed the freed capacity. This keeps the
// scheduling workers from re-placing a victim into the gap it just vacated.
type EvictionHandler interface {
	// EvictRunningTask reports the amount of VRAM actually freed. It fails
	// with ErrTaskNotFound when the victim reached a terminal state (or was
	// itself evicted) concurrently.
	EvictRunningTask(taskID string) (freedVram int64, err error)

	// RequeueEvicted returns a previously evicted task to the tail of its
	// original priority queue, with no priority boost.
	RequeueEvicted(taskID string)
}

// FailoverHandler reacts to a device being marked Failed by reassigning the
// device's running tasks onto the remaining healthy pool.
type FailoverHandler interface {
	HandleDeviceFailure(gpuID string)
}

// MetricsProvider is the typed observability surface used by the core
// components. Implementations must be safe for concurrent use. Components
// treat a nil provider as "metrics disabled".
type MetricsProvider interface {
	SetDeviceUtilization(gpuID string, pct float64)
	SetDeviceMemory(gpuID string, usedBytes float64, totalBytes float64)
	SetDeviceTemperature(gpuID string, celsius float64)
	SetDeviceActiveTasks(gpuID string, numTasks int)

	SetQueueDepth(priority Priority, depth int)
	SetQueueOldestWait(priority Priority, wait time.Duration)

	ObserveAllocationLatency(priority Priority, latency time.Duration)
	IncrementPreemptionAttempts(success bool)
	IncrementDeviceFailures()
}

// MetricsSink is the generic export contract offered to upstream consumers
// that do not want the typed surface.
type MetricsSink interface {
	Gauge(name string, labels map[string]string, value float64)
	Histogram(name string, labels map[string]string, value float64)
	Counter(name string, labels map[string]string, delta float64)
}
