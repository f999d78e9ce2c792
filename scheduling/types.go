package scheduling

import (
	"fmt"
	"strings"
	"time"
)

const (
	// PriorityRealtime is the highest priority level. Realtime tasks are
	// drained before anything else and may preempt lower-priority work.
	PriorityRealtime Priority = 0

	// PriorityHigh is the second-highest priority level.
	PriorityHigh Priority = 1

	// PriorityNormal is the default priority level for interactive requests.
	PriorityNormal Priority = 2

	// PriorityBatch is the lowest priority level. Batch tasks never preempt.
	PriorityBatch Priority = 3

	// MaxPriority is the numerically largest (i.e., least urgent) priority.
	MaxPriority = PriorityBatch

	// NumPriorityLevels is the number of distinct admission queues.
	NumPriorityLevels = int(MaxPriority) + 1
)

const (
	TaskQueued    TaskStatus = "Queued"
	TaskRunning   TaskStatus = "Running"
	TaskCompleted TaskStatus = "Completed"
	TaskFailed    TaskStatus = "Failed"
	TaskCancelled TaskStatus = "Cancelled"
)

const (
	HealthHealthy  HealthState = "Healthy"
	HealthDegraded HealthState = "Degraded"
	HealthFailed   HealthState = "Failed"
)

// Priority is the admission priority of a task. Smaller values are more
// urgent: 0 is realtime, 3 is batch.
type Priority int32

func (p Priority) Valid() bool {
	return p >= PriorityRealtime && p <= MaxPriority
}

func (p Priority) String() string {
	switch p {
	case PriorityRealtime:
		return "realtime"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name ("realtime", "high", "normal", "batch")
// to its Priority value.
func ParsePriority(name string) (Priority, error) {
	switch strings.ToLower(name) {
	case "realtime":
		return PriorityRealtime, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "batch":
		return PriorityBatch, nil
	default:
		return 0, fmt.Errorf("unknown priority level \"%s\"", name)
	}
}

// TaskStatus describes where a task currently is in its lifecycle.
// The legal transitions are Queued → Running → {Completed, Failed, Cancelled},
// plus Running → Queued when a task is preempted.
type TaskStatus string

func (s TaskStatus) String() string {
	return string(s)
}

// Terminal returns true if no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// HealthState describes the health of a single GPU device. Only Healthy
// devices are eligible for new allocations; Failed devices additionally have
// their running tasks reassigned by the failover controller.
type HealthState string

func (s HealthState) String() string {
	return string(s)
}

// TaskSpec carries the caller-supplied parameters of a submission.
type TaskSpec struct {
	// TaskType is the workload category, e.g. "image", "speech", or "video".
	TaskType string

	// Priority is the admission priority level.
	Priority Priority

	// VramBytes is the amount of GPU memory the task requires. The scheduler
	// never splits this requirement across multiple devices.
	VramBytes int64

	// EstimatedDuration is an optional hint about how long the task will run.
	// It is forwarded to the execution backend and used for scoring, never as
	// a completion signal.
	EstimatedDuration time.Duration

	// ExecutionTimeout, if positive, bounds how long the task may run before
	// it is marked Failed and its allocation is released.
	ExecutionTimeout time.Duration
}

// Task is the scheduler's record of a single unit of GPU work.
//
// The immutable identity fields (ID, TaskType, Priority, VramBytes, and the
// durations) may be read freely. The mutable lifecycle fields (Status, GpuID,
// StartedAt, Err, Retriable, Epoch) are owned by the admission manager and
// must only be touched while holding its task-table lock.
type Task struct {
	ID                string
	TaskType          string
	Priority          Priority
	VramBytes         int64
	EstimatedDuration time.Duration
	ExecutionTimeout  time.Duration
	CreatedAt         time.Time

	Status    TaskStatus
	GpuID     string
	StartedAt time.Time
	Err       error

	// Retriable indicates that a Failed task was a casualty of a device
	// failure rather than of its own execution, and may be resubmitted.
	Retriable bool

	// Epoch counts execution attempts. It is incremented whenever the task's
	// current attempt is invalidated (preemption, cancellation, failover) so
	// that a stale completion signal can be recognized and discarded.
	Epoch uint64
}

// TaskStatusInfo is the externally visible view of a task, returned by Status.
type TaskStatusInfo struct {
	TaskID    string        `json:"task_id"`
	Status    TaskStatus    `json:"status"`
	GpuID     string        `json:"gpu_id,omitempty"`
	WaitTime  time.Duration `json:"wait_time"`
	Error     string        `json:"error,omitempty"`
	Retriable bool          `json:"retriable,omitempty"`
}

// RunningTask is an immutable snapshot of a Running task, handed to the
// preemption planner so that it can score eviction candidates without
// touching the live task table.
type RunningTask struct {
	TaskID    string
	Priority  Priority
	VramBytes int64
	GpuID     string
	StartedAt time.Time
}

// TaskLease describes a single execution attempt handed to the execution
// backend. The Epoch ties the attempt to the scheduler's task record.
type TaskLease struct {
	TaskID            string
	TaskType          string
	GpuID             string
	VramBytes         int64
	EstimatedDuration time.Duration
	Epoch             uint64
}
