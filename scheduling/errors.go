package scheduling

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrQueueFull is returned by Submit when the target priority queue is
	// still at capacity once the admission timeout has elapsed. This is the
	// system's backpressure mechanism.
	ErrQueueFull = status.Error(codes.ResourceExhausted, "admission queue is full; submission timed out")

	// ErrInsufficientResources indicates that no healthy device can satisfy
	// the request and that no viable preemption plan exists.
	ErrInsufficientResources = status.Error(codes.ResourceExhausted, "insufficient GPU resources available")

	// ErrTaskNotFound is returned for unknown task ids and for tasks that
	// have already reached a terminal state.
	ErrTaskNotFound = status.Error(codes.NotFound, "task not found")

	ErrInvalidPriority     = status.Error(codes.InvalidArgument, "unknown priority level")
	ErrInvalidVramRequest  = status.Error(codes.InvalidArgument, "requested VRAM amount is invalid")
	ErrVramCeilingExceeded = status.Error(codes.InvalidArgument, "requested VRAM exceeds the configured ceiling for the task type")

	// ErrPreemptionFailed indicates that an accepted preemption plan could
	// not be applied in full. Already-evicted victims are re-admitted through
	// the normal allocation path (best effort).
	ErrPreemptionFailed = errors.New("preemption plan execution failed")

	// ErrExecutionTimeout indicates that a task exceeded its caller-supplied
	// execution timeout and was forcibly released.
	ErrExecutionTimeout = errors.New("task execution timed out")

	// ErrDeviceFailed indicates that the task's device was marked Failed by
	// the health monitor and no replacement device could be found.
	ErrDeviceFailed = errors.New("device was marked as failed by the health monitor")

	// ErrAttemptAbandoned resolves the completion promise of an execution
	// attempt that the scheduler no longer accounts for.
	ErrAttemptAbandoned = errors.New("execution attempt abandoned")

	ErrDeviceNotFound  = errors.New("the specified device cannot be found")
	ErrSchedulerClosed = errors.New("the scheduler has been stopped")
)
