package backend

import (
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/atomic"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

// SimulatedBackend is an ExecutionBackend for local deployments and tests.
// Each Execute registers a completion promise keyed by task id; the promise
// is resolved either explicitly through Complete, or automatically after the
// task's estimated duration when auto-completion is enabled (demo mode).
type SimulatedBackend struct {
	log logger.Logger

	handles cmap.ConcurrentMap[string, attempt]

	// sink, when set, receives generic execution counters.
	sink scheduling.MetricsSink

	// totalExecutions counts every attempt ever handed to the backend,
	// including attempts that were later abandoned.
	totalExecutions atomic.Int64

	autoComplete bool
}

// attempt pairs a completion promise with the epoch of the lease that created
// it, so that an abandonment can be scoped to exactly one execution attempt.
type attempt struct {
	handle *promise.ChannelPromise
	epoch  uint64
}

func NewSimulatedBackend(autoComplete bool) *SimulatedBackend {
	backend := &SimulatedBackend{
		handles:      cmap.New[attempt](),
		autoComplete: autoComplete,
	}
	config.InitLogger(&backend.log, backend)

	return backend
}

// SetMetricsSink attaches a generic metrics sink to which the backend
// publishes per-task-type execution counters. Must be called before Execute.
func (b *SimulatedBackend) SetMetricsSink(sink scheduling.MetricsSink) {
	b.sink = sink
}

// Execute implements scheduling.ExecutionBackend.
func (b *SimulatedBackend) Execute(lease *scheduling.TaskLease) (promise.Promise, error) {
	handle := promise.NewChannelPromise()
	b.handles.Set(lease.TaskID, attempt{handle: handle, epoch: lease.Epoch})
	b.totalExecutions.Inc()

	if b.sink != nil {
		b.sink.Counter("backend_executions_total", map[string]string{"task_type": lease.TaskType}, 1)
	}

	b.log.Debug("Executing task %s on device %s (attempt %d).", lease.TaskID, lease.GpuID, lease.Epoch)

	if b.autoComplete {
		duration := lease.EstimatedDuration
		if duration < 0 {
			duration = 0
		}

		time.AfterFunc(duration, func() {
			_ = b.Complete(lease.TaskID, nil)
		})
	}

	return handle, nil
}

// Complete resolves the completion promise of the task's current attempt. A
// nil execErr marks the attempt successful.
func (b *SimulatedBackend) Complete(taskID string, execErr error) error {
	current, ok := b.handles.Pop(taskID)
	if !ok {
		return scheduling.ErrTaskNotFound
	}

	_, err := current.handle.Resolve(taskID, execErr)

	return err
}

// Abandon implements scheduling.ExecutionBackend. The promise of the attempt
// with the matching epoch is resolved with ErrAttemptAbandoned so that any
// watcher still blocked on it unblocks; the scheduler discards the signal as
// stale. An epoch mismatch means the task was relaunched since the caller
// last saw it, and the live attempt is left untouched.
func (b *SimulatedBackend) Abandon(taskID string, epoch uint64) {
	var handle *promise.ChannelPromise
	removed := b.handles.RemoveCb(taskID, func(key string, current attempt, exists bool) bool {
		if exists && current.epoch == epoch {
			handle = current.handle
			return true
		}
		return false
	})
	if !removed {
		return
	}

	_, _ = handle.Resolve(taskID, scheduling.ErrAttemptAbandoned)

	b.log.Debug("Abandoned attempt %d of task %s.", epoch, taskID)
}

// InFlight returns the number of attempts with unresolved promises.
func (b *SimulatedBackend) InFlight() int {
	return b.handles.Count()
}

// TotalExecutions returns the number of attempts ever handed to the backend.
func (b *SimulatedBackend) TotalExecutions() int64 {
	return b.totalExecutions.Load()
}
