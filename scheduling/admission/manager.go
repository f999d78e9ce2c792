package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"github.com/google/uuid"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/pool"
)

// Manager owns the task table and the priority queues. Every task record is
// created by Submit and mutated only while holding the manager's lock, which
// is what makes the lifecycle invariants (a task is Running iff it holds a
// device, a task id sits in at most one queue) enforceable in one place.
//
// The manager implements scheduling.RunningTaskProvider for the preemption
// planner, scheduling.EvictionHandler for plan execution, and
// scheduling.FailoverHandler for the health monitor.
type Manager struct {
	log logger.Logger

	opts *scheduling.AdmissionOptions

	registry *pool.Registry
	backend  scheduling.ExecutionBackend
	metrics  scheduling.MetricsProvider

	// engine is injected via SetEngine after construction, as the allocation
	// engine itself depends on this manager (for eviction callbacks).
	engine scheduling.AllocationEngine

	mu    sync.Mutex
	tasks map[string]*scheduling.Task

	queues *multiQueue

	startOnce sync.Once
	closeOnce sync.Once
	workers   sync.WaitGroup
	closed    chan struct{}
}

func NewManager(registry *pool.Registry, backend scheduling.ExecutionBackend, metrics scheduling.MetricsProvider, opts *scheduling.AdmissionOptions) *Manager {
	manager := &Manager{
		opts:     opts,
		registry: registry,
		backend:  backend,
		metrics:  metrics,
		tasks:    make(map[string]*scheduling.Task),
		queues:   newMultiQueue(opts.QueueCapacity),
		closed:   make(chan struct{}),
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// SetEngine wires in the allocation engine. Must be called before Start.
func (m *Manager) SetEngine(engine scheduling.AllocationEngine) {
	m.engine = engine
}

// Start launches the scheduling workers: WorkersPerPriority goroutines per
// priority level, each draining its own queue.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		for p := scheduling.PriorityRealtime; p <= scheduling.MaxPriority; p++ {
			for i := 0; i < m.opts.WorkersPerPriority; i++ {
				m.workers.Add(1)
				go func(priority scheduling.Priority) {
					defer m.workers.Done()
					m.runWorker(priority)
				}(p)
			}
		}

		m.log.Info("Admission manager started %d worker(s) across %d priority level(s).",
			m.opts.WorkersPerPriority*scheduling.NumPriorityLevels, scheduling.NumPriorityLevels)
	})
}

// Close stops the workers. Queued tasks are left in the task table; running
// tasks are not interrupted.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.queues.close()
		m.workers.Wait()
	})
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Submit validates the submission, creates the task record, and enqueues the task
// id into its priority queue. Submit blocks while the queue is full, up to
// the admission timeout (or the context deadline, whichever is earlier), and
// then fails with ErrQueueFull.
func (m *Manager) Submit(ctx context.Context, spec *scheduling.TaskSpec) (string, error) {
	if m.isClosed() {
		return "", scheduling.ErrSchedulerClosed
	}

	if !spec.Priority.Valid() {
		return "", scheduling.ErrInvalidPriority
	}

	if spec.VramBytes <= 0 {
		return "", scheduling.ErrInvalidVramRequest
	}

	if spec.VramBytes > m.opts.VramCeiling(spec.TaskType) {
		return "", scheduling.ErrVramCeilingExceeded
	}

	now := time.Now()
	task := &scheduling.Task{
		ID:                uuid.NewString(),
		TaskType:          spec.TaskType,
		Priority:          spec.Priority,
		VramBytes:         spec.VramBytes,
		EstimatedDuration: spec.EstimatedDuration,
		ExecutionTimeout:  spec.ExecutionTimeout,
		CreatedAt:         now,
		Status:            scheduling.TaskQueued,
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	deadline := now.Add(m.opts.AdmissionTimeout())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := m.queues.enqueue(task.ID, task.Priority, deadline); err != nil {
		m.mu.Lock()
		delete(m.tasks, task.ID)
		m.mu.Unlock()

		m.log.Warn("Rejecting %s-priority task of type \"%s\": %v.", task.Priority, task.TaskType, err)

		return "", err
	}

	m.log.Debug("Admitted task %s (type=\"%s\", priority=%s, vram=%d).", task.ID, task.TaskType, task.Priority, task.VramBytes)

	return task.ID, nil
}

// Status returns the externally visible view of a task.
func (m *Manager) Status(taskID string) (*scheduling.TaskStatusInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, scheduling.ErrTaskNotFound
	}

	info := &scheduling.TaskStatusInfo{
		TaskID:    task.ID,
		Status:    task.Status,
		GpuID:     task.GpuID,
		Retriable: task.Retriable,
	}

	if task.StartedAt.IsZero() {
		info.WaitTime = time.Since(task.CreatedAt)
	} else {
		info.WaitTime = task.StartedAt.Sub(task.CreatedAt)
	}

	if task.Err != nil {
		info.Error = task.Err.Error()
	}

	return info, nil
}

// Cancel aborts a task. A Queued task is removed from its queue; a Running
// task has its allocation released and its current attempt abandoned. Tasks
// that are unknown or already terminal yield ErrTaskNotFound, which makes a
// second Cancel of the same task safe.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status.Terminal() {
		m.mu.Unlock()
		return scheduling.ErrTaskNotFound
	}

	wasRunning := task.Status == scheduling.TaskRunning

	if wasRunning {
		m.registry.Release(taskID)
	} else {
		m.queues.remove(taskID)
	}

	task.Status = scheduling.TaskCancelled
	task.GpuID = ""
	cancelledEpoch := task.Epoch
	task.Epoch++

	m.mu.Unlock()

	if wasRunning {
		m.backend.Abandon(taskID, cancelledEpoch)
	}

	m.log.Debug("Cancelled task %s (was running: %v).", taskID, wasRunning)

	return nil
}

// RunningTasks implements scheduling.RunningTaskProvider.
func (m *Manager) RunningTasks() []scheduling.RunningTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	var running []scheduling.RunningTask
	for _, task := range m.tasks {
		if task.Status != scheduling.TaskRunning {
			continue
		}

		running = append(running, scheduling.RunningTask{
			TaskID:    task.ID,
			Priority:  task.Priority,
			VramBytes: task.VramBytes,
			GpuID:     task.GpuID,
			StartedAt: task.StartedAt,
		})
	}

	return running
}

// EvictRunningTask implements scheduling.EvictionHandler. The victim's
// allocation is released and its current attempt invalidated; the task stays
// Queued but off-queue until the caller invokes RequeueEvicted, so that the
// preempting task can claim the freed VRAM first.
func (m *Manager) EvictRunningTask(taskID string) (int64, error) {
	m.mu.Lock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status != scheduling.TaskRunning {
		m.mu.Unlock()
		return 0, scheduling.ErrTaskNotFound
	}

	_, freed := m.registry.Release(taskID)

	evictedEpoch := task.Epoch
	task.Epoch++
	task.Status = scheduling.TaskQueued
	task.GpuID = ""
	task.StartedAt = time.Time{}

	m.mu.Unlock()

	m.backend.Abandon(taskID, evictedEpoch)

	m.log.Info("Evicted task %s, freeing %d byte(s) of VRAM.", taskID, freed)

	return freed, nil
}

// RequeueEvicted implements scheduling.EvictionHandler. The evicted task
// returns to the tail of its own priority queue with no priority boost.
func (m *Manager) RequeueEvicted(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	stillQueued := ok && task.Status == scheduling.TaskQueued
	priority := scheduling.PriorityBatch
	if ok {
		priority = task.Priority
	}
	m.mu.Unlock()

	if !stillQueued {
		// Cancelled between eviction and requeue.
		return
	}

	m.queues.forceEnqueue(taskID, priority)

	m.log.Debug("Evicted task %s returned to the tail of the %s queue.", taskID, priority)
}

// HandleDeviceFailure implements scheduling.FailoverHandler. Every task
// running on the failed device is released and re-placed on the remaining
// healthy pool; a task that cannot be re-placed is marked Failed with
// retriable=true, since its compute state cannot be hot-migrated.
func (m *Manager) HandleDeviceFailure(gpuID string) {
	m.mu.Lock()

	var affected []*scheduling.Task
	for _, task := range m.tasks {
		if task.Status == scheduling.TaskRunning && task.GpuID == gpuID {
			affected = append(affected, task)
		}
	}

	abandonedEpochs := make(map[string]uint64, len(affected))
	for _, task := range affected {
		m.registry.Release(task.ID)
		abandonedEpochs[task.ID] = task.Epoch
		task.Epoch++
		task.Status = scheduling.TaskQueued
		task.GpuID = ""
		task.StartedAt = time.Time{}
	}

	m.mu.Unlock()

	if len(affected) == 0 {
		return
	}

	m.log.Warn("Device %s failed with %d task(s) running on it. Attempting reassignment.", gpuID, len(affected))

	for _, task := range affected {
		m.backend.Abandon(task.ID, abandonedEpochs[task.ID])

		newGpuID, err := m.engine.Place(context.Background(), task)
		if err != nil {
			m.log.Error("Could not reassign task %s off of failed device %s: %v.", task.ID, gpuID, err)
			m.failTask(task.ID, scheduling.ErrDeviceFailed, true)
			continue
		}

		m.log.Info("Reassigned task %s from failed device %s to device %s.", task.ID, gpuID, newGpuID)

		m.launch(task, newGpuID)
	}
}

func (m *Manager) failTask(taskID string, cause error, retriable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return
	}

	task.Status = scheduling.TaskFailed
	task.Err = cause
	task.Retriable = retriable
	task.GpuID = ""
}

// PublishQueueMetrics pushes the current depth and oldest wait of every
// priority queue to the metrics provider.
func (m *Manager) PublishQueueMetrics() {
	if m.metrics == nil {
		return
	}

	for p := scheduling.PriorityRealtime; p <= scheduling.MaxPriority; p++ {
		m.metrics.SetQueueDepth(p, m.queues.depth(p))
		m.metrics.SetQueueOldestWait(p, m.queues.oldestWait(p))
	}
}

// QueueDepth returns the number of tasks waiting at the given priority.
func (m *Manager) QueueDepth(priority scheduling.Priority) int {
	return m.queues.depth(priority)
}

func (m *Manager) runWorker(priority scheduling.Priority) {
	for {
		entry, ok := m.queues.dequeue(priority)
		if !ok {
			return
		}

		m.schedule(entry.taskID)
	}
}

// schedule drives one placement attempt for a dequeued task.
func (m *Manager) schedule(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != scheduling.TaskQueued {
		// Cancelled between enqueue and dequeue.
		m.mu.Unlock()
		return
	}
	priority := task.Priority
	m.mu.Unlock()

	gpuID, err := m.engine.Place(context.Background(), task)
	if err != nil {
		if errors.Is(err, scheduling.ErrPreemptionFailed) {
			// An accepted preemption plan fell apart mid-application. That is
			// a scheduling failure, not a capacity shortage; surface it as a
			// terminal status instead of retrying forever.
			m.log.Error("Failing task %s: %v.", taskID, err)
			m.failTask(taskID, err, false)

			return
		}

		if !errors.Is(err, scheduling.ErrInsufficientResources) {
			m.log.Error("Placement of task %s failed: %v.", taskID, err)
		}

		// The pool is full (or in flux). Return the task to the tail of its
		// queue after a short backoff instead of blocking this worker.
		m.requeueLater(taskID, priority)

		return
	}

	m.launch(task, gpuID)
}

func (m *Manager) requeueLater(taskID string, priority scheduling.Priority) {
	time.AfterFunc(m.opts.RequeueBackoff(), func() {
		if m.isClosed() {
			return
		}

		m.mu.Lock()
		task, ok := m.tasks[taskID]
		stillQueued := ok && task.Status == scheduling.TaskQueued
		m.mu.Unlock()

		if stillQueued {
			m.queues.forceEnqueue(taskID, priority)
		}
	})
}

// launch transitions the task to Running on the given device and hands its
// lease to the execution backend. The caller must have already committed the
// allocation in the registry.
func (m *Manager) launch(task *scheduling.Task, gpuID string) {
	m.mu.Lock()

	if task.Status != scheduling.TaskQueued {
		// Cancelled while the placement was in flight; undo the allocation.
		m.mu.Unlock()
		m.registry.Release(task.ID)
		return
	}

	task.Status = scheduling.TaskRunning
	task.GpuID = gpuID
	task.StartedAt = time.Now()

	lease := &scheduling.TaskLease{
		TaskID:            task.ID,
		TaskType:          task.TaskType,
		GpuID:             gpuID,
		VramBytes:         task.VramBytes,
		EstimatedDuration: task.EstimatedDuration,
		Epoch:             task.Epoch,
	}
	timeout := task.ExecutionTimeout

	m.mu.Unlock()

	handle, err := m.backend.Execute(lease)
	if err != nil {
		m.log.Error("Execution backend refused task %s: %v.", task.ID, err)
		m.completeAttempt(task.ID, lease.Epoch, err)
		return
	}

	m.mu.Lock()
	invalidated := task.Status != scheduling.TaskRunning || task.Epoch != lease.Epoch
	m.mu.Unlock()

	if invalidated {
		// A cancellation (or failover) landed while Execute was registering
		// the attempt, so its Abandon found nothing to resolve. Abandon again
		// now that the attempt exists, or its promise would never settle.
		m.backend.Abandon(task.ID, lease.Epoch)
		return
	}

	m.log.Debug("Task %s is now running on device %s (attempt %d).", task.ID, gpuID, lease.Epoch)

	go m.watchCompletion(task.ID, lease.Epoch, handle, timeout)
}

// watchCompletion waits for the backend to resolve the attempt's completion
// promise. When the task carries an execution timeout and the promise does
// not resolve in time, the attempt is abandoned and the task marked Failed
// with ErrExecutionTimeout.
func (m *Manager) watchCompletion(taskID string, epoch uint64, handle promise.Promise, timeout time.Duration) {
	if timeout > 0 {
		if err := handle.Timeout(timeout); errors.Is(err, promise.ErrTimeout) {
			m.backend.Abandon(taskID, epoch)
			m.completeAttempt(taskID, epoch, scheduling.ErrExecutionTimeout)
			return
		}
	}

	m.completeAttempt(taskID, epoch, handle.Error())
}

// completeAttempt finalizes an execution attempt. Attempts whose epoch no
// longer matches the task record are stale (the task was preempted,
// cancelled, or failed over in the meantime) and are discarded.
func (m *Manager) completeAttempt(taskID string, epoch uint64, execErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok || task.Status != scheduling.TaskRunning || task.Epoch != epoch {
		m.log.Debug("Discarding stale completion signal for task %s (attempt %d).", taskID, epoch)
		return
	}

	m.registry.Release(taskID)
	task.GpuID = ""

	if execErr != nil {
		task.Status = scheduling.TaskFailed
		task.Err = execErr
		m.log.Warn("Task %s failed after %v: %v.", taskID, time.Since(task.StartedAt), execErr)
	} else {
		task.Status = scheduling.TaskCompleted
		m.log.Debug("Task %s completed after %v.", taskID, time.Since(task.StartedAt))
	}
}
