package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/admission"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/allocation"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/health"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/pool"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/preemption"
)

// Scheduler is the single aggregate that owns every scheduling component: the
// pool registry, the admission manager and its queues, the preemption
// planner, the allocation engine, and the health monitor. It is constructed
// once at startup and passed by reference; there is no global scheduler
// state.
type Scheduler struct {
	log logger.Logger

	opts *scheduling.SchedulerOptions

	registry  *pool.Registry
	admission *admission.Manager
	planner   *preemption.Planner
	engine    *allocation.Engine
	monitor   *health.Monitor
	metrics   scheduling.MetricsProvider

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	loops     sync.WaitGroup
}

// New builds a Scheduler from its externally provided dependencies: a
// telemetry provider (NVML-backed or simulated), an execution backend, and an
// optional metrics provider (nil disables metrics).
func New(opts *scheduling.SchedulerOptions, telemetry scheduling.TelemetryProvider, backend scheduling.ExecutionBackend, metrics scheduling.MetricsProvider) (*Scheduler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	registry, err := pool.NewRegistry(telemetry, metrics)
	if err != nil {
		return nil, err
	}

	manager := admission.NewManager(registry, backend, metrics, &opts.AdmissionOptions)
	planner := preemption.NewPlanner(registry, manager, manager, &opts.PreemptionOptions)
	engine := allocation.NewEngine(registry, planner, metrics)
	manager.SetEngine(engine)

	monitor := health.NewMonitor(telemetry, registry, manager, metrics, &opts.HealthOptions)

	sched := &Scheduler{
		opts:      opts,
		registry:  registry,
		admission: manager,
		planner:   planner,
		engine:    engine,
		monitor:   monitor,
		metrics:   metrics,
		closed:    make(chan struct{}),
	}
	config.InitLogger(&sched.log, sched)

	return sched, nil
}

// Start launches the admission workers, the health monitor loops, and the
// queue gauge publisher.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.admission.Start()
		s.monitor.Start()

		if s.metrics != nil {
			s.loops.Add(1)
			go s.publishQueueMetrics()
		}

		s.log.Info("Scheduler started over a pool of %d device(s).", s.registry.Size())
	})
}

// Close stops every component. In-flight executions are not interrupted, but
// their completion signals are discarded.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.monitor.Close()
		s.admission.Close()
		s.loops.Wait()

		s.log.Info("Scheduler stopped.")
	})
}

func (s *Scheduler) publishQueueMetrics() {
	defer s.loops.Done()

	ticker := time.NewTicker(s.opts.MetricsInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.admission.PublishQueueMetrics()
		}
	}
}

// Submit admits a new task and returns its id.
func (s *Scheduler) Submit(ctx context.Context, spec *scheduling.TaskSpec) (string, error) {
	return s.admission.Submit(ctx, spec)
}

// Status returns the externally visible view of a task.
func (s *Scheduler) Status(taskID string) (*scheduling.TaskStatusInfo, error) {
	return s.admission.Status(taskID)
}

// Cancel aborts a Queued or Running task.
func (s *Scheduler) Cancel(taskID string) error {
	return s.admission.Cancel(taskID)
}

// Devices returns a snapshot of the GPU pool.
func (s *Scheduler) Devices() []pool.DeviceSnapshot {
	return s.registry.Snapshot()
}

// QueueDepth returns the number of tasks waiting at the given priority.
func (s *Scheduler) QueueDepth(priority scheduling.Priority) int {
	return s.admission.QueueDepth(priority)
}

// RunningTasks returns a snapshot of all currently Running tasks.
func (s *Scheduler) RunningTasks() []scheduling.RunningTask {
	return s.admission.RunningTasks()
}
