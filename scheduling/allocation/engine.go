package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/pool"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/preemption"
)

// Engine places pending tasks onto devices. The fast path is a direct best-fit
// allocation through the pool registry; when that fails and the task's
// priority grants preemption rights, the engine falls back to computing and
// executing a preemption plan.
type Engine struct {
	log logger.Logger

	registry *pool.Registry
	planner  *preemption.Planner
	metrics  scheduling.MetricsProvider
}

func NewEngine(registry *pool.Registry, planner *preemption.Planner, metrics scheduling.MetricsProvider) *Engine {
	engine := &Engine{
		registry: registry,
		planner:  planner,
		metrics:  metrics,
	}
	config.InitLogger(&engine.log, engine)

	return engine
}

// Place implements scheduling.AllocationEngine.
func (e *Engine) Place(ctx context.Context, task *scheduling.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	startedAt := time.Now()

	gpuID, err := e.registry.Allocate(task)
	if err == nil {
		e.observeLatency(task.Priority, time.Since(startedAt))
		return gpuID, nil
	}

	if !errors.Is(err, scheduling.ErrInsufficientResources) {
		return "", err
	}

	if !e.planner.AllowedToPreempt(task.Priority) {
		return "", scheduling.ErrInsufficientResources
	}

	plan := e.planner.ComputePlan(task)
	if plan == nil {
		return "", scheduling.ErrInsufficientResources
	}

	gpuID, err = e.planner.Execute(plan, task)
	if err != nil {
		e.log.Warn("Preemption on behalf of task %s failed: %v.", task.ID, err)

		if e.metrics != nil {
			e.metrics.IncrementPreemptionAttempts(false)
		}

		// A failed plan execution is not an ordinary no-fit: the plan was
		// accepted and applying it went wrong. The caller decides the task's
		// fate; it must not be retried as if capacity were merely tight.
		return "", scheduling.ErrPreemptionFailed
	}

	if e.metrics != nil {
		e.metrics.IncrementPreemptionAttempts(true)
	}
	e.observeLatency(task.Priority, time.Since(startedAt))

	return gpuID, nil
}

func (e *Engine) observeLatency(priority scheduling.Priority, latency time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveAllocationLatency(priority, latency)
	}
}
