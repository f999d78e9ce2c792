package preemption

import (
	"sort"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/shopspring/decimal"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/pool"
)

var (
	weightPriority = decimal.NewFromFloat(0.4)
	weightRuntime  = decimal.NewFromFloat(0.3)
	weightVram     = decimal.NewFromFloat(0.2)
	weightAffinity = decimal.NewFromFloat(0.1)

	decimalOne         = decimal.NewFromInt(1)
	runtimeNormSeconds = decimal.NewFromInt(3600)
)

// Planner computes and applies preemption plans. Plan computation is pure; it
// reads snapshots of the running set and the device pool and produces a Plan
// value without touching either. Applying a plan is a separate, side-effecting
// step (Execute).
type Planner struct {
	log logger.Logger

	registry *pool.Registry
	running  scheduling.RunningTaskProvider
	evictor  scheduling.EvictionHandler

	opts *scheduling.PreemptionOptions
}

func NewPlanner(registry *pool.Registry, running scheduling.RunningTaskProvider, evictor scheduling.EvictionHandler, opts *scheduling.PreemptionOptions) *Planner {
	planner := &Planner{
		registry: registry,
		running:  running,
		evictor:  evictor,
		opts:     opts,
	}
	config.InitLogger(&planner.log, planner)

	return planner
}

// AllowedToPreempt reports whether tasks at the given priority may trigger
// preemption at all.
func (p *Planner) AllowedToPreempt(priority scheduling.Priority) bool {
	return priority <= p.opts.MaxPreemptingPriority()
}

// ComputePlan builds an eviction plan that frees at least task.VramBytes for
// the given requester, or returns nil when no acceptable plan exists.
//
// Every Running task with priority strictly lower (numerically greater) than
// the requester's is scored; candidates are evicted greedily in descending
// score order until the cumulative freed VRAM covers the requirement. A plan
// touching more than half of the pool's devices is rejected outright to bound
// the blast radius of a single request.
func (p *Planner) ComputePlan(task *scheduling.Task) *Plan {
	if !p.AllowedToPreempt(task.Priority) {
		return nil
	}

	poolSize := p.registry.Size()
	if poolSize == 0 {
		return nil
	}

	peerCounts := make(map[string]int, poolSize)
	for _, device := range p.registry.Snapshot() {
		peerCounts[device.ID] = device.NvlinkPeerCount
	}

	now := time.Now()

	var candidates []Candidate
	for _, victim := range p.running.RunningTasks() {
		if victim.Priority <= task.Priority {
			continue
		}

		candidates = append(candidates, Candidate{
			Task:  victim,
			Score: p.score(victim, peerCounts[victim.GpuID], poolSize, now),
		})
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if cmp := candidates[i].Score.Cmp(candidates[j].Score); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].Task.TaskID < candidates[j].Task.TaskID
	})

	plan := &Plan{
		RequesterID:  task.ID,
		RequiredVram: task.VramBytes,
	}

	affected := make(map[string]struct{})
	for _, candidate := range candidates {
		plan.Victims = append(plan.Victims, candidate)
		plan.TotalVramFreed += candidate.Task.VramBytes

		if _, ok := affected[candidate.Task.GpuID]; !ok {
			affected[candidate.Task.GpuID] = struct{}{}
			plan.AffectedDevices = append(plan.AffectedDevices, candidate.Task.GpuID)
		}

		if plan.TotalVramFreed >= plan.RequiredVram {
			break
		}
	}

	if plan.TotalVramFreed < plan.RequiredVram {
		p.log.Debug("No viable preemption plan for task %s: evicting all %d eligible candidate(s) would free only %d of the required %d byte(s).",
			task.ID, len(candidates), plan.TotalVramFreed, plan.RequiredVram)
		return nil
	}

	if len(plan.AffectedDevices)*2 > poolSize {
		p.log.Warn("Rejecting preemption plan for task %s: plan would touch %d of %d devices.",
			task.ID, len(plan.AffectedDevices), poolSize)
		return nil
	}

	p.log.Info("Computed preemption plan for task %s: %d victim(s) across %d device(s), freeing %d byte(s) of VRAM.",
		task.ID, len(plan.Victims), len(plan.AffectedDevices), plan.TotalVramFreed)

	return plan
}

// score computes the eviction score of a single victim:
//
//	0.4 * (1 - priority / maxPriority)
//	0.3 * (1 / (1 + runtimeSeconds / 3600))
//	0.2 * (vram / referenceVram)
//	0.1 * (nvlinkPeerCount / poolSize)
//
// The arithmetic is done in fixed-point decimal so that candidate ordering is
// exact and platform-independent.
func (p *Planner) score(victim scheduling.RunningTask, peerCount int, poolSize int, now time.Time) decimal.Decimal {
	priorityTerm := decimalOne.
		Sub(decimal.NewFromInt(int64(victim.Priority)).Div(decimal.NewFromInt(int64(scheduling.MaxPriority)))).
		Mul(weightPriority)

	runtimeSeconds := decimal.NewFromFloat(now.Sub(victim.StartedAt).Seconds())
	runtimeTerm := decimalOne.
		Div(decimalOne.Add(runtimeSeconds.Div(runtimeNormSeconds))).
		Mul(weightRuntime)

	vramTerm := decimal.NewFromInt(victim.VramBytes).
		Div(decimal.NewFromInt(p.opts.ReferenceVramBytes())).
		Mul(weightVram)

	affinityTerm := decimal.NewFromInt(int64(peerCount)).
		Div(decimal.NewFromInt(int64(poolSize))).
		Mul(weightAffinity)

	return priorityTerm.Add(runtimeTerm).Add(vramTerm).Add(affinityTerm)
}

// Execute applies a previously computed plan on behalf of the given task:
// every victim is evicted, the task is allocated onto the affected device
// with the most free VRAM, and only then are the victims returned to the
// tails of their priority queues. Requeueing last keeps the scheduling
// workers from re-placing a victim into the gap it just vacated before the
// requester claims it.
//
// A victim that reached a terminal state between planning and execution is
// skipped. If the surviving victims free less VRAM than required, or the
// follow-up allocation fails, Execute returns ErrPreemptionFailed. There is
// nothing to roll back in that case: evicted victims are still requeued and
// re-enter the pool through the normal allocation path.
func (p *Planner) Execute(plan *Plan, task *scheduling.Task) (string, error) {
	var evicted []string
	defer func() {
		for _, victimID := range evicted {
			p.evictor.RequeueEvicted(victimID)
		}
	}()

	var actuallyFreed int64
	for _, victim := range plan.Victims {
		freed, err := p.evictor.EvictRunningTask(victim.Task.TaskID)
		if err != nil {
			p.log.Debug("Skipping victim %s of plan for task %s: %v.", victim.Task.TaskID, task.ID, err)
			continue
		}

		evicted = append(evicted, victim.Task.TaskID)
		actuallyFreed += freed
	}

	if actuallyFreed < plan.RequiredVram {
		p.log.Warn("Preemption plan for task %s fell short: freed %d of the required %d byte(s).",
			task.ID, actuallyFreed, plan.RequiredVram)
		return "", scheduling.ErrPreemptionFailed
	}

	// Retry allocation on the freed device set, most free VRAM first.
	devices := make([]pool.DeviceSnapshot, 0, len(plan.AffectedDevices))
	for _, gpuID := range plan.AffectedDevices {
		snapshot, err := p.registry.SnapshotDevice(gpuID)
		if err != nil {
			continue
		}
		devices = append(devices, snapshot)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].FreeVramBytes != devices[j].FreeVramBytes {
			return devices[i].FreeVramBytes > devices[j].FreeVramBytes
		}
		return devices[i].ID < devices[j].ID
	})

	for _, device := range devices {
		if err := p.registry.AllocateOn(device.ID, task); err == nil {
			p.log.Info("Preemption succeeded: task %s allocated onto device %s after evicting %d victim(s).",
				task.ID, device.ID, len(plan.Victims))
			return device.ID, nil
		}
	}

	p.log.Warn("Preemption plan for task %s freed enough VRAM but no affected device could host the task.", task.ID)

	return "", scheduling.ErrPreemptionFailed
}
