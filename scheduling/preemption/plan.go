package preemption

import (
	"github.com/shopspring/decimal"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

// Candidate pairs a running task with its eviction score. Higher scores are
// evicted first.
type Candidate struct {
	Task  scheduling.RunningTask
	Score decimal.Decimal
}

// Plan is a pure description of a preemption: which victims to evict so that
// the requester fits. Computing a Plan has no side effects; applying one is a
// separate step so a plan can be inspected, logged, and rejected before any
// task is disturbed.
type Plan struct {
	// RequesterID is the id of the task the plan makes room for.
	RequesterID string

	// RequiredVram is the VRAM shortfall, in bytes, that the victims must
	// cover together.
	RequiredVram int64

	// Victims are the tasks to evict, in eviction order.
	Victims []Candidate

	// TotalVramFreed is the VRAM, in bytes, the victims hold at planning time.
	TotalVramFreed int64

	// AffectedDevices lists the distinct devices the victims occupy.
	AffectedDevices []string
}

// VictimIDs returns the ids of the plan's victims, in eviction order.
func (p *Plan) VictimIDs() []string {
	ids := make([]string, 0, len(p.Victims))
	for _, victim := range p.Victims {
		ids = append(ids, victim.Task.TaskID)
	}
	return ids
}
