package admission_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/promise"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/admission"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/allocation"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/backend"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/pool"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/preemption"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/telemetry"
)

type fixture struct {
	registry *pool.Registry
	backend  *backend.SimulatedBackend
	manager  *admission.Manager
}

func newFixture(numDevices int, admissionOpts *scheduling.AdmissionOptions) *fixture {
	execBackend := backend.NewSimulatedBackend(false)

	f := newFixtureAround(numDevices, admissionOpts, execBackend)
	f.backend = execBackend

	return f
}

// newFixtureAround wires a manager, planner, and engine over the given
// execution backend, so individual specs can interpose on Execute.
func newFixtureAround(numDevices int, admissionOpts *scheduling.AdmissionOptions, execBackend scheduling.ExecutionBackend) *fixture {
	poolOpts := &scheduling.PoolOptions{
		NumVirtualGpus:  numDevices,
		VramPerDeviceGb: 24,
	}
	Expect(poolOpts.Validate()).To(Succeed())

	if admissionOpts == nil {
		admissionOpts = &scheduling.AdmissionOptions{}
	}
	admissionOpts.RequeueBackoffMillis = 20
	Expect(admissionOpts.Validate()).To(Succeed())

	registry, err := pool.NewRegistry(telemetry.NewSimulatedProvider(poolOpts), nil)
	Expect(err).ToNot(HaveOccurred())

	manager := admission.NewManager(registry, execBackend, nil, admissionOpts)

	preemptionOpts := &scheduling.PreemptionOptions{}
	Expect(preemptionOpts.Validate()).To(Succeed())

	planner := preemption.NewPlanner(registry, manager, manager, preemptionOpts)
	manager.SetEngine(allocation.NewEngine(registry, planner, nil))

	DeferCleanup(manager.Close)

	return &fixture{
		registry: registry,
		manager:  manager,
	}
}

func spec(taskType string, priority scheduling.Priority, vramGb int64) *scheduling.TaskSpec {
	return &scheduling.TaskSpec{
		TaskType:  taskType,
		Priority:  priority,
		VramBytes: vramGb * scheduling.GiB,
	}
}

func (f *fixture) status(taskID string) func() scheduling.TaskStatus {
	return func() scheduling.TaskStatus {
		info, err := f.manager.Status(taskID)
		if err != nil {
			return ""
		}
		return info.Status
	}
}

// failingEngine stands in for an allocation engine whose accepted preemption
// plan fell apart mid-application.
type failingEngine struct {
	err error
}

func (e *failingEngine) Place(_ context.Context, _ *scheduling.Task) (string, error) {
	return "", e.err
}

// cancellingBackend cancels the task through the manager after the worker has
// committed it but before the attempt is registered, recreating the narrowest
// cancel/launch interleaving.
type cancellingBackend struct {
	*backend.SimulatedBackend
	manager *admission.Manager
}

func (b *cancellingBackend) Execute(lease *scheduling.TaskLease) (promise.Promise, error) {
	_ = b.manager.Cancel(lease.TaskID)
	return b.SimulatedBackend.Execute(lease)
}

// recordingBackend records the order in which attempts reach Execute.
type recordingBackend struct {
	*backend.SimulatedBackend

	mu    sync.Mutex
	order []string
}

func (b *recordingBackend) Execute(lease *scheduling.TaskLease) (promise.Promise, error) {
	b.mu.Lock()
	b.order = append(b.order, lease.TaskID)
	b.mu.Unlock()

	return b.SimulatedBackend.Execute(lease)
}

func (b *recordingBackend) executionOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.order...)
}

var _ = Describe("Manager Tests", func() {
	Context("Validation", func() {
		It("Will reject malformed submissions", func() {
			f := newFixture(1, nil)

			_, err := f.manager.Submit(context.Background(), &scheduling.TaskSpec{
				TaskType:  "image",
				Priority:  scheduling.Priority(7),
				VramBytes: scheduling.GiB,
			})
			Expect(err).To(MatchError(scheduling.ErrInvalidPriority))

			_, err = f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 0))
			Expect(err).To(MatchError(scheduling.ErrInvalidVramRequest))
		})

		It("Will enforce per-type VRAM ceilings", func() {
			opts := &scheduling.AdmissionOptions{TypeVramCeilings: "speech=8"}
			f := newFixture(1, opts)

			_, err := f.manager.Submit(context.Background(), spec("speech", scheduling.PriorityNormal, 10))
			Expect(err).To(MatchError(scheduling.ErrVramCeilingExceeded))

			_, err = f.manager.Submit(context.Background(), spec("speech", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("Backpressure", func() {
		It("Will fail a submission with QueueFull once the queue stays saturated past the deadline", func() {
			opts := &scheduling.AdmissionOptions{QueueCapacity: 2}
			f := newFixture(1, opts)

			// The workers are not running, so admitted tasks stay queued.
			for i := 0; i < 2; i++ {
				_, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 1))
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(f.manager.QueueDepth(scheduling.PriorityNormal)).To(Equal(2))

			ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			defer cancel()

			submittedAt := time.Now()
			_, err := f.manager.Submit(ctx, spec("image", scheduling.PriorityNormal, 1))
			Expect(err).To(MatchError(scheduling.ErrQueueFull))
			Expect(time.Since(submittedAt)).To(BeNumerically(">=", 200*time.Millisecond))

			// The rejected submission left no record behind.
			Expect(f.manager.QueueDepth(scheduling.PriorityNormal)).To(Equal(2))
		})

		It("Will only bound each priority queue independently", func() {
			opts := &scheduling.AdmissionOptions{QueueCapacity: 1}
			f := newFixture(1, opts)

			_, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 1))
			Expect(err).ToNot(HaveOccurred())

			// A different priority class is unaffected by the saturation.
			_, err = f.manager.Submit(context.Background(), spec("image", scheduling.PriorityRealtime, 1))
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("Lifecycle", func() {
		It("Will run a task to completion", func() {
			f := newFixture(1, nil)
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())

			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.GpuID).To(Equal("GPU-0"))

			Expect(f.backend.Complete(taskID, nil)).To(Succeed())

			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskCompleted))

			// The completed task no longer holds any VRAM.
			snapshot, err := f.registry.SnapshotDevice("GPU-0")
			Expect(err).ToNot(HaveOccurred())
			Expect(snapshot.UsedVramBytes).To(BeZero())

			info, err = f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.GpuID).To(BeEmpty())
		})

		It("Will surface an execution failure", func() {
			f := newFixture(1, nil)
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), spec("video", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())

			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			Expect(f.backend.Complete(taskID, errors.New("CUDA out of memory"))).To(Succeed())

			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskFailed))

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Error).To(ContainSubstring("CUDA out of memory"))
			Expect(info.Retriable).To(BeFalse())
		})

		It("Will fail a task that outlives its execution timeout", func() {
			f := newFixture(1, nil)
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), &scheduling.TaskSpec{
				TaskType:         "video",
				Priority:         scheduling.PriorityNormal,
				VramBytes:        8 * scheduling.GiB,
				ExecutionTimeout: 100 * time.Millisecond,
			})
			Expect(err).ToNot(HaveOccurred())

			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskFailed))

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Error).To(ContainSubstring("timed out"))

			snapshot, err := f.registry.SnapshotDevice("GPU-0")
			Expect(err).ToNot(HaveOccurred())
			Expect(snapshot.UsedVramBytes).To(BeZero())
		})

		It("Will keep a task that does not fit Queued until capacity frees up", func() {
			f := newFixture(1, nil)
			f.manager.Start()

			firstID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 20))
			Expect(err).ToNot(HaveOccurred())
			Eventually(f.status(firstID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			secondID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 20))
			Expect(err).ToNot(HaveOccurred())

			Consistently(f.status(secondID), 300*time.Millisecond, 50*time.Millisecond).Should(Equal(scheduling.TaskQueued))

			Expect(f.backend.Complete(firstID, nil)).To(Succeed())

			Eventually(f.status(secondID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))
		})
	})

	Context("Cancellation", func() {
		It("Will cancel a queued task idempotently", func() {
			f := newFixture(1, nil)

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())
			Expect(f.manager.QueueDepth(scheduling.PriorityNormal)).To(Equal(1))

			Expect(f.manager.Cancel(taskID)).To(Succeed())
			Expect(f.manager.QueueDepth(scheduling.PriorityNormal)).To(BeZero())

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Status).To(Equal(scheduling.TaskCancelled))

			// A second cancellation of the same task is rejected but harmless.
			Expect(f.manager.Cancel(taskID)).To(MatchError(scheduling.ErrTaskNotFound))
		})

		It("Will release the allocation of a cancelled running task", func() {
			f := newFixture(1, nil)
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())
			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			Expect(f.manager.Cancel(taskID)).To(Succeed())

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Status).To(Equal(scheduling.TaskCancelled))

			snapshot, err := f.registry.SnapshotDevice("GPU-0")
			Expect(err).ToNot(HaveOccurred())
			Expect(snapshot.UsedVramBytes).To(BeZero())
		})

		It("Will reject cancellation of an unknown task", func() {
			f := newFixture(1, nil)

			Expect(f.manager.Cancel("no-such-task")).To(MatchError(scheduling.ErrTaskNotFound))
		})

		It("Will settle the attempt of a task cancelled while its launch is in flight", func() {
			execBackend := &cancellingBackend{SimulatedBackend: backend.NewSimulatedBackend(false)}
			f := newFixtureAround(1, nil, execBackend)
			execBackend.manager = f.manager
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())

			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskCancelled))

			// The attempt registered after the cancellation must not linger
			// with an unresolved promise.
			Eventually(execBackend.InFlight, time.Second, 10*time.Millisecond).Should(BeZero())

			snapshot, err := f.registry.SnapshotDevice("GPU-0")
			Expect(err).ToNot(HaveOccurred())
			Expect(snapshot.UsedVramBytes).To(BeZero())
		})
	})

	Context("Priority precedence", func() {
		It("Will serve realtime work before batch work", func() {
			f := newFixture(1, nil)

			batchIDs := make([]string, 0, 2)
			for i := 0; i < 2; i++ {
				id, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityBatch, 24))
				Expect(err).ToNot(HaveOccurred())
				batchIDs = append(batchIDs, id)
			}

			realtimeID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityRealtime, 24))
			Expect(err).ToNot(HaveOccurred())

			// Everything wants the whole device; only the realtime task can
			// end up holding it.
			f.manager.Start()

			Eventually(f.status(realtimeID), 2*time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			for _, id := range batchIDs {
				Eventually(f.status(id), 2*time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskQueued))
			}
		})

		It("Will dispatch same-priority tasks in submission order", func() {
			execBackend := &recordingBackend{SimulatedBackend: backend.NewSimulatedBackend(false)}
			opts := &scheduling.AdmissionOptions{WorkersPerPriority: 1}
			f := newFixtureAround(1, opts, execBackend)

			// Both tasks fit on the device at once, so dispatch order is
			// decided purely by queue position.
			firstID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())
			secondID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())

			f.manager.Start()

			Eventually(f.status(firstID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))
			Eventually(f.status(secondID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			Expect(execBackend.executionOrder()).To(Equal([]string{firstID, secondID}))
		})
	})

	Context("Preemption", func() {
		It("Will evict batch work to make room for a realtime task", func() {
			f := newFixture(2, nil)
			f.manager.Start()

			bigBatchID, err := f.manager.Submit(context.Background(), spec("video", scheduling.PriorityBatch, 20))
			Expect(err).ToNot(HaveOccurred())
			Eventually(f.status(bigBatchID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			smallBatchID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityBatch, 8))
			Expect(err).ToNot(HaveOccurred())
			Eventually(f.status(smallBatchID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			// No device has 20 GiB free, so the realtime task preempts the
			// batch task holding the most VRAM.
			realtimeID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityRealtime, 20))
			Expect(err).ToNot(HaveOccurred())

			Eventually(f.status(realtimeID), 2*time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			// The victim went back to the tail of its own queue, keeping its
			// batch priority, and cannot fit anywhere while the pool is busy.
			Eventually(f.status(bigBatchID), 2*time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskQueued))
			Consistently(f.status(bigBatchID), 200*time.Millisecond, 50*time.Millisecond).Should(Equal(scheduling.TaskQueued))

			// The small batch task was untouched.
			info, err := f.manager.Status(smallBatchID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Status).To(Equal(scheduling.TaskRunning))

			// Capacity invariant holds on every device throughout.
			for _, device := range f.registry.Snapshot() {
				Expect(device.UsedVramBytes).To(BeNumerically("<=", device.TotalVramBytes))
			}

			// Completing the realtime task lets the victim run again.
			Expect(f.backend.Complete(realtimeID, nil)).To(Succeed())
			Eventually(f.status(bigBatchID), 2*time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))
		})

		It("Will never let normal-priority work preempt", func() {
			f := newFixture(1, nil)
			f.manager.Start()

			batchID, err := f.manager.Submit(context.Background(), spec("video", scheduling.PriorityBatch, 20))
			Expect(err).ToNot(HaveOccurred())
			Eventually(f.status(batchID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			normalID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 20))
			Expect(err).ToNot(HaveOccurred())

			Consistently(f.status(normalID), 300*time.Millisecond, 50*time.Millisecond).Should(Equal(scheduling.TaskQueued))

			info, err := f.manager.Status(batchID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Status).To(Equal(scheduling.TaskRunning))
		})

		It("Will fail a task terminally when its preemption plan cannot be applied", func() {
			f := newFixture(1, nil)
			f.manager.SetEngine(&failingEngine{err: scheduling.ErrPreemptionFailed})
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityRealtime, 20))
			Expect(err).ToNot(HaveOccurred())

			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskFailed))

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Error).To(ContainSubstring("preemption plan execution failed"))
			Expect(info.Retriable).To(BeFalse())
		})
	})

	Context("Failover", func() {
		It("Will reassign work off a failed device when capacity allows", func() {
			f := newFixture(2, nil)
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())
			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			failedDevice := info.GpuID

			Expect(f.registry.MarkHealth(failedDevice, scheduling.HealthFailed)).To(Succeed())
			f.manager.HandleDeviceFailure(failedDevice)

			Eventually(func() string {
				current, statusErr := f.manager.Status(taskID)
				if statusErr != nil {
					return ""
				}
				return current.GpuID
			}, 2*time.Second, 10*time.Millisecond).Should(And(Not(BeEmpty()), Not(Equal(failedDevice))))

			info, err = f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Status).To(Equal(scheduling.TaskRunning))
		})

		It("Will mark a task retriable-failed when no replacement device exists", func() {
			f := newFixture(1, nil)
			f.manager.Start()

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())
			Eventually(f.status(taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

			Expect(f.registry.MarkHealth("GPU-0", scheduling.HealthFailed)).To(Succeed())
			f.manager.HandleDeviceFailure("GPU-0")

			Eventually(f.status(taskID), 2*time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskFailed))

			info, err := f.manager.Status(taskID)
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Retriable).To(BeTrue())
			Expect(info.Error).To(ContainSubstring("failed"))
		})
	})

	Context("Eviction bookkeeping", func() {
		It("Will refuse to evict anything that is not running", func() {
			f := newFixture(1, nil)

			taskID, err := f.manager.Submit(context.Background(), spec("image", scheduling.PriorityNormal, 8))
			Expect(err).ToNot(HaveOccurred())

			_, err = f.manager.EvictRunningTask(taskID)
			Expect(err).To(MatchError(scheduling.ErrTaskNotFound))

			_, err = f.manager.EvictRunningTask(fmt.Sprintf("unknown-%d", GinkgoRandomSeed()))
			Expect(err).To(MatchError(scheduling.ErrTaskNotFound))
		})
	})
})
