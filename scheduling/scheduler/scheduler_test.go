package scheduler_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/backend"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/scheduler"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/telemetry"
)

func newScheduler(numDevices int) (*scheduler.Scheduler, *backend.SimulatedBackend) {
	opts := &scheduling.SchedulerOptions{}
	opts.NumVirtualGpus = numDevices
	opts.VramPerDeviceGb = 24
	opts.NvlinkPairs = numDevices%2 == 0
	opts.RequeueBackoffMillis = 20
	Expect(opts.Validate()).To(Succeed())

	execBackend := backend.NewSimulatedBackend(false)

	sched, err := scheduler.New(opts, telemetry.NewSimulatedProvider(&opts.PoolOptions), execBackend, nil)
	Expect(err).ToNot(HaveOccurred())

	sched.Start()
	DeferCleanup(sched.Close)

	return sched, execBackend
}

func status(sched *scheduler.Scheduler, taskID string) func() scheduling.TaskStatus {
	return func() scheduling.TaskStatus {
		info, err := sched.Status(taskID)
		if err != nil {
			return ""
		}
		return info.Status
	}
}

var _ = Describe("Scheduler Tests", func() {
	It("Will drive a submitted task through its full lifecycle", func() {
		sched, execBackend := newScheduler(2)

		taskID, err := sched.Submit(context.Background(), &scheduling.TaskSpec{
			TaskType:          "image",
			Priority:          scheduling.PriorityNormal,
			VramBytes:         8 * scheduling.GiB,
			EstimatedDuration: 30 * time.Second,
		})
		Expect(err).ToNot(HaveOccurred())

		Eventually(status(sched, taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskRunning))

		Expect(sched.RunningTasks()).To(HaveLen(1))

		Expect(execBackend.Complete(taskID, nil)).To(Succeed())
		Eventually(status(sched, taskID), time.Second, 10*time.Millisecond).Should(Equal(scheduling.TaskCompleted))

		Expect(sched.RunningTasks()).To(BeEmpty())

		for _, device := range sched.Devices() {
			Expect(device.UsedVramBytes).To(BeZero())
		}
	})

	It("Will report an unknown task as not found", func() {
		sched, _ := newScheduler(1)

		_, err := sched.Status("no-such-task")
		Expect(err).To(MatchError(scheduling.ErrTaskNotFound))
	})

	It("Will saturate the pool and drain the backlog as work completes", func() {
		sched, execBackend := newScheduler(2)

		// Three tasks of 16 GiB over 2x24 GiB: only two can run at once.
		ids := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			id, err := sched.Submit(context.Background(), &scheduling.TaskSpec{
				TaskType:  "video",
				Priority:  scheduling.PriorityNormal,
				VramBytes: 16 * scheduling.GiB,
			})
			Expect(err).ToNot(HaveOccurred())
			ids = append(ids, id)
		}

		Eventually(func() int {
			return len(sched.RunningTasks())
		}, 2*time.Second, 10*time.Millisecond).Should(Equal(2))

		Consistently(func() int {
			return len(sched.RunningTasks())
		}, 200*time.Millisecond, 50*time.Millisecond).Should(Equal(2))

		// Finish whichever tasks are running; the backlog task takes over.
		for _, running := range sched.RunningTasks() {
			Expect(execBackend.Complete(running.TaskID, nil)).To(Succeed())
		}

		Eventually(func() int {
			completed := 0
			for _, id := range ids {
				info, err := sched.Status(id)
				if err == nil && info.Status == scheduling.TaskCompleted {
					completed++
				}
			}
			return completed
		}, 2*time.Second, 10*time.Millisecond).Should(Equal(2))

		Eventually(func() int {
			return len(sched.RunningTasks())
		}, 2*time.Second, 10*time.Millisecond).Should(Equal(1))
	})

	It("Will reject submissions after Close", func() {
		opts := &scheduling.SchedulerOptions{}
		opts.NumVirtualGpus = 1
		Expect(opts.Validate()).To(Succeed())

		sched, err := scheduler.New(opts, telemetry.NewSimulatedProvider(&opts.PoolOptions), backend.NewSimulatedBackend(false), nil)
		Expect(err).ToNot(HaveOccurred())

		sched.Start()
		sched.Close()

		_, err = sched.Submit(context.Background(), &scheduling.TaskSpec{
			TaskType:  "image",
			Priority:  scheduling.PriorityNormal,
			VramBytes: scheduling.GiB,
		})
		Expect(err).To(MatchError(scheduling.ErrSchedulerClosed))
	})
})
