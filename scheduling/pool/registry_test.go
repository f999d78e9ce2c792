package pool_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/pool"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling/telemetry"
)

func newTestRegistry(numDevices int, vramPerDeviceGb float64, nvlinkPairs bool) *pool.Registry {
	opts := &scheduling.PoolOptions{
		NumVirtualGpus:  numDevices,
		VramPerDeviceGb: vramPerDeviceGb,
		NvlinkPairs:     nvlinkPairs,
	}
	Expect(opts.Validate()).To(Succeed())

	registry, err := pool.NewRegistry(telemetry.NewSimulatedProvider(opts), nil)
	Expect(err).ToNot(HaveOccurred())

	return registry
}

func newTask(id string, priority scheduling.Priority, vramGb int64) *scheduling.Task {
	return &scheduling.Task{
		ID:        id,
		TaskType:  "image",
		Priority:  priority,
		VramBytes: vramGb * scheduling.GiB,
		Status:    scheduling.TaskQueued,
	}
}

var _ = Describe("Registry Tests", func() {
	It("Will enumerate the simulated pool", func() {
		registry := newTestRegistry(4, 24, true)

		Expect(registry.Size()).To(Equal(4))

		devices := registry.Snapshot()
		Expect(devices).To(HaveLen(4))

		for i, device := range devices {
			Expect(device.ID).To(Equal(fmt.Sprintf("GPU-%d", i)))
			Expect(device.TotalVramBytes).To(Equal(24 * scheduling.GiB))
			Expect(device.UsedVramBytes).To(BeZero())
			Expect(device.Health).To(Equal(scheduling.HealthHealthy))
			Expect(device.NvlinkPeerCount).To(Equal(1))
		}
	})

	It("Will allocate deterministically, preferring the lowest device id among equals", func() {
		registry := newTestRegistry(2, 24, false)

		gpuID, err := registry.Allocate(newTask("task-a", scheduling.PriorityBatch, 20))
		Expect(err).ToNot(HaveOccurred())
		Expect(gpuID).To(Equal("GPU-0"))

		// GPU-1 now has more free VRAM than GPU-0.
		gpuID, err = registry.Allocate(newTask("task-b", scheduling.PriorityBatch, 2))
		Expect(err).ToNot(HaveOccurred())
		Expect(gpuID).To(Equal("GPU-1"))
	})

	It("Will never overcommit a device's VRAM", func() {
		registry := newTestRegistry(2, 24, false)

		// 4 x 10 GiB fits (two per device); the 5th does not fit anywhere.
		for i := 0; i < 4; i++ {
			_, err := registry.Allocate(newTask(fmt.Sprintf("task-%d", i), scheduling.PriorityNormal, 10))
			Expect(err).ToNot(HaveOccurred())
		}

		_, err := registry.Allocate(newTask("task-overflow", scheduling.PriorityNormal, 10))
		Expect(err).To(MatchError(scheduling.ErrInsufficientResources))

		for _, device := range registry.Snapshot() {
			Expect(device.UsedVramBytes).To(BeNumerically("<=", device.TotalVramBytes))
			Expect(device.UsedVramBytes).To(Equal(20 * scheduling.GiB))
		}
	})

	It("Will never split a task's requirement across devices", func() {
		registry := newTestRegistry(2, 24, true)

		// GPU-0 has 4 GiB free, its NVLink peer GPU-1 has 10 GiB free.
		Expect(registry.AllocateOn("GPU-0", newTask("filler-0", scheduling.PriorityBatch, 20))).To(Succeed())
		Expect(registry.AllocateOn("GPU-1", newTask("filler-1", scheduling.PriorityBatch, 14))).To(Succeed())

		// A 5 GiB task fits on GPU-1 only; 4 + 10 GiB of aggregate free VRAM
		// on two devices must not be combined.
		gpuID, err := registry.Allocate(newTask("task-c", scheduling.PriorityNormal, 5))
		Expect(err).ToNot(HaveOccurred())
		Expect(gpuID).To(Equal("GPU-1"))

		_, err = registry.Allocate(newTask("task-d", scheduling.PriorityNormal, 6))
		Expect(err).To(MatchError(scheduling.ErrInsufficientResources))
	})

	It("Will exclude unhealthy devices from allocation", func() {
		registry := newTestRegistry(2, 24, false)

		Expect(registry.MarkHealth("GPU-0", scheduling.HealthFailed)).To(Succeed())

		for i := 0; i < 3; i++ {
			gpuID, err := registry.Allocate(newTask(fmt.Sprintf("task-%d", i), scheduling.PriorityNormal, 4))
			Expect(err).ToNot(HaveOccurred())
			Expect(gpuID).To(Equal("GPU-1"))
		}

		snapshot, err := registry.SnapshotDevice("GPU-0")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.UsedVramBytes).To(BeZero())
	})

	It("Will release a task's VRAM exactly once", func() {
		registry := newTestRegistry(1, 24, false)

		task := newTask("task-a", scheduling.PriorityNormal, 16)
		gpuID, err := registry.Allocate(task)
		Expect(err).ToNot(HaveOccurred())

		releasedFrom, freed := registry.Release(task.ID)
		Expect(releasedFrom).To(Equal(gpuID))
		Expect(freed).To(Equal(16 * scheduling.GiB))

		// A second release of the same task is a no-op.
		releasedFrom, freed = registry.Release(task.ID)
		Expect(releasedFrom).To(Equal(""))
		Expect(freed).To(BeZero())

		snapshot, err := registry.SnapshotDevice(gpuID)
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.UsedVramBytes).To(BeZero())
	})

	It("Will refuse targeted allocation that would overcommit", func() {
		registry := newTestRegistry(1, 24, false)

		Expect(registry.AllocateOn("GPU-0", newTask("filler", scheduling.PriorityBatch, 20))).To(Succeed())

		err := registry.AllocateOn("GPU-0", newTask("task-big", scheduling.PriorityRealtime, 8))
		Expect(err).To(MatchError(scheduling.ErrInsufficientResources))

		err = registry.AllocateOn("GPU-7", newTask("task-lost", scheduling.PriorityRealtime, 1))
		Expect(err).To(MatchError(scheduling.ErrDeviceNotFound))
	})

	It("Will track telemetry samples and error counts", func() {
		registry := newTestRegistry(1, 24, false)

		Expect(registry.UpdateTelemetry("GPU-0", 85.0, 70.0, 12*uint64(scheduling.GiB), 80.0)).To(Succeed())

		snapshot, err := registry.SnapshotDevice("GPU-0")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.UtilizationPct).To(Equal(85.0))
		Expect(snapshot.Temperature).To(Equal(70.0))
		Expect(snapshot.HealthyStreak).To(Equal(1))

		count, err := registry.RecordDeviceError("GPU-0")
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(1))

		// A telemetry error resets the healthy streak.
		snapshot, err = registry.SnapshotDevice("GPU-0")
		Expect(err).ToNot(HaveOccurred())
		Expect(snapshot.HealthyStreak).To(BeZero())
	})
})
