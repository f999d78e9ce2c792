package metrics_test

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Ruanpiscitelli/media-api2-sub000/common/metrics"
)

// gatherFamily collects the named metric family from the default registry,
// which is where PrometheusSink registers its collectors.
func gatherFamily(name string) *dto.MetricFamily {
	families, err := prometheus.DefaultGatherer.Gather()
	Expect(err).ToNot(HaveOccurred())

	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}

	return nil
}

var _ = Describe("PrometheusSink Tests", func() {
	It("Will create and update a labeled gauge on first use", func() {
		sink := metrics.NewPrometheusSink()

		sink.Gauge("sink_test_inflight", map[string]string{"task_type": "image"}, 3)
		sink.Gauge("sink_test_inflight", map[string]string{"task_type": "image"}, 5)

		family := gatherFamily("media_scheduler_sink_test_inflight")
		Expect(family).ToNot(BeNil())
		Expect(family.GetMetric()).To(HaveLen(1))
		Expect(family.GetMetric()[0].GetGauge().GetValue()).To(Equal(5.0))
	})

	It("Will accumulate counter deltas per label set", func() {
		sink := metrics.NewPrometheusSink()

		sink.Counter("sink_test_executions", map[string]string{"task_type": "speech"}, 1)
		sink.Counter("sink_test_executions", map[string]string{"task_type": "speech"}, 2)
		sink.Counter("sink_test_executions", map[string]string{"task_type": "video"}, 1)

		family := gatherFamily("media_scheduler_sink_test_executions")
		Expect(family).ToNot(BeNil())
		Expect(family.GetMetric()).To(HaveLen(2))

		total := 0.0
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		Expect(total).To(Equal(4.0))
	})

	It("Will observe histogram samples", func() {
		sink := metrics.NewPrometheusSink()

		sink.Histogram("sink_test_latency", map[string]string{"task_type": "image"}, 0.25)
		sink.Histogram("sink_test_latency", map[string]string{"task_type": "image"}, 0.75)

		family := gatherFamily("media_scheduler_sink_test_latency")
		Expect(family).ToNot(BeNil())
		Expect(family.GetMetric()[0].GetHistogram().GetSampleCount()).To(Equal(uint64(2)))
	})

	It("Will survive a registration conflict without emitting", func() {
		first := metrics.NewPrometheusSink()
		second := metrics.NewPrometheusSink()

		first.Gauge("sink_test_conflict", map[string]string{"gpu_id": "GPU-0"}, 1)

		// The second sink's collector loses the registration race; the
		// emission is dropped rather than panicking.
		second.Gauge("sink_test_conflict", map[string]string{"gpu_id": "GPU-0"}, 9)

		family := gatherFamily("media_scheduler_sink_test_conflict")
		Expect(family).ToNot(BeNil())
		Expect(family.GetMetric()[0].GetGauge().GetValue()).To(Equal(1.0))
	})
})
