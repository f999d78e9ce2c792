package metrics

import (
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

var _ scheduling.MetricsSink = (*PrometheusSink)(nil)

// PrometheusSink implements scheduling.MetricsSink on top of the default
// Prometheus registry for consumers that want to emit ad hoc metrics without
// going through the typed surface of SchedulerPrometheusManager.
//
// Collectors are created lazily on first use and cached by name. The label
// names of a metric are fixed by its first emission.
type PrometheusSink struct {
	log logger.Logger

	gauges     cmap.ConcurrentMap[string, *prometheus.GaugeVec]
	counters   cmap.ConcurrentMap[string, *prometheus.CounterVec]
	histograms cmap.ConcurrentMap[string, *prometheus.HistogramVec]
}

func NewPrometheusSink() *PrometheusSink {
	sink := &PrometheusSink{
		gauges:     cmap.New[*prometheus.GaugeVec](),
		counters:   cmap.New[*prometheus.CounterVec](),
		histograms: cmap.New[*prometheus.HistogramVec](),
	}
	config.InitLogger(&sink.log, sink)

	return sink
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (s *PrometheusSink) Gauge(name string, labels map[string]string, value float64) {
	vec, ok := s.gauges.Get(name)
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
		}, labelNames(labels))

		if !s.register(name, vec) {
			return
		}

		s.gauges.Set(name, vec)
	}

	vec.With(labels).Set(value)
}

func (s *PrometheusSink) Counter(name string, labels map[string]string, delta float64) {
	vec, ok := s.counters.Get(name)
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
		}, labelNames(labels))

		if !s.register(name, vec) {
			return
		}

		s.counters.Set(name, vec)
	}

	vec.With(labels).Add(delta)
}

func (s *PrometheusSink) Histogram(name string, labels map[string]string, value float64) {
	vec, ok := s.histograms.Get(name)
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))

		if !s.register(name, vec) {
			return
		}

		s.histograms.Set(name, vec)
	}

	vec.With(labels).Observe(value)
}

func (s *PrometheusSink) register(name string, collector prometheus.Collector) bool {
	if err := prometheus.Register(collector); err != nil {
		s.log.Error("Failed to register '%s' metric because: %v", name, err)
		return false
	}

	return true
}
