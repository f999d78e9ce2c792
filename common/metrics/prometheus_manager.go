package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ruanpiscitelli/media-api2-sub000/common/utils"
	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

const namespace = "media_scheduler"

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("SchedulerPrometheusManager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("SchedulerPrometheusManager is not running")
)

// SchedulerPrometheusManager registers the scheduler's metrics with Prometheus
// and serves them via HTTP. It implements scheduling.MetricsProvider.
type SchedulerPrometheusManager struct {
	log logger.Logger

	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	// Per-device metrics, labeled by gpu_id.

	GpuUtilizationGaugeVec *prometheus.GaugeVec
	GpuMemoryUsedGaugeVec  *prometheus.GaugeVec
	GpuMemoryTotalGaugeVec *prometheus.GaugeVec
	GpuTemperatureGaugeVec *prometheus.GaugeVec
	ActiveTasksGaugeVec    *prometheus.GaugeVec

	// Per-queue metrics, labeled by priority.

	QueueDepthGaugeVec      *prometheus.GaugeVec
	QueueOldestWaitGaugeVec *prometheus.GaugeVec

	// Global metrics.

	// PreemptionAttemptsCounterVec counts preemption plan executions, labeled
	// by outcome ("success" or "failure").
	PreemptionAttemptsCounterVec *prometheus.CounterVec

	// AllocationLatencyHistogramVec is a histogram of the time, in
	// milliseconds, between a placement attempt starting and the allocation
	// being committed, labeled by priority.
	AllocationLatencyHistogramVec *prometheus.HistogramVec

	DeviceFailuresCounter prometheus.Counter

	port int
	mu   sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving            bool
	metricsInitialized bool
}

// NewSchedulerPrometheusManager creates a new SchedulerPrometheusManager and
// returns a pointer to it. A non-positive port disables the HTTP endpoint;
// metrics are still registered and collectable through the default registry.
func NewSchedulerPrometheusManager(port int) *SchedulerPrometheusManager {
	manager := &SchedulerPrometheusManager{
		port:              port,
		prometheusHandler: promhttp.Handler(),
		serving:           false,
	}
	config.InitLogger(&manager.log, manager)

	return manager
}

// IsRunning returns true if the manager has been started and is serving metrics.
func (m *SchedulerPrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

// Start registers the metrics with Prometheus and begins serving them via an
// HTTP endpoint.
func (m *SchedulerPrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("SchedulerPrometheusManager is already running.")
		return ErrPrometheusManagerAlreadyRunning
	}

	m.serving = true
	if !m.metricsInitialized {
		if err := m.initMetrics(); err != nil {
			return err
		}
	}
	m.initializeHttpServer()

	return nil
}

// Stop shuts down the manager's HTTP server.
func (m *SchedulerPrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		m.log.Warn("SchedulerPrometheusManager is not running.")
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false

	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *SchedulerPrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

func (m *SchedulerPrometheusManager) initializeHttpServer() {
	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	m.engine = gin.New()
	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
			panic(err)
		}
	}()
}

func (m *SchedulerPrometheusManager) initMetrics() error {
	m.GpuUtilizationGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_utilization_percent",
		Help:      "Compute utilization of the GPU, as a percentage.",
	}, []string{"gpu_id"})

	m.GpuMemoryUsedGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_memory_used_bytes",
		Help:      "GPU memory in use, in bytes, as reported by the hardware.",
	}, []string{"gpu_id"})

	m.GpuMemoryTotalGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_memory_total_bytes",
		Help:      "Total GPU memory, in bytes.",
	}, []string{"gpu_id"})

	m.GpuTemperatureGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_temperature_celsius",
		Help:      "GPU temperature, in degrees celsius.",
	}, []string{"gpu_id"})

	m.ActiveTasksGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gpu_active_tasks",
		Help:      "Number of tasks currently allocated on the GPU.",
	}, []string{"gpu_id"})

	m.QueueDepthGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of tasks waiting in the priority queue.",
	}, []string{"priority"})

	m.QueueOldestWaitGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_oldest_wait_seconds",
		Help:      "How long the task at the head of the priority queue has been waiting, in seconds.",
	}, []string{"priority"})

	m.PreemptionAttemptsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "preemption_attempts_total",
		Help:      "Number of executed preemption plans, by outcome.",
	}, []string{"outcome"})

	m.AllocationLatencyHistogramVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "allocation_latency_milliseconds",
		Help:      "The latency, in milliseconds, of placing a task onto a device.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"priority"})

	m.DeviceFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_failures_total",
		Help:      "Number of Healthy-to-Failed device transitions.",
	})

	collectors := map[string]prometheus.Collector{
		"GPU Utilization":     m.GpuUtilizationGaugeVec,
		"GPU Memory Used":     m.GpuMemoryUsedGaugeVec,
		"GPU Memory Total":    m.GpuMemoryTotalGaugeVec,
		"GPU Temperature":     m.GpuTemperatureGaugeVec,
		"Active Tasks":        m.ActiveTasksGaugeVec,
		"Queue Depth":         m.QueueDepthGaugeVec,
		"Queue Oldest Wait":   m.QueueOldestWaitGaugeVec,
		"Preemption Attempts": m.PreemptionAttemptsCounterVec,
		"Allocation Latency":  m.AllocationLatencyHistogramVec,
		"Device Failures":     m.DeviceFailuresCounter,
	}

	for name, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			alreadyRegistered := prometheus.AlreadyRegisteredError{}
			if errors.As(err, &alreadyRegistered) {
				continue
			}

			m.log.Error("Failed to register '%s' metric because: %v", name, err)
			return err
		}
	}

	m.metricsInitialized = true

	return nil
}

//////////////////////////////////////////
// scheduling.MetricsProvider interface //
//////////////////////////////////////////

func (m *SchedulerPrometheusManager) SetDeviceUtilization(gpuID string, pct float64) {
	if !m.metricsInitialized {
		return
	}

	m.GpuUtilizationGaugeVec.With(prometheus.Labels{"gpu_id": gpuID}).Set(pct)
}

func (m *SchedulerPrometheusManager) SetDeviceMemory(gpuID string, usedBytes float64, totalBytes float64) {
	if !m.metricsInitialized {
		return
	}

	m.GpuMemoryUsedGaugeVec.With(prometheus.Labels{"gpu_id": gpuID}).Set(usedBytes)
	m.GpuMemoryTotalGaugeVec.With(prometheus.Labels{"gpu_id": gpuID}).Set(totalBytes)
}

func (m *SchedulerPrometheusManager) SetDeviceTemperature(gpuID string, celsius float64) {
	if !m.metricsInitialized {
		return
	}

	m.GpuTemperatureGaugeVec.With(prometheus.Labels{"gpu_id": gpuID}).Set(celsius)
}

func (m *SchedulerPrometheusManager) SetDeviceActiveTasks(gpuID string, numTasks int) {
	if !m.metricsInitialized {
		return
	}

	m.ActiveTasksGaugeVec.With(prometheus.Labels{"gpu_id": gpuID}).Set(float64(numTasks))
}

func (m *SchedulerPrometheusManager) SetQueueDepth(priority scheduling.Priority, depth int) {
	if !m.metricsInitialized {
		return
	}

	m.QueueDepthGaugeVec.With(prometheus.Labels{"priority": priority.String()}).Set(float64(depth))
}

func (m *SchedulerPrometheusManager) SetQueueOldestWait(priority scheduling.Priority, wait time.Duration) {
	if !m.metricsInitialized {
		return
	}

	m.QueueOldestWaitGaugeVec.With(prometheus.Labels{"priority": priority.String()}).Set(wait.Seconds())
}

func (m *SchedulerPrometheusManager) ObserveAllocationLatency(priority scheduling.Priority, latency time.Duration) {
	if !m.metricsInitialized {
		return
	}

	m.AllocationLatencyHistogramVec.With(prometheus.Labels{"priority": priority.String()}).
		Observe(float64(latency.Microseconds()) / 1000.0)
}

func (m *SchedulerPrometheusManager) IncrementPreemptionAttempts(success bool) {
	if !m.metricsInitialized {
		return
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}

	m.PreemptionAttemptsCounterVec.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *SchedulerPrometheusManager) IncrementDeviceFailures() {
	if !m.metricsInitialized {
		return
	}

	m.DeviceFailuresCounter.Inc()
}
